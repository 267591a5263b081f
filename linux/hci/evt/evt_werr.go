package evt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrIndex = errors.New("index error")

func (e CommandComplete) NumHCICommandPacketsWErr() (uint8, error) {
	return getByte(e, 0, 0)
}

func (e CommandComplete) CommandOpcodeWErr() (uint16, error) {
	return getUint16LE(e, 1, 0xffff)
}

func (e CommandComplete) ReturnParametersWErr() ([]byte, error) {
	if len(e) == 3 {
		return []byte{}, nil
	}
	return getBytes(e, 3, -1)
}

func (e CommandStatus) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}

func (e CommandStatus) NumHCICommandPacketsWErr() (uint8, error) {
	return getByte(e, 1, 0)
}

func (e CommandStatus) CommandOpcodeWErr() (uint16, error) {
	return getUint16LE(e, 2, 0xffff)
}

func (e NumberOfCompletedPackets) NumberOfHandlesWErr() (uint8, error) {
	n, err := getByte(e, 0, 0)
	if err != nil {
		return 0, err
	}
	if 1+int(n)*4 != len(e) {
		return 0, errors.Errorf("%d handles in %d bytes", n, len(e))
	}
	return n, nil
}

func (e NumberOfCompletedPackets) ConnectionHandleWErr(i int) (uint16, error) {
	si := 1 + (i * 4)
	h, err := getUint16LE(e, si, 0xffff)
	return h & 0x0fff, err
}

func (e NumberOfCompletedPackets) HCNumOfCompletedPacketsWErr(i int) (uint16, error) {
	si := 1 + (i * 4) + 2
	return getUint16LE(e, si, 0)
}

func (e DisconnectionComplete) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}

func (e DisconnectionComplete) ConnectionHandleWErr() (uint16, error) {
	h, err := getUint16LE(e, 1, 0xffff)
	return h & 0x0fff, err
}

func (e DisconnectionComplete) ReasonWErr() (uint8, error) {
	return getByte(e, 3, 0)
}

func (e ConnectionComplete) StatusWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}

func (e ConnectionComplete) ConnectionHandleWErr() (uint16, error) {
	h, err := getUint16LE(e, 1, 0xffff)
	return h & 0x0fff, err
}

// LinkTypeWErr is 0x00 for SCO and 0x01 for ACL.
func (e ConnectionComplete) LinkTypeWErr() (uint8, error) {
	return getByte(e, 9, 0xff)
}

func (e LEMeta) SubeventCodeWErr() (uint8, error) {
	return getByte(e, 0, 0xff)
}

// LE Connection Complete and LE Enhanced Connection Complete share the
// leading fields, so one decoder serves both.

func (e LEConnectionComplete) StatusWErr() (uint8, error) {
	return getByte(e, 1, 0xff)
}

func (e LEConnectionComplete) ConnectionHandleWErr() (uint16, error) {
	h, err := getUint16LE(e, 2, 0xffff)
	return h & 0x0fff, err
}

func (e LEConnectionComplete) RoleWErr() (uint8, error) {
	return getByte(e, 4, 0xff)
}

//get or default
func getByte(b []byte, i int, def byte) (byte, error) {
	bb, err := getBytes(b, i, 1)
	if err != nil {
		return def, err
	}
	return bb[0], nil
}

//get or default
func getUint16LE(b []byte, i int, def uint16) (uint16, error) {
	bb, err := getBytes(b, i, 2)
	if err != nil {
		return def, err
	}
	return binary.LittleEndian.Uint16(bb), nil
}

func getBytes(bytes []byte, start int, count int) ([]byte, error) {
	if bytes == nil || start >= len(bytes) {
		return nil, ErrIndex
	}

	if count < 0 {
		return bytes[start:], nil
	}

	end := start + count
	//end is non-inclusive
	if end > len(bytes) {
		return nil, ErrIndex
	}

	return bytes[start:end], nil
}
