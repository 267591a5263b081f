// Package cmd encodes the HCI commands the transport issues on its own and
// decodes their return parameters.
package cmd

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Opcodes, OGF<<10 | OCF.
const (
	DisconnectOpCode       = 0x0406
	ResetOpCode            = 0x0C03
	ReadBufferSizeOpCode   = 0x1005
	LEReadBufferSizeOpCode = 0x2002
)

var ErrShort = errors.New("cmd: short return parameters")

// Command is anything that can be sent to the controller.
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP decodes the return parameters of a Command Complete event.
type CommandRP interface {
	Unmarshal(b []byte) error
}

// Raw wraps an opcode and pre-encoded parameters.
type Raw struct {
	Op     uint16
	Params []byte
}

func (c *Raw) OpCode() int { return int(c.Op) }
func (c *Raw) Len() int    { return len(c.Params) }

func (c *Raw) Marshal(b []byte) error {
	if len(b) < len(c.Params) {
		return errors.Errorf("cmd 0x%04x: buffer too small", c.Op)
	}
	copy(b, c.Params)
	return nil
}

// Reset implements Reset (0x03|0x0003) [Vol 2, Part E, 7.3.2]
type Reset struct{}

func (c *Reset) OpCode() int            { return ResetOpCode }
func (c *Reset) Len() int               { return 0 }
func (c *Reset) Marshal(b []byte) error { return nil }

// Disconnect implements Disconnect (0x01|0x0006) [Vol 2, Part E, 7.1.6]
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c *Disconnect) OpCode() int { return DisconnectOpCode }
func (c *Disconnect) Len() int    { return 3 }

func (c *Disconnect) Marshal(b []byte) error {
	if len(b) < c.Len() {
		return errors.New("cmd disconnect: buffer too small")
	}
	binary.LittleEndian.PutUint16(b, c.ConnectionHandle&0x0fff)
	b[2] = c.Reason
	return nil
}

// ReadBufferSize implements Read Buffer Size (0x04|0x0005) [Vol 2, Part E, 7.4.5]
type ReadBufferSize struct{}

func (c *ReadBufferSize) OpCode() int            { return ReadBufferSizeOpCode }
func (c *ReadBufferSize) Len() int               { return 0 }
func (c *ReadBufferSize) Marshal(b []byte) error { return nil }

// ReadBufferSizeRP returns the return parameter of Read Buffer Size
type ReadBufferSizeRP struct {
	Status                           uint8
	HCACLDataPacketLength            uint16
	HCSynchronousDataPacketLength    uint8
	HCTotalNumACLDataPackets         uint16
	HCTotalNumSynchronousDataPackets uint16
}

func (rp *ReadBufferSizeRP) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return ErrShort
	}
	rp.Status = b[0]
	rp.HCACLDataPacketLength = binary.LittleEndian.Uint16(b[1:])
	rp.HCSynchronousDataPacketLength = b[3]
	rp.HCTotalNumACLDataPackets = binary.LittleEndian.Uint16(b[4:])
	rp.HCTotalNumSynchronousDataPackets = binary.LittleEndian.Uint16(b[6:])
	return nil
}

// LEReadBufferSize implements LE Read Buffer Size (0x08|0x0002) [Vol 2, Part E, 7.8.2]
type LEReadBufferSize struct{}

func (c *LEReadBufferSize) OpCode() int            { return LEReadBufferSizeOpCode }
func (c *LEReadBufferSize) Len() int               { return 0 }
func (c *LEReadBufferSize) Marshal(b []byte) error { return nil }

// LEReadBufferSizeRP returns the return parameter of LE Read Buffer Size
type LEReadBufferSizeRP struct {
	Status                  uint8
	HCLEDataPacketLength    uint16
	HCTotalNumLEDataPackets uint8
}

func (rp *LEReadBufferSizeRP) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return ErrShort
	}
	rp.Status = b[0]
	rp.HCLEDataPacketLength = binary.LittleEndian.Uint16(b[1:])
	rp.HCTotalNumLEDataPackets = b[3]
	return nil
}
