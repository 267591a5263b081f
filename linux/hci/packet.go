package hci

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ACLHeader is the 4 byte header of an HCI ACL Data Packet [Vol 4, Part E, 5.4.2].
//
//	bits 0-11   connection handle
//	bits 12-13  packet boundary flag
//	bits 14-15  broadcast flag
//	bytes 2-3   data total length
type ACLHeader struct {
	Handle uint16
	PBF    uint8
	BCF    uint8
	Length uint16
}

// Marshal writes the header into the first 4 bytes of b.
func (h ACLHeader) Marshal(b []byte) error {
	if len(b) < aclHeaderLen {
		return errors.Wrap(ErrBadParam, "acl header buffer")
	}
	v := h.Handle&0x0fff | uint16(h.PBF&0x3)<<12 | uint16(h.BCF&0x3)<<14
	binary.LittleEndian.PutUint16(b, v)
	binary.LittleEndian.PutUint16(b[2:], h.Length)
	return nil
}

func (h ACLHeader) Bytes() []byte {
	b := make([]byte, aclHeaderLen)
	h.Marshal(b)
	return b
}

// ParseACLHeader decodes the header at the start of b.
func ParseACLHeader(b []byte) (ACLHeader, error) {
	if len(b) < aclHeaderLen {
		return ACLHeader{}, errors.Errorf("short acl packet: % X", b)
	}
	p := aclPacket(b)
	return ACLHeader{Handle: p.handle(), PBF: p.pbf(), BCF: p.bcf(), Length: p.dlen()}, nil
}

// aclPacket is an ACL packet without the H4 type octet.
type aclPacket []byte

func (a aclPacket) handle() uint16 { return uint16(a[0]) | (uint16(a[1]&0x0f) << 8) }
func (a aclPacket) pbf() uint8     { return (a[1] >> 4) & 0x3 }
func (a aclPacket) bcf() uint8     { return (a[1] >> 6) & 0x3 }
func (a aclPacket) dlen() uint16   { return uint16(a[2]) | (uint16(a[3]) << 8) }
func (a aclPacket) data() []byte   { return a[4:] }

// l2capLen is the length field of the L2CAP basic header that starts every
// first fragment [Vol 3, Part A, 3.1].
func l2capLen(b []byte) (int, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(b)), true
}

// Packet is one unit handed to the controller. Head holds the command or
// ACL header and Payload the bytes behind it; Payload may alias caller
// memory.
type Packet struct {
	Type    uint8
	Head    []byte
	Payload []byte
}

func (p Packet) Len() int { return 1 + len(p.Head) + len(p.Payload) }

// Bytes renders the packet in H4 framing.
func (p Packet) Bytes() []byte {
	b := make([]byte, 0, p.Len())
	b = append(b, p.Type)
	b = append(b, p.Head...)
	return append(b, p.Payload...)
}

// TxSink accepts packets for transmission to the controller.
type TxSink interface {
	Push(p Packet) error
}

// WriterSink writes each packet to an H4 byte stream with a single Write.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Push(p Packet) error {
	b := p.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.w.Write(b)
	if err != nil {
		return errors.Wrap(err, "can't write packet")
	}
	if n != len(b) {
		return errors.Errorf("short write %d of %d bytes", n, len(b))
	}
	return nil
}
