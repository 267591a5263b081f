package h4

import (
	"time"

	"github.com/pkg/errors"
)

const (
	eventPacket = 0x04
	aclPacket   = 0x02

	headerLengthEvent = 3 // type, code, length
	headerLengthACL   = 5 // type, handle+flags, length

	frameTimeout = 500 * time.Millisecond
)

var errShort = errors.New("not enough bytes")

// frame splits an H4 byte stream into packets. A partial packet older than
// frameTimeout is dropped and the assembler resyncs on the next type octet.
type frame struct {
	b       []byte
	timeout time.Time
	pktType byte
	emit    func([]byte)
}

func newFrame(emit func([]byte)) *frame {
	return &frame{emit: emit}
}

func (f *frame) Assemble(b []byte) {
	for len(b) > 0 {
		if !f.timeout.IsZero() && time.Now().After(f.timeout) {
			f.reset()
		}

		if len(f.b) == 0 {
			i := f.waitStart(b)
			if i < 0 {
				return
			}
			b = b[i:]
		}
		f.b = append(f.b, b...)

		tl, err := f.dataLength()
		if err != nil || len(f.b) < tl {
			return
		}
		out := make([]byte, tl)
		copy(out, f.b[:tl])
		f.emit(out)

		// whatever follows is the start of the next packet
		b = append([]byte(nil), f.b[tl:]...)
		f.reset()
	}
}

func (f *frame) reset() {
	f.b = f.b[:0]
	f.timeout = time.Time{}
	f.pktType = 0
}

// waitStart finds the first packet type octet in b and returns its index,
// or -1.
func (f *frame) waitStart(b []byte) int {
	for i, v := range b {
		switch v {
		case eventPacket, aclPacket:
			f.pktType = v
			f.timeout = time.Now().Add(frameTimeout)
			return i
		}
	}
	return -1
}

func (f *frame) dataLength() (int, error) {
	switch f.pktType {
	case aclPacket:
		return f.aclLength()
	case eventPacket:
		return f.eventLength()
	default:
		return 0, errors.Errorf("invalid packet type %v", f.pktType)
	}
}

func (f *frame) eventLength() (int, error) {
	if len(f.b) < headerLengthEvent {
		return 0, errShort
	}
	return int(f.b[2]) + headerLengthEvent, nil
}

func (f *frame) aclLength() (int, error) {
	if len(f.b) < headerLengthACL {
		return 0, errShort
	}
	l := int(f.b[3]) | (int(f.b[4]) << 8)
	return l + headerLengthACL, nil
}
