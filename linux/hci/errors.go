package hci

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrBadParam      = errors.New("hci: bad parameter")
	ErrUnknownHandle = errors.New("hci: unknown connection handle")
	ErrClosed        = errors.New("hci: closed")
	ErrWouldDeadlock = errors.New("hci: synchronous call from the loop thread")
	ErrNotReady      = errors.New("hci: not initialized")
)

// ErrCommand is an HCI status code [Vol 1, Part F, 1.3].
type ErrCommand uint8

var errCommandText = map[ErrCommand]string{
	0x01: "unknown HCI command",
	0x02: "unknown connection identifier",
	0x03: "hardware failure",
	0x04: "page timeout",
	0x05: "authentication failure",
	0x06: "PIN or key missing",
	0x07: "memory capacity exceeded",
	0x08: "connection timeout",
	0x09: "connection limit exceeded",
	0x0A: "synchronous connection limit to a device exceeded",
	0x0B: "ACL connection already exists",
	0x0C: "command disallowed",
	0x0D: "connection rejected due to limited resources",
	0x0E: "connection rejected due to security reasons",
	0x0F: "connection rejected due to unacceptable BD_ADDR",
	0x10: "connection accept timeout exceeded",
	0x11: "unsupported feature or parameter value",
	0x12: "invalid HCI command parameters",
	0x13: "remote user terminated connection",
	0x14: "remote device terminated connection due to low resources",
	0x15: "remote device terminated connection due to power off",
	0x16: "connection terminated by local host",
	0x1A: "unsupported remote feature",
	0x1F: "unspecified error",
	0x22: "LL response timeout",
	0x28: "instant passed",
	0x3A: "controller busy",
	0x3B: "unacceptable connection parameters",
	0x3C: "advertising timeout",
	0x3D: "connection terminated due to MIC failure",
	0x3E: "connection failed to be established",
	ErrCommand(StatusTimeout): "command timeout",
}

// Errors used by the transport itself.
const (
	ErrConnID          ErrCommand = 0x02
	ErrHardwareFailure ErrCommand = 0x03
	ErrDisallowed      ErrCommand = 0x0C
	ErrRemoteUser      ErrCommand = 0x13
	ErrLocalHost       ErrCommand = 0x16
	ErrTimeout         ErrCommand = ErrCommand(StatusTimeout)
)

func (e ErrCommand) Error() string {
	if s, ok := errCommandText[e]; ok {
		return fmt.Sprintf("hci: %s (0x%02X)", s, uint8(e))
	}
	return fmt.Sprintf("hci: status 0x%02X", uint8(e))
}
