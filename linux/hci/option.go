package hci

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// SetErrorHandler sets the receiver of asynchronous transport errors.
func (h *HCI) SetErrorHandler(handler func(error)) error {
	h.errorHandler = handler
	return nil
}

// SetCommandTimeout sets how long a command may go unanswered.
func (h *HCI) SetCommandTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Wrapf(ErrBadParam, "command timeout %v", d)
	}
	h.cmdTimeout = d
	return nil
}

// SetTaskQueueSize sets the capacity of the loop thread's queues.
func (h *HCI) SetTaskQueueSize(n int) error {
	if n <= 0 {
		return errors.Wrapf(ErrBadParam, "queue size %d", n)
	}
	h.queueSize = n
	return nil
}

func (h *HCI) SetACLCallbacks(cb interface{}) error {
	c, ok := cb.(ACLCallbacks)
	if !ok || c == nil {
		return errors.Wrapf(ErrBadParam, "%T is not ACLCallbacks", cb)
	}
	h.aclCbs = append(h.aclCbs, c)
	return nil
}

func (h *HCI) SetCommandCallbacks(cb interface{}) error {
	c, ok := cb.(CommandCallbacks)
	if !ok || c == nil {
		return errors.Wrapf(ErrBadParam, "%T is not CommandCallbacks", cb)
	}
	h.cmdCbs = append(h.cmdCbs, c)
	return nil
}

func (h *HCI) SetEventCallbacks(cb interface{}) error {
	c, ok := cb.(EventCallbacks)
	if !ok || c == nil {
		return errors.Wrapf(ErrBadParam, "%T is not EventCallbacks", cb)
	}
	h.evtCbs = append(h.evtCbs, c)
	return nil
}

// SetTransportHCISocket sets HCI device for hci socket
func (h *HCI) SetTransportHCISocket(id int) error {
	h.transport = transport{
		hci: &transportHci{id},
	}
	return nil
}

// SetTransportH4Socket sets h4 socket server
func (h *HCI) SetTransportH4Socket(addr string, timeout time.Duration) error {
	h.transport = transport{
		h4socket: &transportH4Socket{addr, timeout},
	}
	return nil
}

// SetTransportH4Uart sets h4 uart path and baud rate; baud 0 keeps the
// default.
func (h *HCI) SetTransportH4Uart(path string, baud uint) error {
	h.transport = transport{
		h4uart: &transportH4Uart{path, baud},
	}
	return nil
}

// SetTransport uses rwc as an H4 byte stream.
func (h *HCI) SetTransport(rwc io.ReadWriteCloser) error {
	if rwc == nil {
		return errors.Wrap(ErrBadParam, "nil transport")
	}
	h.transport = transport{
		stream: rwc,
	}
	return nil
}
