package bthci

import (
	"io"
	"time"
)

// DeviceOption is an interface which the device should implement to allow using configuration options
type DeviceOption interface {
	SetErrorHandler(handler func(error)) error
	SetCommandTimeout(time.Duration) error
	SetTaskQueueSize(int) error

	SetACLCallbacks(interface{}) error
	SetCommandCallbacks(interface{}) error
	SetEventCallbacks(interface{}) error

	SetTransportHCISocket(id int) error
	SetTransportH4Socket(addr string, timeout time.Duration) error
	SetTransportH4Uart(path string, baud uint) error
	SetTransport(rwc io.ReadWriteCloser) error
}

// An Option is a configuration function, which configures the device.
type Option func(DeviceOption) error

// OptErrorHandler sets the handler for asynchronous transport errors.
func OptErrorHandler(handler func(error)) Option {
	return func(opt DeviceOption) error {
		return opt.SetErrorHandler(handler)
	}
}

// OptCommandTimeout overrides how long a command may stay in flight before
// it is reported as failed.
func OptCommandTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetCommandTimeout(d)
	}
}

// OptTaskQueueSize sets the capacity of the loop thread and lane queues.
func OptTaskQueueSize(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetTaskQueueSize(n)
	}
}

// OptACLCallbacks registers the receiver of inbound ACL data.
// cb must implement hci.ACLCallbacks.
func OptACLCallbacks(cb interface{}) Option {
	return func(opt DeviceOption) error {
		return opt.SetACLCallbacks(cb)
	}
}

// OptCommandCallbacks registers the receiver of command failures.
// cb must implement hci.CommandCallbacks.
func OptCommandCallbacks(cb interface{}) Option {
	return func(opt DeviceOption) error {
		return opt.SetCommandCallbacks(cb)
	}
}

// OptEventCallbacks registers a receiver of decoded controller events.
// cb must implement hci.EventCallbacks.
func OptEventCallbacks(cb interface{}) Option {
	return func(opt DeviceOption) error {
		return opt.SetEventCallbacks(cb)
	}
}

// OptTransportHCISocket sets hci socket interface
func OptTransportHCISocket(id int) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportHCISocket(id)
	}
}

// OptTransportH4Socket sets h4 socket interface
func OptTransportH4Socket(addr string, timeout time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportH4Socket(addr, timeout)
	}
}

// OptTransportH4Uart sets h4 uart interface
func OptTransportH4Uart(path string, baud uint) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportH4Uart(path, baud)
	}
}

// OptTransport uses an already opened H4 byte stream, e.g. a pipe in tests.
func OptTransport(rwc io.ReadWriteCloser) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransport(rwc)
	}
}
