// Package h4 carries HCI packets over a byte stream using the UART
// transport framing [Vol 4, Part A]: one packet type octet, then the packet.
package h4

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/bthci"
)

const (
	rxQueueSize = 64
	readTimeout = time.Second
)

type h4 struct {
	rwc io.ReadWriteCloser
	wmu sync.Mutex

	rxQueue chan []byte
	rxErr   error
	rxDone  chan struct{}

	done chan struct{}
	cmu  sync.Mutex

	log bthci.Logger
}

// DefaultSerialOptions is 8N1 at 1 Mbaud with RTS/CTS, the usual setting
// for HCI UART controllers.
func DefaultSerialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		BaudRate:              1000000,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		RTSCTSFlowControl:     true,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
}

// NewSerial opens a UART controller.
func NewSerial(opts serial.OpenOptions) (io.ReadWriteCloser, error) {
	// reads must time out, or Close could hang behind one
	opts.MinimumReadSize = 0
	if opts.InterCharacterTimeout == 0 {
		opts.InterCharacterTimeout = 100
	}

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", opts.PortName)
	}
	return NewStream(sp), nil
}

// NewSocket dials an H4 server over TCP, e.g. a controller emulator.
func NewSocket(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "can't dial %s", addr)
	}
	return NewStream(&connWithTimeout{c, timeout}), nil
}

// NewStream frames an already open byte stream. Every Read returns one
// whole packet, or 0, nil when nothing arrived for a while.
func NewStream(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	h := &h4{
		rwc:     rwc,
		rxQueue: make(chan []byte, rxQueueSize),
		rxDone:  make(chan struct{}),
		done:    make(chan struct{}),
		log:     bthci.Child(bthci.Fields{"pkg": "h4"}),
	}
	go h.rxLoop()
	return h
}

func (h *h4) Read(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	var t []byte
	select {
	case t = <-h.rxQueue:
	case <-h.done:
		return 0, io.EOF
	case <-h.rxDone:
		// hand out what was assembled before the stream failed
		select {
		case t = <-h.rxQueue:
		default:
			return 0, h.rxErr
		}
	case <-time.After(readTimeout):
		return 0, nil
	}

	if len(p) < len(t) {
		return 0, errors.Errorf("buffer too small: %d < %d", len(p), len(t))
	}
	return copy(p, t), nil
}

func (h *h4) Write(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	n, err := h.rwc.Write(p)
	return n, errors.Wrap(err, "can't write h4")
}

func (h *h4) Close() error {
	h.cmu.Lock()
	defer h.cmu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
		h.log.Debug("closing")
		return errors.Wrap(h.rwc.Close(), "can't close h4")
	}
}

func (h *h4) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *h4) rxLoop() {
	defer close(h.rxDone)

	fr := newFrame(func(b []byte) {
		select {
		case h.rxQueue <- b:
		case <-h.done:
		}
	})

	tmp := make([]byte, 1024)
	for h.isOpen() {
		n, err := h.rwc.Read(tmp)
		if n > 0 {
			fr.Assemble(tmp[:n])
		}

		switch {
		case err == nil:
		case isTimeout(err):
		case err == io.EOF:
			h.rxErr = io.EOF
			return
		default:
			if h.isOpen() {
				h.log.Errorf("read: %v", err)
			}
			h.rxErr = errors.Wrap(err, "can't read h4")
			return
		}
	}
	h.rxErr = io.EOF
}

func isTimeout(err error) bool {
	ne, ok := errors.Cause(err).(net.Error)
	return ok && ne.Timeout()
}
