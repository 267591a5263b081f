//go:build linux

// Package reactor dispatches readiness of registered file descriptors to
// callbacks, all on the goroutine that calls Run.
package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rigado/bthci"
	"golang.org/x/sys/unix"
)

var (
	ErrRegistered    = errors.New("reactor: fd already registered")
	ErrNotRegistered = errors.New("reactor: not registered")
	ErrRunning       = errors.New("reactor: already running")
	ErrClosed        = errors.New("reactor: closed")
)

const maxEvents = 64

// Token identifies a registration.
type Token struct {
	fd  int
	seq int32
}

type registration struct {
	seq        int32
	onReadable func()
	onError    func()
}

// Reactor is an epoll based dispatcher.
type Reactor struct {
	epfd   int
	stopFd int

	mu   sync.Mutex
	regs map[int]*registration
	seq  int32

	running atomic.Bool
	closed  atomic.Bool
	tid     atomic.Int64

	log bthci.Logger
}

// New creates the epoll instance and its stop signal.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "can't create epoll")
	}

	stopFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "can't create stop eventfd")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopFd, &ev); err != nil {
		unix.Close(stopFd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "can't watch stop eventfd")
	}

	return &Reactor{
		epfd:   epfd,
		stopFd: stopFd,
		regs:   make(map[int]*registration),
		log:    bthci.Child(bthci.Fields{"pkg": "reactor"}),
	}, nil
}

// Register watches fd for readability. onError may be nil.
func (r *Reactor) Register(fd int, onReadable func(), onError func()) (Token, error) {
	if onReadable == nil {
		return Token{}, errors.New("reactor: nil callback")
	}
	if r.closed.Load() {
		return Token{}, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regs[fd]; ok || fd == r.stopFd {
		return Token{}, ErrRegistered
	}
	r.seq++
	reg := &registration{seq: r.seq, onReadable: onReadable, onError: onError}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd), Pad: reg.seq}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return Token{}, errors.Wrapf(err, "can't register fd %d", fd)
	}
	r.regs[fd] = reg

	return Token{fd: fd, seq: reg.seq}, nil
}

// Unregister stops watching the descriptor behind tok. Once it returns, no
// callback of that registration starts, except one already running.
func (r *Reactor) Unregister(tok Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[tok.fd]
	if !ok || reg.seq != tok.seq {
		return ErrNotRegistered
	}
	delete(r.regs, tok.fd)

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, tok.fd, nil); err != nil {
		return errors.Wrapf(err, "can't unregister fd %d", tok.fd)
	}
	return nil
}

// SetThreadID records the OS thread that runs the dispatch loop.
func (r *Reactor) SetThreadID(tid int) { r.tid.Store(int64(tid)) }

// ThreadID is the id given to SetThreadID, or 0.
func (r *Reactor) ThreadID() int { return int(r.tid.Load()) }

// Run dispatches callbacks until Stop is called.
func (r *Reactor) Run() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.running.Store(false)

	var events [maxEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(r.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "epoll wait")
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == r.stopFd {
				r.drainStop()
				return nil
			}
			r.dispatch(ev)
		}
	}
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	r.mu.Lock()
	reg, ok := r.regs[int(ev.Fd)]
	r.mu.Unlock()

	// a stale event for an fd that was unregistered (and maybe reused) earlier
	// in this batch
	if !ok || reg.seq != ev.Pad {
		return
	}

	switch {
	case ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
		if reg.onError != nil {
			reg.onError()
			return
		}
		r.log.Warnf("error on fd %d with no error handler, events 0x%x", ev.Fd, ev.Events)
		fallthrough
	case ev.Events&unix.EPOLLIN != 0:
		reg.onReadable()
	}
}

// Stop makes Run return after the callback in progress, if any. A Stop
// before Run makes the next Run return immediately.
func (r *Reactor) Stop() error {
	if r.closed.Load() {
		return ErrClosed
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(r.stopFd, b[:])
	return errors.Wrap(err, "can't signal stop")
}

func (r *Reactor) drainStop() {
	var b [8]byte
	unix.Read(r.stopFd, b[:])
}

// Close releases the epoll instance. Run must have returned.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(r.stopFd)
	return errors.Wrap(unix.Close(r.epfd), "can't close epoll")
}
