//go:build linux

// Package queue implements a fixed capacity FIFO whose readiness is exposed
// as a pair of eventfd descriptors, so a reactor can poll "queue has data"
// instead of spinning on it.
package queue

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed      = errors.New("queue: closed")
	ErrBadCapacity = errors.New("queue: capacity must be positive")
)

const efdFlags = unix.EFD_CLOEXEC | unix.EFD_NONBLOCK | unix.EFD_SEMAPHORE

// Queue is a bounded FIFO.
//
// enqueueFd counts free slots and dequeueFd counts queued items. Both are
// semaphore eventfds: each successful read takes exactly one unit, so the
// descriptor stays readable for as long as there is something to take.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int

	enqueueFd int
	dequeueFd int
	closed    atomic.Bool
}

// New allocates a queue holding at most capacity items. No partially
// constructed queue is ever returned.
func New[T any](capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, ErrBadCapacity
	}

	enq, err := unix.Eventfd(uint(capacity), efdFlags)
	if err != nil {
		return nil, errors.Wrap(err, "can't create enqueue eventfd")
	}
	deq, err := unix.Eventfd(0, efdFlags)
	if err != nil {
		unix.Close(enq)
		return nil, errors.Wrap(err, "can't create dequeue eventfd")
	}

	return &Queue[T]{
		buf:       make([]T, capacity),
		enqueueFd: enq,
		dequeueFd: deq,
	}, nil
}

// Push appends item, blocking while the queue is full.
func (q *Queue[T]) Push(item T) error {
	if err := q.take(q.enqueueFd, true); err != nil {
		return err
	}
	q.put(item)
	return q.post(q.dequeueFd)
}

// TryPush appends item unless the queue is full or closed.
func (q *Queue[T]) TryPush(item T) bool {
	if q.take(q.enqueueFd, false) != nil {
		return false
	}
	q.put(item)
	return q.post(q.dequeueFd) == nil
}

// Pop removes the oldest item, blocking while the queue is empty.
func (q *Queue[T]) Pop() (T, error) {
	if err := q.take(q.dequeueFd, true); err != nil {
		var zero T
		return zero, err
	}
	item := q.get()
	return item, q.post(q.enqueueFd)
}

// TryPop removes the oldest item, if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	if q.take(q.dequeueFd, false) != nil {
		var zero T
		return zero, false
	}
	item := q.get()
	q.post(q.enqueueFd)
	return item, true
}

// EnqueueFd is readable while the queue has room.
func (q *Queue[T]) EnqueueFd() int { return q.enqueueFd }

// DequeueFd is readable while the queue holds items.
func (q *Queue[T]) DequeueFd() int { return q.dequeueFd }

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue[T]) IsEmpty() bool { return q.Size() == 0 }

func (q *Queue[T]) Cap() int { return len(q.buf) }

// Close releases both descriptors. Nobody may be blocked in Push or Pop.
func (q *Queue[T]) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	err1 := unix.Close(q.enqueueFd)
	err2 := unix.Close(q.dequeueFd)
	if err1 != nil {
		return errors.Wrap(err1, "can't close enqueue eventfd")
	}
	return errors.Wrap(err2, "can't close dequeue eventfd")
}

func (q *Queue[T]) put(item T) {
	q.mu.Lock()
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.mu.Unlock()
}

func (q *Queue[T]) get() T {
	var zero T
	q.mu.Lock()
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.mu.Unlock()
	return item
}

// take decrements the semaphore behind fd by one. errAgain means it was zero
// and block was false.
func (q *Queue[T]) take(fd int, block bool) error {
	var b [8]byte
	for {
		if q.closed.Load() {
			return ErrClosed
		}
		_, err := unix.Read(fd, b[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !block {
				return errAgain
			}
		default:
			return errors.Wrap(err, "can't read eventfd")
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfds, -1); err != nil && err != unix.EINTR {
			return errors.Wrap(err, "can't poll eventfd")
		}
	}
}

func (q *Queue[T]) post(fd int) error {
	if q.closed.Load() {
		return ErrClosed
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(fd, b[:]); err != nil {
		return errors.Wrap(err, "can't write eventfd")
	}
	return nil
}

var errAgain = errors.New("queue: would block")
