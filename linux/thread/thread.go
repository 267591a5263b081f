//go:build linux

// Package thread runs tasks on one dedicated, OS-thread-locked goroutine.
//
// A Thread owns a reactor and a task queue. Tasks may be posted from any
// goroutine; they run one at a time, in FIFO order, on the loop thread.
// Lanes multiplex further named queues onto the same loop thread.
package thread

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rigado/bthci"
	"github.com/rigado/bthci/linux/queue"
	"github.com/rigado/bthci/linux/reactor"
	"golang.org/x/sys/unix"
)

var (
	ErrStopFromSelf = errors.New("thread: stop called from the loop thread")
	ErrStopped      = errors.New("thread: stopped")
	ErrQueueFull    = errors.New("thread: task queue full")
	ErrLaneExists   = errors.New("thread: lane already exists")
	ErrLaneNotFound = errors.New("thread: lane not found")
)

// Task is a unit of work run on the loop thread.
type Task func()

// Thread is an event loop bound to a single OS thread.
type Thread struct {
	name  string
	r     *reactor.Reactor
	tasks *queue.Queue[Task]
	token reactor.Token

	tid    atomic.Int64
	exited chan struct{}
	runErr error

	// posting counts PostTask calls past the stopped check; Stop waits for
	// them while the loop still runs, so no task lands after the final drain.
	muPost  sync.Mutex
	stopped bool
	posting sync.WaitGroup

	muStop sync.Mutex

	log bthci.Logger
}

// New creates a thread with a task queue of the given capacity and starts
// its loop. It returns once the loop thread is running.
func New(name string, capacity int) (*Thread, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, errors.Wrapf(err, "thread %s", name)
	}
	q, err := queue.New[Task](capacity)
	if err != nil {
		r.Close()
		return nil, errors.Wrapf(err, "thread %s", name)
	}

	t := &Thread{
		name:   name,
		r:      r,
		tasks:  q,
		exited: make(chan struct{}),
		log:    bthci.Child(bthci.Fields{"pkg": "thread", "thread": name}),
	}

	t.token, err = r.Register(q.DequeueFd(), t.runOne, func() {
		t.log.Error("task queue signal failed")
	})
	if err != nil {
		q.Close()
		r.Close()
		return nil, errors.Wrapf(err, "thread %s", name)
	}

	started := make(chan struct{})
	go t.loop(started)
	<-started

	return t, nil
}

func (t *Thread) loop(started chan<- struct{}) {
	// Never unlocked: the OS thread exits with this goroutine.
	runtime.LockOSThread()
	tid := unix.Gettid()
	t.tid.Store(int64(tid))
	t.r.SetThreadID(tid)
	close(started)

	t.log.Debugf("loop started on tid %d", tid)
	t.runErr = t.r.Run()
	if t.runErr != nil {
		t.log.Errorf("loop exited: %v", t.runErr)
	}
	t.tid.Store(0)
	close(t.exited)
}

func (t *Thread) runOne() {
	if task, ok := t.tasks.TryPop(); ok {
		t.run(task)
	}
}

func (t *Thread) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("task panicked: %v", r)
		}
	}()
	task()
}

// Name returns the name given to New.
func (t *Thread) Name() string { return t.name }

// Reactor returns the reactor driven by the loop thread.
func (t *Thread) Reactor() *reactor.Reactor { return t.r }

// IsCurrentThread reports whether the caller runs on the loop thread.
func (t *Thread) IsCurrentThread() bool {
	tid := t.tid.Load()
	return tid != 0 && int64(unix.Gettid()) == tid
}

// PostTask hands task to the loop thread. From any other goroutine it blocks
// while the queue is full; from the loop thread itself it fails with
// ErrQueueFull instead, since nobody else would ever make room.
func (t *Thread) PostTask(task Task) error {
	if task == nil {
		return errors.New("thread: nil task")
	}

	t.muPost.Lock()
	if t.stopped {
		t.muPost.Unlock()
		return ErrStopped
	}
	t.posting.Add(1)
	t.muPost.Unlock()
	defer t.posting.Done()

	if t.IsCurrentThread() {
		if !t.tasks.TryPush(task) {
			return ErrQueueFull
		}
		return nil
	}
	return errors.Wrap(t.tasks.Push(task), "post task")
}

// Stop ends the loop, then runs every task still queued on the calling
// goroutine, in order. Stopping a thread from itself is a programming error
// and returns ErrStopFromSelf.
func (t *Thread) Stop() error {
	if t.IsCurrentThread() {
		t.log.Error("stop called from the loop thread")
		return ErrStopFromSelf
	}

	t.muStop.Lock()
	defer t.muStop.Unlock()

	t.muPost.Lock()
	if t.stopped {
		t.muPost.Unlock()
		return nil
	}
	t.stopped = true
	t.muPost.Unlock()
	t.posting.Wait()

	if err := t.r.Stop(); err != nil {
		return errors.Wrapf(err, "thread %s", t.name)
	}
	<-t.exited

	t.r.Unregister(t.token)
	n := 0
	for {
		task, ok := t.tasks.TryPop()
		if !ok {
			break
		}
		t.run(task)
		n++
	}
	if n > 0 {
		t.log.Debugf("ran %d queued tasks on stop", n)
	}

	t.tasks.Close()
	return errors.Wrapf(t.r.Close(), "thread %s", t.name)
}

// Stopped reports whether Stop has been called.
func (t *Thread) Stopped() bool {
	t.muPost.Lock()
	defer t.muPost.Unlock()
	return t.stopped
}
