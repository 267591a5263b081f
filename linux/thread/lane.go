//go:build linux

package thread

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/bthci/linux/queue"
	"github.com/rigado/bthci/linux/reactor"
)

type lane struct {
	id    string
	tasks *queue.Queue[Task]
	token reactor.Token
}

// drain runs every queued task. Only called on the loop thread, or after the
// loop has exited.
func (l *lane) drain(t *Thread) int {
	n := 0
	for {
		task, ok := l.tasks.TryPop()
		if !ok {
			return n
		}
		t.run(task)
		n++
	}
}

// Lanes multiplexes named task queues, one per stack module, onto a single
// Thread. Each lane is flushed independently of the others.
type Lanes struct {
	t *Thread

	mu    sync.Mutex
	lanes map[string]*lane
}

func NewLanes(t *Thread) *Lanes {
	return &Lanes{t: t, lanes: make(map[string]*lane)}
}

// Create adds a lane with its own queue of the given capacity.
func (ls *Lanes) Create(id string, capacity int) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.lanes[id]; ok {
		return errors.Wrap(ErrLaneExists, id)
	}

	q, err := queue.New[Task](capacity)
	if err != nil {
		return errors.Wrapf(err, "lane %s", id)
	}
	l := &lane{id: id, tasks: q}

	l.token, err = ls.t.r.Register(q.DequeueFd(), func() {
		if task, ok := q.TryPop(); ok {
			ls.t.run(task)
		}
	}, func() {
		ls.t.log.Errorf("lane %s signal failed", id)
	})
	if err != nil {
		q.Close()
		return errors.Wrapf(err, "lane %s", id)
	}

	ls.lanes[id] = l
	return nil
}

// RunTask queues task on lane id. It blocks while the lane is full, unless
// called on the loop thread, where it fails with ErrQueueFull.
func (ls *Lanes) RunTask(id string, task Task) error {
	if task == nil {
		return errors.New("thread: nil task")
	}

	ls.mu.Lock()
	l, ok := ls.lanes[id]
	ls.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrLaneNotFound, id)
	}

	if ls.t.IsCurrentThread() {
		if !l.tasks.TryPush(task) {
			return ErrQueueFull
		}
		return nil
	}
	return errors.Wrapf(l.tasks.Push(task), "lane %s", id)
}

// RunAllTasksInQueue runs everything queued on lane id and returns once
// those tasks are done. Off the loop thread it waits for the loop thread to
// do the work.
func (ls *Lanes) RunAllTasksInQueue(id string) error {
	ls.mu.Lock()
	l, ok := ls.lanes[id]
	ls.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrLaneNotFound, id)
	}

	return ls.onLoop(func() { l.drain(ls.t) })
}

// Delete removes lane id. Tasks still queued on it are run before Delete
// returns; none are dropped.
func (ls *Lanes) Delete(id string) error {
	ls.mu.Lock()
	l, ok := ls.lanes[id]
	delete(ls.lanes, id)
	ls.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrLaneNotFound, id)
	}

	return ls.onLoop(func() {
		ls.t.r.Unregister(l.token)
		if n := l.drain(ls.t); n > 0 {
			ls.t.log.Debugf("lane %s: ran %d queued tasks on delete", id, n)
		}
		l.tasks.Close()
	})
}

// onLoop runs fn on the loop thread and waits for it. If the loop has
// already stopped there is no other runner left, so fn runs right here.
func (ls *Lanes) onLoop(fn func()) error {
	if ls.t.IsCurrentThread() {
		fn()
		return nil
	}

	done := make(chan struct{})
	err := ls.t.PostTask(func() {
		defer close(done)
		fn()
	})
	if errors.Cause(err) == ErrStopped {
		fn()
		return nil
	}
	if err != nil {
		return err
	}
	<-done
	return nil
}

// IDs lists the current lanes.
func (ls *Lanes) IDs() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ids := make([]string, 0, len(ls.lanes))
	for id := range ls.lanes {
		ids = append(ids, id)
	}
	return ids
}
