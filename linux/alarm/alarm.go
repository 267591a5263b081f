//go:build linux

// Package alarm provides one-shot and periodic timers whose callbacks run
// on a thread.Thread.
package alarm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bthci"
	"github.com/rigado/bthci/linux/thread"
)

var ErrDeleted = errors.New("alarm: deleted")

// Alarm is a named timer. A callback runs on the owning thread and never
// after Cancel or Delete returned, when those are called on that thread.
type Alarm struct {
	t        *thread.Thread
	name     string
	periodic bool

	mu      sync.Mutex
	gen     uint64
	timer   *time.Timer
	deleted bool

	log bthci.Logger
}

func New(t *thread.Thread, name string, periodic bool) (*Alarm, error) {
	if t == nil {
		return nil, errors.New("alarm: nil thread")
	}
	return &Alarm{
		t:        t,
		name:     name,
		periodic: periodic,
		log:      bthci.Child(bthci.Fields{"pkg": "alarm", "alarm": name}),
	}, nil
}

func (a *Alarm) Name() string { return a.name }

// Set arms the alarm, replacing any earlier setting.
func (a *Alarm) Set(delay time.Duration, cb func()) error {
	if cb == nil {
		return errors.New("alarm: nil callback")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.deleted {
		return ErrDeleted
	}
	a.stopLocked()
	a.armLocked(delay, cb)
	return nil
}

// IsSet reports whether the alarm is armed.
func (a *Alarm) IsSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Cancel disarms the alarm. It is a no-op on an idle alarm.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()
}

// Delete cancels the alarm for good; later Sets fail.
func (a *Alarm) Delete() {
	a.mu.Lock()
	a.stopLocked()
	a.deleted = true
	a.mu.Unlock()
}

func (a *Alarm) stopLocked() {
	// invalidates anything already posted to the thread
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Alarm) armLocked(delay time.Duration, cb func()) {
	gen := a.gen
	a.timer = time.AfterFunc(delay, func() {
		err := a.t.PostTask(func() { a.fire(gen, delay, cb) })
		if err != nil {
			a.log.Warnf("can't post expiry: %v", err)
		}
	})
}

// fire runs on the loop thread.
func (a *Alarm) fire(gen uint64, delay time.Duration, cb func()) {
	a.mu.Lock()
	if gen != a.gen || a.deleted {
		a.mu.Unlock()
		return
	}
	if a.periodic {
		a.armLocked(delay, cb)
	} else {
		a.timer = nil
	}
	a.mu.Unlock()

	cb()
}
