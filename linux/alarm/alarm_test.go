//go:build linux

package alarm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rigado/bthci/linux/thread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newThread(t *testing.T) *thread.Thread {
	t.Helper()
	th, err := thread.New(t.Name(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { th.Stop() })
	return th
}

func TestOneShotRunsOnThread(t *testing.T) {
	th := newThread(t)
	a, err := New(th, "cmd", false)
	require.NoError(t, err)

	onLoop := make(chan bool, 1)
	require.NoError(t, a.Set(10*time.Millisecond, func() { onLoop <- th.IsCurrentThread() }))
	assert.True(t, a.IsSet())

	select {
	case ok := <-onLoop:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}
	assert.False(t, a.IsSet())
}

func TestCancelBeforeExpiry(t *testing.T) {
	a, err := New(newThread(t), "cmd", false)
	require.NoError(t, err)

	var fired atomic.Int32
	require.NoError(t, a.Set(30*time.Millisecond, func() { fired.Add(1) }))
	a.Cancel()
	a.Cancel()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCancelOnThreadBeatsPostedExpiry(t *testing.T) {
	th := newThread(t)
	a, err := New(th, "cmd", false)
	require.NoError(t, err)

	var fired atomic.Int32
	release := make(chan struct{})
	require.NoError(t, a.Set(time.Millisecond, func() { fired.Add(1) }))
	require.NoError(t, th.PostTask(func() {
		<-release
		// the expiry is queued behind this task by now
		a.Cancel()
	}))
	time.Sleep(30 * time.Millisecond)
	close(release)

	done := make(chan struct{})
	require.NoError(t, th.PostTask(func() { close(done) }))
	<-done
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestPeriodic(t *testing.T) {
	a, err := New(newThread(t), "tick", true)
	require.NoError(t, err)

	var fired atomic.Int32
	require.NoError(t, a.Set(5*time.Millisecond, func() { fired.Add(1) }))

	assert.Eventually(t, func() bool { return fired.Load() >= 3 }, time.Second, 5*time.Millisecond)
	a.Delete()
	assert.Equal(t, ErrDeleted, a.Set(time.Millisecond, func() {}))
}
