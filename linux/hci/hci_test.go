package hci

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bthci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controller is a scripted controller on the far end of a pipe. It
// answers the init sequence and hands every ACL packet it gets to acl.
type controller struct {
	conn net.Conn
	acl  chan []byte
	cmds chan uint16
}

func newController(conn net.Conn) *controller {
	c := &controller{conn: conn, acl: make(chan []byte, 16), cmds: make(chan uint16, 16)}
	go c.loop()
	return c
}

func (c *controller) send(b ...byte) {
	c.conn.Write(b)
}

func (c *controller) commandComplete(op uint16, rp ...byte) {
	b := []byte{PktTypeEvent, 0x0E, byte(3 + len(rp)), 0x01, byte(op), byte(op >> 8)}
	c.send(append(b, rp...)...)
}

func (c *controller) commandStatus(op uint16, status uint8) {
	c.send(PktTypeEvent, 0x0F, 0x04, status, 0x01, byte(op), byte(op>>8))
}

func (c *controller) loop() {
	var buf []byte
	tmp := make([]byte, 512)
	for {
		n, err := c.conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			l := packetLen(buf)
			if l == 0 || len(buf) < l {
				break
			}
			switch buf[0] {
			case PktTypeCommand:
				c.answer(binary.LittleEndian.Uint16(buf[1:]))
			case PktTypeACLData:
				c.acl <- append([]byte(nil), buf[1:l]...)
			}
			buf = buf[l:]
		}
	}
}

// packetLen is the H4 length of the packet at the start of b, or 0 while
// its header is incomplete.
func packetLen(b []byte) int {
	switch {
	case len(b) >= 4 && b[0] == PktTypeCommand:
		return 4 + int(b[3])
	case len(b) >= 5 && b[0] == PktTypeACLData:
		return 5 + int(binary.LittleEndian.Uint16(b[3:]))
	}
	return 0
}

func (c *controller) answer(op uint16) {
	c.cmds <- op
	switch op {
	case 0x0C03:
		c.commandComplete(op, 0x00)
	case 0x1005:
		// 339 byte ACL buffers, 4 of them
		c.commandComplete(op, 0x00, 0x53, 0x01, 0x00, 0x04, 0x00, 0x00, 0x00)
	case 0x2002:
		// 27 byte LE buffers, 2 of them
		c.commandComplete(op, 0x00, 0x1b, 0x00, 0x02)
	case 0x0406:
		c.commandStatus(op, StatusSuccess)
	case 0xFC7F:
		// never answered
	default:
		c.commandStatus(op, uint8(ErrDisallowed))
	}
}

type recordEvt struct {
	codes chan uint8
}

func (r *recordEvt) OnEvent(code uint8, b []byte) {
	select {
	case r.codes <- code:
	default:
	}
}

func newTestHCI(t *testing.T, opts ...bthci.Option) (*HCI, *controller) {
	t.Helper()
	host, ctrl := net.Pipe()
	c := newController(ctrl)

	h, err := NewHCI(append([]bthci.Option{bthci.OptTransport(host)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, h.Init())
	t.Cleanup(func() {
		h.Close()
		ctrl.Close()
	})

	for _, op := range []uint16{0x0C03, 0x1005, 0x2002} {
		assert.Equal(t, op, <-c.cmds)
	}
	return h, c
}

func nextACL(t *testing.T, c *controller) ACLHeader {
	t.Helper()
	select {
	case b := <-c.acl:
		h, err := ParseACLHeader(b)
		require.NoError(t, err)
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no acl packet")
		return ACLHeader{}
	}
}

func TestHCIInit(t *testing.T) {
	h, _ := newTestHCI(t)

	s, err := h.Stats()
	require.NoError(t, err)
	assert.False(t, s.ACL.Shared)
	assert.Equal(t, PoolStats{Available: 4, Total: 4, MaxLen: 339}, s.ACL.BrEdr)
	assert.Equal(t, PoolStats{Available: 2, Total: 2, MaxLen: 27}, s.ACL.LE)
	assert.Equal(t, 0, s.Commands.InFlight)
}

func TestHCIDataFlow(t *testing.T) {
	acl := &recordACL{}
	h, c := newTestHCI(t, bthci.OptACLCallbacks(acl))

	// LE Connection Complete, handle 0x0040, master
	c.send(PktTypeEvent, 0x3E, 0x13, 0x01, 0x00, 0x40, 0x00, 0x00, 0x00,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x18, 0x00, 0x00, 0x00, 0xc8, 0x00, 0x00)
	assert.Eventually(t, func() bool {
		s, _ := h.Stats()
		return len(s.ACL.Conns) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.SendACL(0x40, true, payload(40)))
	first, second := nextACL(t, c), nextACL(t, c)
	assert.Equal(t, ACLHeader{Handle: 0x40, PBF: PbfFirstFlushable, Length: 27}, first)
	assert.Equal(t, ACLHeader{Handle: 0x40, PBF: PbfContinuing, Length: 13}, second)

	require.NoError(t, h.SendACL(0x40, true, payload(10)))
	s, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, s.ACL.LE.Cached)

	// Number Of Completed Packets: 2 for 0x0040
	c.send(PktTypeEvent, 0x13, 0x05, 0x01, 0x40, 0x00, 0x02, 0x00)
	assert.Equal(t, ACLHeader{Handle: 0x40, PBF: PbfFirstFlushable, Length: 10}, nextACL(t, c))

	c.send(PktTypeACLData, 0x40, 0x20, 0x07, 0x00, 0x03, 0x00, 0x04, 0x00, 0xaa, 0xbb, 0xcc)
	assert.Eventually(t, func() bool {
		acl.mu.Lock()
		defer acl.mu.Unlock()
		return len(acl.received) == 1
	}, 2*time.Second, 5*time.Millisecond)
	acl.mu.Lock()
	assert.True(t, bytes.Equal([]byte{0x03, 0x00, 0x04, 0x00, 0xaa, 0xbb, 0xcc}, acl.received[0].data))
	acl.mu.Unlock()

	_, err = h.Disconnect(0x40, uint8(ErrRemoteUser))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0406), <-c.cmds)
	assert.Eventually(t, func() bool {
		s, _ := h.Stats()
		return len(s.ACL.Conns) == 0 && s.ACL.LE.Available == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Disconnection Complete repeats what the status already did
	c.send(PktTypeEvent, 0x05, 0x04, 0x00, 0x40, 0x00, 0x13)
	assert.Equal(t, ErrUnknownHandle, errors.Cause(h.SendACL(0x40, true, payload(1))))
}

func TestHCISendCommandSync(t *testing.T) {
	evts := &recordEvt{codes: make(chan uint8, 16)}
	h, c := newTestHCI(t, bthci.OptEventCallbacks(evts))

	res, err := h.SendCommandSync(context.Background(), 0x0C14, nil)
	assert.Equal(t, ErrDisallowed, err)
	assert.Equal(t, CommandResult{OpCode: 0x0C14, Status: uint8(ErrDisallowed)}, res)
	assert.Equal(t, uint16(0x0C14), <-c.cmds)

	// the init sequence's Command Completes come first
	for _, want := range []uint8{0x0E, 0x0E, 0x0E, 0x0F} {
		assert.Equal(t, want, <-evts.codes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.SendCommandSync(ctx, 0xFC7F, nil)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestHCIDeregisterCallbacks(t *testing.T) {
	h, _ := newTestHCI(t)
	evts := &recordEvt{codes: make(chan uint8, 16)}
	require.NoError(t, h.RegisterEventCallbacks(evts))

	_, err := h.SendCommandSync(context.Background(), 0x0C14, nil)
	assert.Equal(t, ErrDisallowed, err)
	for code := uint8(0); code != 0x0F; {
		select {
		case code = <-evts.codes:
		case <-time.After(2 * time.Second):
			t.Fatal("no command status event")
		}
	}

	require.NoError(t, h.DeregisterEventCallbacks(evts))
	_, err = h.SendCommandSync(context.Background(), 0x0C14, nil)
	assert.Equal(t, ErrDisallowed, err)
	select {
	case code := <-evts.codes:
		t.Fatalf("event 0x%02X after deregister", code)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, ErrBadParam, errors.Cause(h.DeregisterEventCallbacks(evts)))
	assert.Equal(t, ErrBadParam, errors.Cause(h.DeregisterACLCallbacks(&recordACL{})))
	assert.Equal(t, ErrBadParam, errors.Cause(h.DeregisterCommandCallbacks(&recordCmd{})))
}

func TestHCICommandTimeout(t *testing.T) {
	cb := &recordCmd{}
	h, _ := newTestHCI(t, bthci.OptCommandCallbacks(cb), bthci.OptCommandTimeout(50*time.Millisecond))

	res, err := h.SendCommandSync(context.Background(), 0xFC7F, []byte{0x01})
	assert.Equal(t, ErrTimeout, err)
	assert.Equal(t, StatusTimeout, res.Status)

	assert.Eventually(t, func() bool {
		_, timeouts := cb.snapshot()
		return len(timeouts) == 1
	}, time.Second, 5*time.Millisecond)
	failures, _ := cb.snapshot()
	assert.Equal(t, []failureRec{{0xFC7F, StatusTimeout, []byte{0x01}}}, failures)
}

func TestHCIClosed(t *testing.T) {
	var asyncErr error
	host, ctrl := net.Pipe()
	newController(ctrl)

	h, err := NewHCI(bthci.OptTransport(host), bthci.OptErrorHandler(func(err error) { asyncErr = err }))
	require.NoError(t, err)

	_, err = h.SendCommand(0x0C03, nil)
	assert.Equal(t, ErrNotReady, err)

	require.NoError(t, h.Init())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	ctrl.Close()

	assert.Equal(t, ErrClosed, h.SendACL(1, true, []byte{1}))
	_, err = h.Stats()
	assert.Equal(t, ErrClosed, err)
	assert.Nil(t, asyncErr)
}

func TestHCIRemoteHangup(t *testing.T) {
	errs := make(chan error, 1)
	host, ctrl := net.Pipe()
	newController(ctrl)

	h, err := NewHCI(bthci.OptTransport(host), bthci.OptErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)
	require.NoError(t, h.Init())
	defer h.Close()

	ctrl.Close()
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no error after hangup")
	}
	assert.Error(t, h.Error())
}

func TestHCIOptions(t *testing.T) {
	_, err := NewHCI(bthci.OptACLCallbacks(struct{}{}))
	assert.Equal(t, ErrBadParam, errors.Cause(err))

	_, err = NewHCI(bthci.OptCommandTimeout(0))
	assert.Equal(t, ErrBadParam, errors.Cause(err))

	_, err = NewHCI(bthci.OptTransport(nil))
	assert.Equal(t, ErrBadParam, errors.Cause(err))

	h, err := NewHCI()
	require.NoError(t, err)
	assert.Error(t, h.Init(), "no transport")
}
