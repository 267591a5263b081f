package hci

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSink struct {
	mu   sync.Mutex
	pkts []Packet
	err  error

	// pushes to fail, by attempt number from 0
	failOn   map[int]bool
	attempts int
}

func (s *recordSink) Push(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.attempts
	s.attempts++
	if s.err != nil {
		return s.err
	}
	if s.failOn[n] {
		return errors.Errorf("push %d failed", n)
	}
	s.pkts = append(s.pkts, p)
	return nil
}

func (s *recordSink) packets() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Packet(nil), s.pkts...)
}

func (s *recordSink) aclHeaders(t *testing.T) []ACLHeader {
	t.Helper()
	var hh []ACLHeader
	for _, p := range s.packets() {
		require.Equal(t, PktTypeACLData, p.Type)
		h, err := ParseACLHeader(p.Head)
		require.NoError(t, err)
		require.Equal(t, int(h.Length), len(p.Payload))
		hh = append(hh, h)
	}
	return hh
}

type received struct {
	handle   uint16
	pbf, bcf uint8
	data     []byte
}

type recordACL struct {
	mu       sync.Mutex
	received []received
	failures []uint16
}

func (r *recordACL) OnACLReceived(handle uint16, pbf, bcf uint8, packet []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, received{handle, pbf, bcf, packet})
}

func (r *recordACL) OnACLFailure(handle uint16, err error, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, handle)
}

func newACL(t *testing.T) (*ACLTransport, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	a, err := NewACLTransport(sink)
	require.NoError(t, err)
	return a, sink
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestACLEndToEnd(t *testing.T) {
	a, sink := newACL(t)
	a.SetBufferSizes(48, 1, 0, 0)
	a.OnConnectionComplete(0x0001, TransportLE)
	require.True(t, a.Shared())

	require.NoError(t, a.Send(0x0001, true, payload(100)))

	hh := sink.aclHeaders(t)
	require.Len(t, hh, 1)
	assert.Equal(t, PbfFirstFlushable, hh[0].PBF)
	s := a.Stats()
	assert.Equal(t, 0, s.BrEdr.Available)
	assert.Equal(t, 2, s.BrEdr.Cached)

	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 0x0001, Count: 1}})
	hh = sink.aclHeaders(t)
	require.Len(t, hh, 2)
	assert.Equal(t, PbfContinuing, hh[1].PBF)
	assert.Equal(t, 1, a.Stats().BrEdr.Cached)

	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 0x0001, Count: 1}})
	hh = sink.aclHeaders(t)
	require.Len(t, hh, 3)
	assert.Equal(t, []uint8{PbfFirstFlushable, PbfContinuing, PbfContinuing}, []uint8{hh[0].PBF, hh[1].PBF, hh[2].PBF})
	assert.Equal(t, []uint16{48, 48, 4}, []uint16{hh[0].Length, hh[1].Length, hh[2].Length})
	assert.Equal(t, 0, a.Stats().BrEdr.Cached)
}

func TestACLFragmentationRoundTrip(t *testing.T) {
	const m = 48
	for _, l := range []int{1, 47, 48, 49, 96, 100, 1000} {
		a, sink := newACL(t)
		a.SetBufferSizes(m, 100, m, 100)
		a.OnConnectionComplete(0x0042, TransportBrEdr)

		p := payload(l)
		require.NoError(t, a.Send(0x0042, false, p))

		pkts := sink.packets()
		assert.Len(t, pkts, (l+m-1)/m, "len %d", l)

		var joined []byte
		for i, pkt := range pkts {
			h, err := ParseACLHeader(pkt.Head)
			require.NoError(t, err)
			assert.Equal(t, uint16(0x0042), h.Handle)
			assert.Equal(t, BcfPointToPoint, h.BCF)
			assert.LessOrEqual(t, len(pkt.Payload), m)
			if i == 0 {
				assert.Equal(t, PbfFirstNonFlushable, h.PBF)
			} else {
				assert.Equal(t, PbfContinuing, h.PBF)
			}
			joined = append(joined, pkt.Payload...)
		}
		assert.True(t, bytes.Equal(p, joined), "len %d", l)
	}
}

func TestACLSendErrors(t *testing.T) {
	a, _ := newACL(t)

	assert.Equal(t, ErrBadParam, errors.Cause(a.Send(1, true, nil)))
	assert.Equal(t, ErrUnknownHandle, errors.Cause(a.Send(1, true, []byte{1})))

	a.OnConnectionComplete(1, TransportLE)
	assert.Equal(t, ErrNotReady, errors.Cause(a.Send(1, true, []byte{1})), "buffer sizes not known yet")
}

func TestACLSinkFailureKeepsCredit(t *testing.T) {
	a, sink := newACL(t)
	a.SetBufferSizes(10, 2, 0, 0)
	a.OnConnectionComplete(1, TransportBrEdr)

	sink.err = errors.New("write failed")
	assert.Error(t, a.Send(1, true, payload(5)))
	assert.Equal(t, 2, a.Stats().BrEdr.Available)
}

func TestACLSinkFailureMidPacketCachesRest(t *testing.T) {
	a, sink := newACL(t)
	a.SetBufferSizes(10, 3, 0, 0)
	a.OnConnectionComplete(1, TransportBrEdr)

	sink.failOn = map[int]bool{1: true}
	p := payload(30)
	require.NoError(t, a.Send(1, true, p))

	// the first fragment is out, the other two wait for it to complete
	hh := sink.aclHeaders(t)
	require.Len(t, hh, 1)
	s := a.Stats()
	assert.Equal(t, 2, s.BrEdr.Available)
	assert.Equal(t, 2, s.BrEdr.Cached)
	assert.Equal(t, 1, s.Conns[0].Outstanding)

	require.NoError(t, a.Send(1, true, payload(5)))
	assert.Equal(t, 3, a.Stats().BrEdr.Cached, "later packets queue behind")

	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 1, Count: 1}})
	hh = sink.aclHeaders(t)
	require.Len(t, hh, 4)
	assert.Equal(t, []uint8{PbfFirstFlushable, PbfContinuing, PbfContinuing, PbfFirstFlushable},
		[]uint8{hh[0].PBF, hh[1].PBF, hh[2].PBF, hh[3].PBF})

	var joined []byte
	for _, pkt := range sink.packets()[:3] {
		joined = append(joined, pkt.Payload...)
	}
	assert.True(t, bytes.Equal(p, joined))
	s = a.Stats()
	assert.Equal(t, 0, s.BrEdr.Available)
	assert.Equal(t, 0, s.BrEdr.Cached)
}

func TestACLCachedFailureDropsRestOfPacket(t *testing.T) {
	a, sink := newACL(t)
	cb := &recordACL{}
	require.NoError(t, a.RegisterCallbacks(cb))
	a.SetBufferSizes(10, 1, 0, 0)
	a.OnConnectionComplete(1, TransportBrEdr)
	a.OnConnectionComplete(2, TransportBrEdr)

	require.NoError(t, a.Send(1, true, payload(30)))
	require.NoError(t, a.Send(2, true, payload(10)))
	require.NoError(t, a.Send(1, false, payload(10)))
	require.Equal(t, 4, a.Stats().BrEdr.Cached)

	// the second fragment of handle 1's first packet can't be written
	sink.failOn = map[int]bool{1: true}
	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 1, Count: 1}})

	hh := sink.aclHeaders(t)
	require.Len(t, hh, 2)
	assert.Equal(t, ACLHeader{Handle: 2, PBF: PbfFirstFlushable, Length: 10}, hh[1])
	assert.Equal(t, []uint16{1, 1}, cb.failures)
	s := a.Stats()
	assert.Equal(t, 0, s.BrEdr.Available)
	assert.Equal(t, 1, s.BrEdr.Cached, "handle 1's next packet survives")

	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 2, Count: 1}})
	hh = sink.aclHeaders(t)
	require.Len(t, hh, 3)
	assert.Equal(t, ACLHeader{Handle: 1, PBF: PbfFirstNonFlushable, Length: 10}, hh[2])
	for _, h := range hh {
		assert.NotEqual(t, PbfContinuing, h.PBF)
	}
}

func TestACLRecycledHandleDrains(t *testing.T) {
	a, sink := newACL(t)
	cb := &recordACL{}
	require.NoError(t, a.RegisterCallbacks(cb))
	a.SetBufferSizes(10, 1, 0, 0)
	a.OnConnectionComplete(1, TransportBrEdr)
	a.OnConnectionComplete(2, TransportBrEdr)

	require.NoError(t, a.Send(1, true, payload(10)))
	require.NoError(t, a.Send(2, true, payload(10)))
	require.Equal(t, 1, a.Stats().BrEdr.Cached)

	// handle 1's credit comes back and goes to handle 2
	a.OnConnectionComplete(1, TransportBrEdr)
	hh := sink.aclHeaders(t)
	require.Len(t, hh, 2)
	assert.Equal(t, uint16(2), hh[1].Handle)
	s := a.Stats()
	assert.Equal(t, 0, s.BrEdr.Available)
	assert.Equal(t, 0, s.BrEdr.Cached)
	assert.Equal(t, []ConnStats{{Handle: 1, Transport: "br/edr"}, {Handle: 2, Transport: "br/edr", Outstanding: 1}}, s.Conns)

	// a write failure while draining goes to the callbacks
	require.NoError(t, a.Send(1, true, payload(10)))
	sink.failOn = map[int]bool{2: true}
	a.OnConnectionComplete(2, TransportBrEdr)
	assert.Equal(t, []uint16{1}, cb.failures)
	assert.Equal(t, 1, a.Stats().BrEdr.Available)
}

func TestACLDisconnectIdempotent(t *testing.T) {
	a, sink := newACL(t)
	a.SetBufferSizes(10, 2, 0, 0)
	a.OnConnectionComplete(1, TransportBrEdr)
	a.OnConnectionComplete(2, TransportBrEdr)

	require.NoError(t, a.Send(1, true, payload(30)))
	require.NoError(t, a.Send(2, true, payload(10)))
	assert.Len(t, sink.packets(), 2)
	s := a.Stats()
	assert.Equal(t, 0, s.BrEdr.Available)
	assert.Equal(t, 2, s.BrEdr.Cached)

	assert.True(t, a.OnDisconnect(1))

	// handle 1's cached fragment is gone, its 2 credits came back and one
	// went to handle 2's fragment
	pkts := sink.packets()
	require.Len(t, pkts, 3)
	h, _ := ParseACLHeader(pkts[2].Head)
	assert.Equal(t, uint16(2), h.Handle)
	s = a.Stats()
	assert.Equal(t, 1, s.BrEdr.Available)
	assert.Equal(t, 0, s.BrEdr.Cached)
	assert.Equal(t, []ConnStats{{Handle: 2, Transport: "br/edr", Outstanding: 1}}, s.Conns)

	assert.False(t, a.OnDisconnect(1))
	assert.Equal(t, 1, a.Stats().BrEdr.Available)
	assert.Len(t, sink.packets(), 3)

	assert.Equal(t, ErrUnknownHandle, errors.Cause(a.Send(1, true, payload(1))))
}

func TestACLCompletedPacketsClamped(t *testing.T) {
	a, _ := newACL(t)
	a.SetBufferSizes(10, 4, 0, 0)
	a.OnConnectionComplete(1, TransportBrEdr)

	require.NoError(t, a.Send(1, true, payload(10)))
	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 1, Count: 9}, {Handle: 7, Count: 1}})

	s := a.Stats()
	assert.Equal(t, 4, s.BrEdr.Available)
	assert.Equal(t, 0, s.Conns[0].Outstanding)
}

func TestACLSeparatePools(t *testing.T) {
	a, sink := newACL(t)
	a.SetBufferSizes(100, 1, 27, 1)
	a.OnConnectionComplete(1, TransportBrEdr)
	a.OnConnectionComplete(0x40, TransportLE)
	require.False(t, a.Shared())

	require.NoError(t, a.Send(1, true, payload(100)))
	require.NoError(t, a.Send(0x40, false, payload(54)))

	// one packet per pool; the second LE fragment waits
	assert.Len(t, sink.packets(), 2)
	s := a.Stats()
	assert.Equal(t, 0, s.BrEdr.Cached)
	assert.Equal(t, 1, s.LE.Cached)

	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 1, Count: 1}})
	assert.Len(t, sink.packets(), 2, "br/edr credit does not drain le")

	a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: 0x40, Count: 1}})
	assert.Len(t, sink.packets(), 3)
}

func TestACLCreditConservation(t *testing.T) {
	const total = 5
	a, _ := newACL(t)
	a.SetBufferSizes(16, total, 0, 0)

	handles := []uint16{1, 2, 3}
	for _, h := range handles {
		a.OnConnectionComplete(h, TransportBrEdr)
	}

	check := func() {
		s := a.Stats()
		sum := s.BrEdr.Available
		for _, c := range s.Conns {
			sum += c.Outstanding
		}
		require.Equal(t, total, sum)
	}

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		h := handles[rnd.Intn(len(handles))]
		if rnd.Intn(3) == 0 {
			a.OnNumberOfCompletedPackets([]CompletedPackets{{Handle: h, Count: uint16(rnd.Intn(3))}})
		} else {
			require.NoError(t, a.Send(h, rnd.Intn(2) == 0, payload(1+rnd.Intn(60))))
		}
		check()
	}

	// acknowledge everything until nothing is cached or outstanding
	for {
		s := a.Stats()
		var entries []CompletedPackets
		for _, c := range s.Conns {
			if c.Outstanding > 0 {
				entries = append(entries, CompletedPackets{Handle: c.Handle, Count: uint16(c.Outstanding)})
			}
		}
		if len(entries) == 0 {
			break
		}
		a.OnNumberOfCompletedPackets(entries)
		check()
	}
	s := a.Stats()
	assert.Equal(t, total, s.BrEdr.Available)
	assert.Equal(t, 0, s.BrEdr.Cached)
}

func TestACLReassembly(t *testing.T) {
	a, _ := newACL(t)
	cb := &recordACL{}
	require.NoError(t, a.RegisterCallbacks(cb))
	a.OnConnectionComplete(0x40, TransportLE)

	// L2CAP header says 6 bytes of payload, so 10 in total
	first := append(ACLHeader{Handle: 0x40, PBF: PbfFirstFlushable, Length: 5}.Bytes(), 0x06, 0x00, 0x04, 0x00, 0xaa)
	cont := append(ACLHeader{Handle: 0x40, PBF: PbfContinuing, Length: 5}.Bytes(), 0xbb, 0xcc, 0xdd, 0xee, 0xff)

	require.NoError(t, a.OnReceive(first))
	assert.Empty(t, cb.received)
	require.NoError(t, a.OnReceive(cont))

	require.Len(t, cb.received, 1)
	got := cb.received[0]
	assert.Equal(t, uint16(0x40), got.handle)
	assert.Equal(t, PbfFirstFlushable, got.pbf)
	assert.Equal(t, []byte{0x06, 0x00, 0x04, 0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, got.data)

	// a continuation with nothing pending is dropped
	require.NoError(t, a.OnReceive(cont))
	assert.Len(t, cb.received, 1)

	// complete in one fragment
	single := append(ACLHeader{Handle: 0x40, PBF: PbfFirstFlushable, Length: 5}.Bytes(), 0x01, 0x00, 0x04, 0x00, 0x42)
	require.NoError(t, a.OnReceive(single))
	assert.Len(t, cb.received, 2)

	assert.Equal(t, ErrUnknownHandle, errors.Cause(a.OnReceive(append(ACLHeader{Handle: 0x41, Length: 1}.Bytes(), 0))))
	assert.Error(t, a.OnReceive(append(ACLHeader{Handle: 0x40, Length: 3}.Bytes(), 0)), "length mismatch")
}

func TestACLReassemblyDroppedOnDisconnect(t *testing.T) {
	a, _ := newACL(t)
	cb := &recordACL{}
	require.NoError(t, a.RegisterCallbacks(cb))
	a.OnConnectionComplete(0x40, TransportLE)

	require.NoError(t, a.OnReceive(append(ACLHeader{Handle: 0x40, PBF: PbfFirstFlushable, Length: 4}.Bytes(), 0x06, 0x00, 0x04, 0x00)))
	a.OnDisconnect(0x40)
	a.OnConnectionComplete(0x40, TransportLE)
	require.NoError(t, a.OnReceive(append(ACLHeader{Handle: 0x40, PBF: PbfContinuing, Length: 6}.Bytes(), 1, 2, 3, 4, 5, 6)))
	assert.Empty(t, cb.received)
}

func TestACLRegisterCallbacks(t *testing.T) {
	a, _ := newACL(t)
	assert.Equal(t, ErrBadParam, errors.Cause(a.RegisterCallbacks()))
	assert.Equal(t, ErrBadParam, errors.Cause(a.RegisterCallbacks(nil)))

	a.OnConnectionComplete(0x40, TransportLE)
	kept, gone := &recordACL{}, &recordACL{}
	require.NoError(t, a.RegisterCallbacks(kept, gone))
	require.NoError(t, a.DeregisterCallbacks(gone))

	single := append(ACLHeader{Handle: 0x40, PBF: PbfFirstFlushable, Length: 5}.Bytes(), 0x01, 0x00, 0x04, 0x00, 0x42)
	require.NoError(t, a.OnReceive(single))
	assert.Len(t, kept.received, 1)
	assert.Empty(t, gone.received)

	assert.Equal(t, ErrBadParam, errors.Cause(a.DeregisterCallbacks(gone)), "already removed")
	assert.Equal(t, ErrBadParam, errors.Cause(a.DeregisterCallbacks()))

	_, err := NewACLTransport(nil)
	assert.Equal(t, ErrBadParam, errors.Cause(err))
}
