package hci

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/bthci"
)

type aclConn struct {
	handle      uint16
	transport   Transport
	outstanding int

	// reassembly of an inbound packet, nil when idle
	rx           []byte
	rxWant       int
	rxPBF, rxBCF uint8
}

// CompletedPackets is one entry of a Number Of Completed Packets event.
type CompletedPackets struct {
	Handle uint16
	Count  uint16
}

// ACLTransport gates outbound ACL fragments on controller buffer credit,
// one pool for BR/EDR and one for LE, and reassembles inbound packets.
//
// Senders may call Send from any goroutine. Controller events are expected
// on the loop thread, but all state sits behind one mutex either way.
type ACLTransport struct {
	mu    sync.Mutex
	sink  TxSink
	brEdr *creditPool
	le    *creditPool // aliases brEdr in shared mode
	conns map[uint16]*aclConn
	cbs   []ACLCallbacks

	log *rateLogger
}

func NewACLTransport(sink TxSink) (*ACLTransport, error) {
	if sink == nil {
		return nil, errors.Wrap(ErrBadParam, "nil sink")
	}
	return &ACLTransport{
		sink:  sink,
		brEdr: newCreditPool("br/edr"),
		le:    newCreditPool("le"),
		conns: make(map[uint16]*aclConn),
		log:   newRateLogger(bthci.Child(bthci.Fields{"pkg": "hci", "part": "acl"})),
	}, nil
}

// SetBufferSizes configures the pools from Read Buffer Size and LE Read
// Buffer Size. leTotal == 0 means the controller shares its BR/EDR buffers
// with LE.
func (t *ACLTransport) SetBufferSizes(brMaxLen, brTotal, leMaxLen, leTotal int) {
	t.mu.Lock()
	t.brEdr.configure(brMaxLen, brTotal)
	if leTotal == 0 {
		if t.le != t.brEdr {
			// fragments cached before the pools were known move over in order
			for _, f := range t.le.cache {
				t.brEdr.enqueue(f)
			}
		}
		t.le = t.brEdr
		t.log.Infof("acl buffers: %d x %d bytes, shared with le", brTotal, brMaxLen)
	} else {
		if t.le == t.brEdr {
			t.le = newCreditPool("le")
		}
		t.le.configure(leMaxLen, leTotal)
		t.log.Infof("acl buffers: br/edr %d x %d bytes, le %d x %d bytes", brTotal, brMaxLen, leTotal, leMaxLen)
	}

	failed := t.drainLocked(t.brEdr)
	if t.le != t.brEdr {
		failed = append(failed, t.drainLocked(t.le)...)
	}
	t.mu.Unlock()

	t.reportFailures(failed)
}

// Shared reports whether LE traffic uses the BR/EDR buffers.
func (t *ACLTransport) Shared() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.le == t.brEdr
}

// RegisterCallbacks adds receivers of inbound data and failures.
func (t *ACLTransport) RegisterCallbacks(cbs ...ACLCallbacks) error {
	if len(cbs) == 0 {
		return errors.Wrap(ErrBadParam, "no acl callbacks")
	}
	for _, cb := range cbs {
		if cb == nil {
			return errors.Wrap(ErrBadParam, "nil acl callback")
		}
	}

	t.mu.Lock()
	t.cbs = append(t.cbs, cbs...)
	t.mu.Unlock()
	return nil
}

// DeregisterCallbacks removes callbacks added by RegisterCallbacks. They
// are matched by identity, so implementations must be comparable.
func (t *ACLTransport) DeregisterCallbacks(cbs ...ACLCallbacks) error {
	if len(cbs) == 0 {
		return errors.Wrap(ErrBadParam, "no acl callbacks")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cb := range cbs {
		var ok bool
		if t.cbs, ok = without(t.cbs, cb); !ok {
			return errors.Wrap(ErrBadParam, "acl callback not registered")
		}
	}
	return nil
}

func (t *ACLTransport) poolLocked(tr Transport) *creditPool {
	if tr == TransportLE {
		return t.le
	}
	return t.brEdr
}

// OnConnectionComplete starts tracking handle.
func (t *ACLTransport) OnConnectionComplete(handle uint16, tr Transport) {
	handle &= 0x0fff

	t.mu.Lock()
	var failed []aclFailure
	if _, ok := t.conns[handle]; ok {
		t.log.Warnf("connection complete for live handle 0x%03X, recycling it", handle)
		pool, _ := t.disconnectLocked(handle)
		failed = t.drainLocked(pool)
	}
	t.conns[handle] = &aclConn{handle: handle, transport: tr}
	t.log.Debugf("handle 0x%03X up on %s", handle, tr)
	t.mu.Unlock()

	t.reportFailures(failed)
}

// Send queues payload for handle, split into fragments no larger than the
// pool's buffer length. All fragments are submitted under one lock so
// they stay back to back. Each fragment goes to the sink if credit is
// available and to the pool's cache otherwise.
//
// A sink error on the first fragment is returned and nothing is queued.
// Once the first fragment is out, a failed push caches that fragment and
// the rest of the packet so it can complete on returned credit.
func (t *ACLTransport) Send(handle uint16, flushable bool, payload []byte) error {
	if len(payload) == 0 {
		return errors.Wrap(ErrBadParam, "empty acl payload")
	}
	handle &= 0x0fff

	t.mu.Lock()
	c, ok := t.conns[handle]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ErrUnknownHandle, "send on 0x%03X", handle)
	}
	pool := t.poolLocked(c.transport)
	if pool.maxLen <= 0 {
		t.mu.Unlock()
		return errors.Wrapf(ErrNotReady, "%s buffer size unknown", pool.name)
	}

	pbf := PbfFirstNonFlushable
	if flushable {
		pbf = PbfFirstFlushable
	}

	for off := 0; off < len(payload); off += pool.maxLen {
		end := off + pool.maxLen
		if end > len(payload) {
			end = len(payload)
		}
		h := ACLHeader{Handle: handle, PBF: pbf, BCF: BcfPointToPoint, Length: uint16(end - off)}
		f := fragment{handle: handle, pbf: pbf, pkt: Packet{Type: PktTypeACLData, Head: h.Bytes(), Payload: payload[off:end]}}
		if err := t.submitLocked(pool, c, f); err != nil {
			if off == 0 {
				t.mu.Unlock()
				return errors.Wrapf(err, "send on 0x%03X", handle)
			}
			t.log.Warnf("handle 0x%03X: write failed at byte %d of %d, caching the rest: %v", handle, off, len(payload), err)
			pool.enqueue(f)
		}
		pbf = PbfContinuing
	}
	t.mu.Unlock()
	return nil
}

// submitLocked pushes f if pool has credit, caches it otherwise. Credit is
// only consumed when the push succeeded.
func (t *ACLTransport) submitLocked(pool *creditPool, c *aclConn, f fragment) error {
	if pool.available <= 0 || len(pool.cache) > 0 {
		pool.enqueue(f)
		return nil
	}
	if err := t.sink.Push(f.pkt); err != nil {
		return err
	}
	pool.available--
	c.outstanding++
	return nil
}

type aclFailure struct {
	handle  uint16
	err     error
	payload []byte
}

// drainLocked sends cached fragments while pool has credit. When a push
// fails the rest of that fragment's packet is dropped with it, so the
// controller never sees continuations without their start.
func (t *ACLTransport) drainLocked(pool *creditPool) []aclFailure {
	var failed []aclFailure
	for pool.available > 0 {
		f, ok := pool.dequeue()
		if !ok {
			break
		}
		c, ok := t.conns[f.handle]
		if !ok {
			// purge on disconnect makes this unreachable
			t.log.Errorf("cached fragment for gone handle 0x%03X", f.handle)
			continue
		}
		if err := t.sink.Push(f.pkt); err != nil {
			failed = append(failed, aclFailure{f.handle, err, f.pkt.Payload})
			for _, r := range pool.dropRest(f.handle) {
				failed = append(failed, aclFailure{r.handle, err, r.pkt.Payload})
			}
			continue
		}
		pool.available--
		c.outstanding++
	}
	return failed
}

func (t *ACLTransport) reportFailures(failed []aclFailure) {
	if len(failed) == 0 {
		return
	}
	t.mu.Lock()
	cbs := append([]ACLCallbacks(nil), t.cbs...)
	t.mu.Unlock()

	for _, f := range failed {
		t.log.Errorf("can't write cached fragment on 0x%03X: %v", f.handle, f.err)
		for _, cb := range cbs {
			cb.OnACLFailure(f.handle, f.err, f.payload)
		}
	}
}

// OnNumberOfCompletedPackets returns credit for packets the controller has
// finished with, then drains the caches.
func (t *ACLTransport) OnNumberOfCompletedPackets(entries []CompletedPackets) {
	t.mu.Lock()
	touched := map[*creditPool]bool{}
	for _, e := range entries {
		handle := e.Handle & 0x0fff
		c, ok := t.conns[handle]
		if !ok {
			t.log.Limitf("nocp-unknown", "completed packets for unknown handle 0x%03X", handle)
			continue
		}
		n := int(e.Count)
		if n > c.outstanding {
			t.log.Limitf("nocp-excess", "handle 0x%03X: %d completed, %d outstanding", handle, n, c.outstanding)
			n = c.outstanding
		}
		c.outstanding -= n
		pool := t.poolLocked(c.transport)
		pool.giveBack(n)
		touched[pool] = true
	}

	var failed []aclFailure
	for _, pool := range []*creditPool{t.brEdr, t.le} {
		if touched[pool] {
			failed = append(failed, t.drainLocked(pool)...)
			delete(touched, pool)
		}
	}
	t.mu.Unlock()

	t.reportFailures(failed)
}

// OnDisconnect forgets handle: its cached fragments are dropped and its
// unacknowledged packets are credited back. It returns false, and does
// nothing, when handle is not tracked, so calling it at Disconnect status
// time and again at Disconnection Complete is safe.
func (t *ACLTransport) OnDisconnect(handle uint16) bool {
	handle &= 0x0fff

	t.mu.Lock()
	pool, ok := t.disconnectLocked(handle)
	var failed []aclFailure
	if ok {
		failed = t.drainLocked(pool)
	}
	t.mu.Unlock()

	t.reportFailures(failed)
	return ok
}

func (t *ACLTransport) disconnectLocked(handle uint16) (*creditPool, bool) {
	c, ok := t.conns[handle]
	if !ok {
		return nil, false
	}
	pool := t.poolLocked(c.transport)
	purged := pool.purge(handle)
	pool.giveBack(c.outstanding)
	delete(t.conns, handle)

	t.log.Debugf("handle 0x%03X down: %d cached dropped, %d credits recovered", handle, purged, c.outstanding)
	return pool, true
}

// OnReceive takes one inbound ACL packet, without the H4 type octet, and
// delivers the L2CAP packet to the callbacks once all its fragments are in.
func (t *ACLTransport) OnReceive(b []byte) error {
	hdr, err := ParseACLHeader(b)
	if err != nil {
		return err
	}
	data := aclPacket(b).data()
	if int(hdr.Length) != len(data) {
		return errors.Errorf("acl length %d, have %d bytes", hdr.Length, len(data))
	}

	t.mu.Lock()
	c, ok := t.conns[hdr.Handle]
	if !ok {
		t.mu.Unlock()
		t.log.Limitf("rx-unknown", "acl data for unknown handle 0x%03X", hdr.Handle)
		return errors.Wrapf(ErrUnknownHandle, "receive on 0x%03X", hdr.Handle)
	}
	done := t.reassembleLocked(c, hdr, data)
	pbf, bcf := c.rxPBF, c.rxBCF
	cbs := append([]ACLCallbacks(nil), t.cbs...)
	t.mu.Unlock()

	if done != nil {
		for _, cb := range cbs {
			cb.OnACLReceived(hdr.Handle, pbf, bcf, done)
		}
	}
	return nil
}

// reassembleLocked returns the complete packet, or nil while more
// fragments are expected [Vol 3, Part A, 7.2.2].
func (t *ACLTransport) reassembleLocked(c *aclConn, hdr ACLHeader, data []byte) []byte {
	if hdr.PBF == PbfContinuing {
		if c.rx == nil {
			t.log.Limitf("rx-orphan", "handle 0x%03X: continuing fragment without a start", c.handle)
			return nil
		}
		c.rx = append(c.rx, data...)
		if len(c.rx) < c.rxWant {
			return nil
		}
		done := c.rx
		c.rx = nil
		return done
	}

	if c.rx != nil {
		t.log.Limitf("rx-restart", "handle 0x%03X: new start, dropping %d of %d bytes", c.handle, len(c.rx), c.rxWant)
		c.rx = nil
	}
	c.rxPBF, c.rxBCF = hdr.PBF, hdr.BCF

	n, ok := l2capLen(data)
	want := 4 + n
	if !ok || len(data) >= want {
		return append([]byte(nil), data...)
	}
	c.rx = make([]byte, 0, want)
	c.rx = append(c.rx, data...)
	c.rxWant = want
	return nil
}

// ConnStats is a snapshot of one connection handle.
type ConnStats struct {
	Handle      uint16 `json:"handle"`
	Transport   string `json:"transport"`
	Outstanding int    `json:"outstanding"`
}

// ACLStats is a snapshot of the ACL transport.
type ACLStats struct {
	Shared bool        `json:"shared"`
	BrEdr  PoolStats   `json:"br_edr"`
	LE     PoolStats   `json:"le"`
	Conns  []ConnStats `json:"conns"`
}

func (t *ACLTransport) Stats() ACLStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ACLStats{
		Shared: t.le == t.brEdr,
		BrEdr:  t.brEdr.stats(),
		LE:     t.le.stats(),
		Conns:  make([]ConnStats, 0, len(t.conns)),
	}
	for _, c := range t.conns {
		s.Conns = append(s.Conns, ConnStats{Handle: c.handle, Transport: c.transport.String(), Outstanding: c.outstanding})
	}
	sort.Slice(s.Conns, func(i, j int) bool { return s.Conns[i].Handle < s.Conns[j].Handle })
	return s
}
