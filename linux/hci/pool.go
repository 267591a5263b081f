package hci

// fragment is one ACL packet ready for the controller.
type fragment struct {
	handle uint16
	pbf    uint8
	pkt    Packet
}

// creditPool tracks controller buffers of one transport class and the
// fragments waiting for them [Vol 4, Part E, 4.1.1].
type creditPool struct {
	name      string
	available int
	total     int
	maxLen    int

	// FIFO; fragments of one logical packet stay adjacent
	cache []fragment
}

func newCreditPool(name string) *creditPool {
	return &creditPool{name: name}
}

func (p *creditPool) configure(maxLen, total int) {
	p.maxLen = maxLen
	p.total = total
	p.available = total
}

func (p *creditPool) enqueue(f fragment) {
	p.cache = append(p.cache, f)
}

func (p *creditPool) dequeue() (fragment, bool) {
	if len(p.cache) == 0 {
		return fragment{}, false
	}
	f := p.cache[0]
	p.cache[0] = fragment{}
	p.cache = p.cache[1:]
	return f, true
}

// giveBack returns n credits, never going above total.
func (p *creditPool) giveBack(n int) {
	p.available += n
	if p.available > p.total {
		p.available = p.total
	}
}

// purge drops every cached fragment for handle and returns how many.
func (p *creditPool) purge(handle uint16) int {
	kept := p.cache[:0]
	for _, f := range p.cache {
		if f.handle != handle {
			kept = append(kept, f)
		}
	}
	n := len(p.cache) - len(kept)
	for i := len(kept); i < len(p.cache); i++ {
		p.cache[i] = fragment{}
	}
	p.cache = kept
	return n
}

// dropRest removes the cached continuations of handle's oldest packet,
// stopping at the next fragment that starts a packet on handle.
func (p *creditPool) dropRest(handle uint16) []fragment {
	var dropped []fragment
	kept := p.cache[:0]
	inPacket := true
	for _, f := range p.cache {
		if inPacket && f.handle == handle {
			if f.pbf == PbfContinuing {
				dropped = append(dropped, f)
				continue
			}
			inPacket = false
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(p.cache); i++ {
		p.cache[i] = fragment{}
	}
	p.cache = kept
	return dropped
}

// PoolStats is a snapshot of a credit pool.
type PoolStats struct {
	Available int `json:"available"`
	Total     int `json:"total"`
	MaxLen    int `json:"max_len"`
	Cached    int `json:"cached"`
}

func (p *creditPool) stats() PoolStats {
	return PoolStats{Available: p.available, Total: p.total, MaxLen: p.maxLen, Cached: len(p.cache)}
}
