package rudp

import (
	"bytes"
	"net/netip"
	"time"
)

const (
	initialRTO = 200 * time.Millisecond
	minRTO     = 100 * time.Millisecond
	maxRTO     = 2 * time.Second

	// window of reliable sequence numbers accepted ahead of the lowest undelivered one
	receiveWindow = 1 << 14
	maxPartial    = 256
	maxHeldAhead  = 1024
)

// Metrics describe one connection since it was created.
type Metrics struct {
	RTT time.Duration

	Sent     uint64
	Received uint64
	Resent   uint64

	BytesSent     uint64
	BytesReceived uint64

	InFlight int
}

// Loss estimates the fraction of datagrams that had to be resent.
func (m Metrics) Loss() float64 {
	if m.Sent == 0 {
		return 0
	}
	return float64(m.Resent) / float64(m.Sent)
}

type inflight struct {
	datagram []byte

	firstSent time.Time
	lastSent  time.Time
	resends   int
}

type assembly struct {
	delivery Delivery
	order    uint32

	parts [][]byte
	have  []bool
	got   int
}

type connection struct {
	addr netip.AddrPort

	lastRecv    time.Time
	lastSend    time.Time
	lastMetrics time.Time

	// established is set once anything has been received from the peer.
	established bool

	nextRel   uint32
	nextMsg   uint32
	nextOrder map[uint8]uint32
	nextSeq   map[uint8]uint16
	inflight  map[uint32]*inflight
	srtt      time.Duration

	relLow  uint32
	relSeen map[uint32]struct{}
	acks    []uint32

	partial     map[uint32]*assembly
	expectOrder map[uint8]uint32
	held        map[uint8]map[uint32][]byte
	lastSeq     map[uint8]uint16

	stats Metrics
}

func newConnection(addr netip.AddrPort, now time.Time) *connection {
	return &connection{
		addr:     addr,
		lastRecv: now,
		lastSend: now,

		nextOrder: make(map[uint8]uint32),
		nextSeq:   make(map[uint8]uint16),
		inflight:  make(map[uint32]*inflight),

		relSeen:     make(map[uint32]struct{}),
		partial:     make(map[uint32]*assembly),
		expectOrder: make(map[uint8]uint32),
		held:        make(map[uint8]map[uint32][]byte),
		lastSeq:     make(map[uint8]uint16),
	}
}

func (c *connection) rto(resends int) time.Duration {
	base := initialRTO
	if c.srtt > 0 {
		base = max(minRTO, 2*c.srtt)
	}

	rto := base << min(resends, 4)
	return min(rto, maxRTO)
}

func (c *connection) ack(seq uint32, now time.Time) {
	inf, ok := c.inflight[seq]
	if !ok {
		return
	}

	// Only unambiguous samples count.
	if inf.resends == 0 {
		sample := now.Sub(inf.firstSent)
		if c.srtt == 0 {
			c.srtt = sample
		} else {
			c.srtt = (c.srtt*7 + sample) / 8
		}
	}

	delete(c.inflight, seq)
}

func (c *connection) seen(seq uint32) bool {
	if orderAfter(c.relLow, seq) {
		return true
	}
	_, ok := c.relSeen[seq]
	return ok
}

func (c *connection) markSeen(seq uint32) {
	c.relSeen[seq] = struct{}{}

	for {
		if _, ok := c.relSeen[c.relLow]; !ok {
			return
		}
		delete(c.relSeen, c.relLow)
		c.relLow++
	}
}

// acceptSequenced reports whether a sequenced datagram is newer than anything delivered on its stream.
func (c *connection) acceptSequenced(stream uint8, seq uint16) bool {
	if last, ok := c.lastSeq[stream]; ok && !seqNewer(seq, last) {
		return false
	}
	c.lastSeq[stream] = seq
	return true
}

// receiveReliable takes one reliable fragment, and returns the payloads that became deliverable, in order.
//
// A fragment it cannot hold on to is not acknowledged, so the sender retries it later.
func (c *connection) receiveReliable(h *header, payload []byte) (ready [][]byte) {
	if c.seen(h.relSeq) {
		c.acks = append(c.acks, h.relSeq)
		return nil
	}

	if h.relSeq-c.relLow >= receiveWindow {
		return nil
	}

	ordered := h.guarantee == ReliableOrdered
	if ordered && h.order-c.expectOrder[h.stream] >= maxHeldAhead {
		return nil
	}

	a := c.partial[h.msgID]
	if a == nil {
		if len(c.partial) >= maxPartial {
			return nil
		}
		a = &assembly{
			delivery: Delivery{Guarantee: h.guarantee, Stream: h.stream},
			order:    h.order,
			parts:    make([][]byte, h.fragCount),
			have:     make([]bool, h.fragCount),
		}
		c.partial[h.msgID] = a
	} else if len(a.parts) != int(h.fragCount) {
		return nil
	}

	c.markSeen(h.relSeq)
	c.acks = append(c.acks, h.relSeq)

	if !a.have[h.fragIndex] {
		a.have[h.fragIndex] = true
		a.parts[h.fragIndex] = payload
		a.got++
	}

	if a.got < len(a.parts) {
		return nil
	}

	delete(c.partial, h.msgID)

	full := bytes.Join(a.parts, nil)

	if !ordered {
		return [][]byte{full}
	}

	return c.deliverOrdered(a.delivery.Stream, a.order, full)
}

func (c *connection) deliverOrdered(stream uint8, order uint32, full []byte) (ready [][]byte) {
	expect := c.expectOrder[stream]

	if order != expect {
		if orderAfter(order, expect) {
			if c.held[stream] == nil {
				c.held[stream] = make(map[uint32][]byte)
			}
			c.held[stream][order] = full
		}
		return nil
	}

	ready = append(ready, full)
	expect++

	for {
		next, ok := c.held[stream][expect]
		if !ok {
			break
		}
		delete(c.held[stream], expect)
		ready = append(ready, next)
		expect++
	}

	c.expectOrder[stream] = expect

	return ready
}

func (c *connection) metrics() Metrics {
	m := c.stats
	m.RTT = c.srtt
	m.InFlight = len(c.inflight)
	return m
}
