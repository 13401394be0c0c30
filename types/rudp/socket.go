// Package rudp layers delivery guarantees over a UDP socket: plain and sequenced
// datagrams, and reliable payloads that are fragmented, acknowledged, retransmitted
// and optionally ordered per stream.
//
// A Socket is owned by one goroutine. Only the reader goroutine it starts runs
// alongside it, handing datagrams over a channel that ManualPoll drains.
package rudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/bin"
)

const (
	recvChanBuffer   = 1024
	readTimeout      = 100 * time.Millisecond
	readErrorBackoff = 10 * time.Millisecond
)

type Config struct {
	ProtocolID uint32

	// IdleTimeout drops a connection that has not received anything for this long.
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	MetricsInterval   time.Duration

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ProtocolID:        DefaultProtocolID,
		IdleTimeout:       10 * time.Second,
		HeartbeatInterval: time.Second,
		MetricsInterval:   time.Second,
		Now:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.ProtocolID == 0 {
		c.ProtocolID = def.ProtocolID
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.Now == nil {
		c.Now = def.Now
	}

	return c
}

type Packet struct {
	Addr     netip.AddrPort
	Payload  []byte
	Delivery Delivery
}

type EventKind uint8

const (
	EventPacket EventKind = iota
	// EventConnect is raised on the first datagram from an address.
	EventConnect
	// EventTimeout is raised when a connection that has received data goes idle.
	EventTimeout
	EventMetrics
)

func (k EventKind) String() string {
	switch k {
	case EventPacket:
		return "packet"
	case EventConnect:
		return "connect"
	case EventTimeout:
		return "timeout"
	case EventMetrics:
		return "metrics"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

type Event struct {
	Kind EventKind
	Addr netip.AddrPort

	Payload  []byte
	Delivery Delivery

	Metrics Metrics
}

type received struct {
	from netip.AddrPort
	b    []byte
}

type Socket struct {
	cfg Config

	conn  types.UDPConn
	local netip.AddrPort

	ctx    context.Context
	cancel context.CancelFunc

	recvCh chan received

	conns  map[netip.AddrPort]*connection
	events []Event
}

// NewSocket takes ownership of conn, and starts reading from it until ctx is done or Close is called.
func NewSocket(ctx context.Context, conn types.UDPConn, cfg Config) *Socket {
	ctx, cancel := context.WithCancel(ctx)

	s := &Socket{
		cfg:    cfg.withDefaults(),
		conn:   conn,
		local:  conn.LocalAddrPort(),
		ctx:    ctx,
		cancel: cancel,
		recvCh: make(chan received, recvChanBuffer),
		conns:  make(map[netip.AddrPort]*connection),
	}

	go s.readLoop()

	return s
}

func L(s *Socket) *slog.Logger {
	return slog.With("socket", s.local)
}

func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *Socket) Close() error {
	s.cancel()
	return s.conn.Close()
}

func (s *Socket) readLoop() {
	buf := make([]byte, ReceiveBufferSize)

	for {
		if types.IsContextDone(s.ctx) {
			return
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			L(s).Error("could not set read deadline", "err", err)
			return
		}

		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			L(s).Debug("read failed", "err", err)
			time.Sleep(readErrorBackoff)
			continue
		}

		if n == 0 {
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case s.recvCh <- received{from: types.NormaliseAddrPort(from), b: slices.Clone(buf[:n])}:
		}
	}
}

func (s *Socket) connection(addr netip.AddrPort, now time.Time) *connection {
	c, ok := s.conns[addr]
	if !ok {
		c = newConnection(addr, now)
		s.conns[addr] = c
	}
	return c
}

func (s *Socket) emit(ev Event) {
	s.events = append(s.events, ev)
}

// Recv pops the next event, if there is one.
func (s *Socket) Recv() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}

	ev := s.events[0]
	s.events[0] = Event{}
	s.events = s.events[1:]

	return ev, true
}

// Disconnect forgets all state for addr, without raising a timeout for it.
func (s *Socket) Disconnect(addr netip.AddrPort) {
	delete(s.conns, types.NormaliseAddrPort(addr))
}

// Send queues a payload for addr. It writes straight to the socket and never blocks on the peer.
//
// Write failures are logged, not returned; the datagram counts as lost.
func (s *Socket) Send(p Packet) error {
	now := s.cfg.Now()
	addr := types.NormaliseAddrPort(p.Addr)
	stream := p.Delivery.Stream

	switch p.Delivery.Guarantee {
	case Unreliable:
		if len(p.Payload) > FragmentSize {
			return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
		}
		c := s.connection(addr, now)

		b := appendHeader(make([]byte, 0, baseHeaderLen+len(p.Payload)), s.cfg.ProtocolID, &header{kind: kindUnreliable})
		s.write(c, append(b, p.Payload...), now)

	case UnreliableSequenced:
		if len(p.Payload) > FragmentSize {
			return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
		}
		c := s.connection(addr, now)

		seq := c.nextSeq[stream]
		c.nextSeq[stream]++

		b := appendHeader(make([]byte, 0, baseHeaderLen+sequencedLen+len(p.Payload)), s.cfg.ProtocolID, &header{
			kind:   kindSequenced,
			stream: stream,
			seq:    seq,
		})
		s.write(c, append(b, p.Payload...), now)

	case ReliableUnordered, ReliableOrdered:
		count := max(1, (len(p.Payload)+FragmentSize-1)/FragmentSize)
		if count > MaxFragments {
			return fmt.Errorf("%w: %d bytes", ErrTooManyFragments, len(p.Payload))
		}
		c := s.connection(addr, now)

		h := header{
			kind:      kindReliable,
			guarantee: p.Delivery.Guarantee,
			stream:    stream,
			msgID:     c.nextMsg,
			fragCount: uint8(count),
		}
		c.nextMsg++

		if p.Delivery.Guarantee == ReliableOrdered {
			h.order = c.nextOrder[stream]
			c.nextOrder[stream]++
		}

		for i := 0; i < count; i++ {
			chunk := p.Payload[i*FragmentSize : min(len(p.Payload), (i+1)*FragmentSize)]

			h.relSeq = c.nextRel
			h.fragIndex = uint8(i)
			c.nextRel++

			b := appendHeader(make([]byte, 0, baseHeaderLen+reliableHeaderLen+len(chunk)), s.cfg.ProtocolID, &h)
			b = append(b, chunk...)

			c.inflight[h.relSeq] = &inflight{datagram: b, firstSent: now, lastSent: now}
			s.write(c, b, now)
		}

	default:
		return fmt.Errorf("%w: %s", ErrUnknownGuarantee, p.Delivery.Guarantee)
	}

	return nil
}

func (s *Socket) write(c *connection, b []byte, now time.Time) {
	c.lastSend = now
	c.stats.Sent++
	c.stats.BytesSent += uint64(len(b))

	if _, err := s.conn.WriteToUDPAddrPort(b, c.addr); err != nil {
		L(s).Debug("write failed", "to", c.addr, "err", err)
	}
}

// ManualPoll processes everything received so far, then runs timers: acks,
// timeouts, retransmissions, heartbeats and metrics. It never blocks.
func (s *Socket) ManualPoll(now time.Time) {
drain:
	for {
		select {
		case r := <-s.recvCh:
			s.handle(r, now)
		default:
			break drain
		}
	}

	for _, addr := range types.SortedAddrPorts(s.conns) {
		c := s.conns[addr]

		s.flushAcks(c, now)

		if now.Sub(c.lastRecv) >= s.cfg.IdleTimeout {
			delete(s.conns, addr)
			if c.established {
				L(s).Debug("connection timed out", "peer", addr)
				s.emit(Event{Kind: EventTimeout, Addr: addr})
			}
			continue
		}

		s.retransmit(c, now)

		if !c.established {
			continue
		}

		if now.Sub(c.lastSend) >= s.cfg.HeartbeatInterval {
			s.write(c, appendHeader(nil, s.cfg.ProtocolID, &header{kind: kindHeartbeat}), now)
		}

		if now.Sub(c.lastMetrics) >= s.cfg.MetricsInterval {
			c.lastMetrics = now
			s.emit(Event{Kind: EventMetrics, Addr: addr, Metrics: c.metrics()})
		}
	}
}

func (s *Socket) handle(r received, now time.Time) {
	h, payload, err := parseDatagram(r.b, s.cfg.ProtocolID)
	if err != nil {
		L(s).Log(context.Background(), types.LevelTrace, "dropping datagram", "from", r.from, "err", err)
		return
	}

	c := s.connection(r.from, now)
	c.lastRecv = now
	c.stats.Received++
	c.stats.BytesReceived += uint64(len(r.b))

	if !c.established {
		c.established = true
		c.lastMetrics = now
		s.emit(Event{Kind: EventConnect, Addr: r.from})
	}

	switch h.kind {
	case kindUnreliable:
		s.emit(Event{Kind: EventPacket, Addr: r.from, Payload: payload, Delivery: Delivery{Guarantee: Unreliable}})

	case kindSequenced:
		if !c.acceptSequenced(h.stream, h.seq) {
			return
		}
		s.emit(Event{
			Kind:     EventPacket,
			Addr:     r.from,
			Payload:  payload,
			Delivery: Delivery{Guarantee: UnreliableSequenced, Stream: h.stream},
		})

	case kindReliable:
		delivery := Delivery{Guarantee: h.guarantee, Stream: h.stream}
		for _, p := range c.receiveReliable(&h, payload) {
			s.emit(Event{Kind: EventPacket, Addr: r.from, Payload: p, Delivery: delivery})
		}

	case kindAck:
		br := bin.NewReader(payload)
		for br.Len() > 0 {
			c.ack(br.Uint32(), now)
		}

	case kindHeartbeat:
	}
}

func (s *Socket) flushAcks(c *connection, now time.Time) {
	for len(c.acks) > 0 {
		n := min(len(c.acks), maxAcksPerDatagram)

		b := appendHeader(make([]byte, 0, baseHeaderLen+n*4), s.cfg.ProtocolID, &header{kind: kindAck})
		for _, seq := range c.acks[:n] {
			b = bin.AppendUint32(b, seq)
		}

		s.write(c, b, now)
		c.acks = c.acks[n:]
	}
	c.acks = nil
}

func (s *Socket) retransmit(c *connection, now time.Time) {
	for _, inf := range c.inflight {
		if now.Sub(inf.lastSent) < c.rto(inf.resends) {
			continue
		}

		inf.lastSent = now
		inf.resends++
		c.stats.Resent++

		s.write(c, inf.datagram, now)
	}
}

// Metrics returns the current metrics of a connection, if it exists.
func (s *Socket) Metrics(addr netip.AddrPort) (Metrics, bool) {
	c, ok := s.conns[types.NormaliseAddrPort(addr)]
	if !ok {
		return Metrics{}, false
	}
	return c.metrics(), true
}
