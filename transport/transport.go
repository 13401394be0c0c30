// Package transport moves protocol messages between peers: it frames and
// compresses them, and hands them to the datagram layer with the delivery
// tier each message type is fixed to.
package transport

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/rudp"
)

type Config struct {
	Socket rudp.Config

	// Policy defaults to DefaultPolicy.
	Policy Policy
}

type InboundKind uint8

const (
	// Payload carries a decoded message.
	Payload InboundKind = iota
	// Timeout reports a peer that went silent.
	Timeout
	// Metrics carries periodic link statistics for a peer.
	Metrics
)

func (k InboundKind) String() string {
	switch k {
	case Payload:
		return "payload"
	case Timeout:
		return "timeout"
	case Metrics:
		return "metrics"
	default:
		return "unknown"
	}
}

type Inbound struct {
	Kind InboundKind
	Addr netip.AddrPort

	Msg     msgwire.Message
	Metrics rudp.Metrics
}

// Transport is owned by a single loop goroutine. None of its methods block.
type Transport struct {
	sock   *rudp.Socket
	policy Policy
	now    func() time.Time
}

// New takes ownership of conn.
func New(ctx context.Context, conn types.UDPConn, cfg Config) *Transport {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy
	}
	if cfg.Socket.Now == nil {
		cfg.Socket.Now = time.Now
	}

	return &Transport{
		sock:   rudp.NewSocket(ctx, conn, cfg.Socket),
		policy: cfg.Policy,
		now:    cfg.Socket.Now,
	}
}

func L(t *Transport) *slog.Logger {
	return slog.With("transport", t.sock.LocalAddr())
}

func (t *Transport) LocalAddr() netip.AddrPort {
	return t.sock.LocalAddr()
}

// Now is the clock the transport runs on.
func (t *Transport) Now() time.Time {
	return t.now()
}

func (t *Transport) Close() error {
	return t.sock.Close()
}

func (t *Transport) Send(to netip.AddrPort, m msgwire.Message) error {
	return t.SendMany([]netip.AddrPort{to}, m)
}

// SendMany encodes m once, and sends it to every target.
func (t *Transport) SendMany(to []netip.AddrPort, m msgwire.Message) error {
	if len(to) == 0 {
		return nil
	}

	frame, err := EncodeFrame(m, t.policy(m))
	if err != nil {
		return err
	}

	delivery := msgwire.TierOf(m)

	for _, addr := range to {
		L(t).Log(context.Background(), types.LevelTrace, "sending", "to", addr, "type", m.MsgType(), "tier", delivery)

		if err := t.sock.Send(rudp.Packet{Addr: addr, Payload: frame, Delivery: delivery}); err != nil {
			return err
		}
	}

	return nil
}

// Poll runs the datagram layer: receives, retransmissions, heartbeats, timeouts and metrics.
func (t *Transport) Poll() {
	t.sock.ManualPoll(t.now())
}

// Next returns the next inbound item, or false when there is nothing left until the next Poll.
func (t *Transport) Next() (Inbound, bool) {
	for {
		ev, ok := t.sock.Recv()
		if !ok {
			return Inbound{}, false
		}

		switch ev.Kind {
		case rudp.EventPacket:
			m, err := DecodeFrame(ev.Payload)
			if err != nil {
				L(t).Log(context.Background(), types.LevelTrace, "dropping undecodable frame", "from", ev.Addr, "err", err)
				continue
			}
			return Inbound{Kind: Payload, Addr: ev.Addr, Msg: m}, true

		case rudp.EventTimeout:
			return Inbound{Kind: Timeout, Addr: ev.Addr}, true

		case rudp.EventMetrics:
			return Inbound{Kind: Metrics, Addr: ev.Addr, Metrics: ev.Metrics}, true
		}
	}
}

// Disconnect drops the link state of addr, so no timeout will be reported for it.
func (t *Transport) Disconnect(addr netip.AddrPort) {
	t.sock.Disconnect(addr)
}
