// Package client joins a shared session: it runs the handshake to a host,
// announces itself by name, and turns the host's broadcasts into events.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedflight/common/handshake"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/rudp"
	"github.com/sharedflight/common/types/surface"
)

const (
	DefaultTick              = 5 * time.Millisecond
	DefaultHeartbeatInterval = 500 * time.Millisecond

	eventBuffer   = 1024
	requestBuffer = 256
)

var (
	ErrNoRendezvous     = errors.New("no rendezvous configured")
	ErrNoAddress        = errors.New("no address to connect to")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrNotConnected     = errors.New("client is not connected")
	ErrQueueFull        = errors.New("request queue is full")
)

type Mode uint8

const (
	// ModeDirect connects to a host by address.
	ModeDirect Mode = iota
	// ModePunchthrough joins a session by code through the rendezvous.
	ModePunchthrough
	// ModeCloudHost asks the rendezvous for a relayed session, and joins it.
	ModeCloudHost
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModePunchthrough:
		return "punchthrough"
	case ModeCloudHost:
		return "cloud-host"
	default:
		return "unknown"
	}
}

type Target struct {
	Mode Mode

	// Addr is the host for ModeDirect.
	Addr netip.AddrPort
	// SessionID is the code for ModePunchthrough, and optional for ModeDirect.
	SessionID ident.SessionID
}

type Config struct {
	Name    string
	Version string

	Port uint16
	IPv6 bool

	// Conn replaces binding a socket, when set.
	Conn      types.UDPConn
	Transport transport.Config

	Rendezvous netip.AddrPort
	// Handshake tunes the retry budget and interval.
	Handshake handshake.Config

	LocalEndpoint netip.AddrPort

	HeartbeatInterval time.Duration
}

// Peer is another member of the session, as this client knows it.
type Peer struct {
	ID         ident.ClientID
	Name       string
	IsObserver bool
	IsHost     bool
}

type Snapshot struct {
	Connected bool
	ClientID  ident.ClientID
	HostID    ident.ClientID
	SessionID ident.SessionID
	Server    netip.AddrPort

	Roster      []Peer
	Delegations surface.Delegations
	Metrics     rudp.Metrics
}

type Client struct {
	cfg Config

	events   chan Event
	requests chan msgwire.Message
	joined   atomic.Bool

	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	snapMu sync.Mutex
	snap   Snapshot
}

func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Client{
		cfg:      cfg,
		events:   make(chan Event, eventBuffer),
		requests: make(chan msgwire.Message, requestBuffer),
		done:     make(chan struct{}),
	}
}

func L(c *Client) *slog.Logger {
	return slog.With("client", c.cfg.Name)
}

// Connect binds a socket and starts connecting in the background, until ctx is done or Disconnect is called.
//
// Only local problems are returned. How the connection went is reported through events.
func (c *Client) Connect(ctx context.Context, target Target) error {
	if c.started {
		return ErrAlreadyConnected
	}

	hcfg := c.cfg.Handshake
	hcfg.Rendezvous = c.cfg.Rendezvous
	hcfg.Version = c.cfg.Version
	hcfg.LocalEndpoint = c.cfg.LocalEndpoint

	switch target.Mode {
	case ModeDirect:
		if !target.Addr.IsValid() {
			return ErrNoAddress
		}
	case ModePunchthrough:
		if !c.cfg.Rendezvous.IsValid() {
			return ErrNoRendezvous
		}
		id, err := ident.ParseSessionID(string(target.SessionID))
		if err != nil {
			return err
		}
		target.SessionID = id
	case ModeCloudHost:
		if !c.cfg.Rendezvous.IsValid() {
			return ErrNoRendezvous
		}
	default:
		return fmt.Errorf("unknown connect mode %d", target.Mode)
	}

	if _, err := ident.NormaliseName(c.cfg.Name); err != nil {
		return err
	}

	conn := c.cfg.Conn
	if conn == nil {
		var err error
		if conn, err = transport.Listen(ctx, transport.BindConfig{Port: c.cfg.Port, IPv6: c.cfg.IPv6}); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	tr := transport.New(loopCtx, conn, c.cfg.Transport)

	hcfg.SessionID = target.SessionID

	var state handshake.State
	switch target.Mode {
	case ModeDirect:
		state = handshake.NewDirect(tr, hcfg, []netip.AddrPort{target.Addr})
	case ModePunchthrough:
		state = handshake.NewPunchthrough(tr, hcfg)
	case ModeCloudHost:
		hcfg.SelfHosted = false
		state = handshake.NewSessionHost(tr, hcfg)
	}

	c.started = true
	c.cancel = cancel

	L(c).Info("connecting", "mode", target.Mode, "addr", target.Addr, "session", target.SessionID)

	l := &loop{
		c:      c,
		tr:     tr,
		state:  state,
		mode:   target.Mode,
		roster: make(map[ident.ClientID]*Peer),
		start:  tr.Now(),
	}
	go l.run(loopCtx)

	return nil
}

// Disconnect says goodbye to the host and stops the client.
func (c *Client) Disconnect(reason string) {
	if !c.started {
		return
	}

	if c.joined.Load() {
		select {
		case c.requests <- &msgwire.Goodbye{Reason: reason}:
		default:
		}
	}

	c.cancel()
	<-c.done
}

// Done is closed once the client loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// NextEvent returns the next event without blocking.
func (c *Client) NextEvent() (Event, bool) {
	select {
	case ev := <-c.events:
		return ev, true
	default:
		return Event{}, false
	}
}

func (c *Client) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	s := c.snap
	s.Roster = append([]Peer(nil), c.snap.Roster...)
	s.Delegations = c.snap.Delegations.Clone()
	return s
}

func (c *Client) request(m msgwire.Message) error {
	if !c.joined.Load() {
		return ErrNotConnected
	}

	select {
	case c.requests <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendUpdate relays opaque state to every other member. Unreliable updates may be dropped or superseded.
func (c *Client) SendUpdate(data []byte, reliable bool) error {
	return c.request(&msgwire.Update{Changed: data, IsReliable: reliable})
}

// TransferControl hands a surface this client holds to another member.
func (c *Client) TransferControl(s surface.Surface, to ident.ClientID) error {
	return c.request(&msgwire.TransferControl{Surface: s, To: to})
}

func (c *Client) SetObserver(target ident.ClientID, observer bool) error {
	return c.request(&msgwire.SetObserver{Target: target, IsObserver: observer})
}

// SendDefinition shares the aircraft definition. Only the host's is kept.
func (c *Client) SendDefinition(b []byte) error {
	return c.request(&msgwire.AircraftDefinition{Bytes: b})
}

// RequestSync asks the host for a full state sync.
func (c *Client) RequestSync() error {
	return c.request(&msgwire.Ready{})
}
