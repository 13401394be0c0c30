package client

import (
	"context"
	"net/netip"
	"time"

	"github.com/sharedflight/common/handshake"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/rudp"
	"github.com/sharedflight/common/types/surface"
)

const reasonTimeout = "connection timeout"

type phase uint8

const (
	handshaking phase = iota
	joining
	joined
	stopped
)

// loop owns the transport and all session state of one connection.
type loop struct {
	c  *Client
	tr *transport.Transport

	phase phase
	state handshake.State
	mode  Mode
	start time.Time

	server    netip.AddrPort
	sessionID ident.SessionID
	clientID  ident.ClientID
	hostID    ident.ClientID

	roster      map[ident.ClientID]*Peer
	delegations surface.Delegations
	metrics     rudp.Metrics

	lastHeartbeat time.Time
}

func (l *loop) run(ctx context.Context) {
	defer close(l.c.done)
	defer l.c.joined.Store(false)

	ticker := time.NewTicker(DefaultTick)
	defer ticker.Stop()

	for l.phase != stopped {
		switch l.phase {
		case handshaking:
			l.advanceHandshake()
		default:
			l.step()
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-ticker.C:
		}
	}

	_ = l.tr.Close()
}

func (l *loop) emit(ev Event) {
	select {
	case l.c.events <- ev:
	default:
		L(l.c).Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

func (l *loop) send(m msgwire.Message) {
	if err := l.tr.Send(l.server, m); err != nil {
		L(l.c).Warn("could not send", "type", m.MsgType(), "err", err)
	}
}

func (l *loop) stop(kind EventKind, reason string) {
	L(l.c).Info("connection ended", "kind", kind, "reason", reason)

	l.emit(Event{Kind: kind, Reason: reason, Peer: l.server})
	l.phase = stopped
	l.publish()
}

func (l *loop) shutdown() {
	if l.phase == joined {
		l.drainRequests()
		l.tr.Poll()
	}

	l.phase = stopped
	l.publish()

	if err := l.tr.Close(); err != nil {
		L(l.c).Debug("closing transport", "err", err)
	}
}

func (l *loop) advanceHandshake() {
	t := handshake.Advance(l.state)

	switch t.Outcome {
	case handshake.InProgress:
		l.state = t.Next
	case handshake.Failed:
		l.stop(ConnectFailed, t.String())
	case handshake.Succeeded:
		l.server = t.Peer
		l.sessionID = t.SessionID
		l.phase = joining
		l.lastHeartbeat = l.tr.Now()

		L(l.c).Info("handshake succeeded", "server", t.Peer, "session", t.SessionID)

		if l.mode == ModeCloudHost && t.SessionID != "" {
			l.emit(Event{Kind: SessionAssigned, SessionID: t.SessionID})
		}

		l.send(&msgwire.Name{Name: l.c.cfg.Name, Version: l.c.cfg.Version})
		l.publish()
	}
}

func (l *loop) step() {
	l.tr.Poll()

	for l.phase != stopped {
		in, ok := l.tr.Next()
		if !ok {
			break
		}

		if in.Addr != l.server {
			continue
		}

		switch in.Kind {
		case transport.Payload:
			l.onMessage(in.Msg)
		case transport.Timeout:
			l.stop(ConnectionLost, reasonTimeout)
		case transport.Metrics:
			l.metrics = in.Metrics
			l.emit(Event{Kind: LinkMetrics, Peer: in.Addr, Metrics: in.Metrics})
		}
	}

	if l.phase == stopped {
		return
	}

	if l.phase == joined {
		l.drainRequests()
	}

	if now := l.tr.Now(); now.Sub(l.lastHeartbeat) >= l.c.cfg.HeartbeatInterval {
		l.lastHeartbeat = now
		l.send(&msgwire.Heartbeat{})
	}

	l.publish()
}

func (l *loop) drainRequests() {
	for {
		select {
		case m := <-l.c.requests:
			if u, ok := m.(*msgwire.Update); ok {
				u.Time = l.tr.Now().Sub(l.start).Seconds()
			}
			l.send(m)
		default:
			return
		}
	}
}

func (l *loop) onMessage(m msgwire.Message) {
	if !msgwire.Accepts(msgwire.RoleClient, m) {
		L(l.c).Log(context.Background(), types.LevelTrace, "dropping unexpected message", "type", m.MsgType())
		return
	}

	switch m := m.(type) {
	case *msgwire.Welcome:
		l.clientID = m.ClientID
		l.roster[m.ClientID] = &Peer{ID: m.ClientID, Name: m.Name, IsHost: m.ClientID == l.hostID}
		l.phase = joined
		l.c.joined.Store(true)
		l.emit(Event{Kind: ConnectionEstablished, ClientID: m.ClientID, Name: m.Name, Peer: l.server, SessionID: l.sessionID})

	case *msgwire.InvalidName:
		l.stop(ConnectionLost, "name rejected")
	case *msgwire.InvalidVersion:
		l.stop(ConnectionLost, "version mismatch, server runs "+m.ServerVersion)
	case *msgwire.InvalidSession:
		l.stop(ConnectionLost, "session rejected")
	case *msgwire.Goodbye:
		l.stop(ConnectionLost, m.Reason)

	case *msgwire.SessionDetails:
		l.sessionID = m.SessionID
		l.emit(Event{Kind: SessionAssigned, SessionID: m.SessionID})

	case *msgwire.MakeHost:
		if old, ok := l.roster[l.hostID]; ok {
			old.IsHost = false
		}
		l.hostID = m.ClientID
		if p, ok := l.roster[m.ClientID]; ok {
			p.IsHost = true
		}
		l.emit(Event{Kind: HostChanged, ClientID: m.ClientID, IsHost: m.ClientID == l.clientID})

	case *msgwire.ClientAdded:
		l.roster[m.ID] = &Peer{ID: m.ID, Name: m.Name, IsObserver: m.IsObserver, IsHost: m.IsHost}
		if m.IsHost {
			l.hostID = m.ID
		}
		l.emit(Event{Kind: PeerJoined, ClientID: m.ID, Name: m.Name, IsObserver: m.IsObserver, IsHost: m.IsHost})

	case *msgwire.ClientRemoved:
		p, ok := l.roster[m.ID]
		if !ok {
			return
		}
		delete(l.roster, m.ID)
		l.emit(Event{Kind: PeerLeft, ClientID: m.ID, Name: p.Name})

	case *msgwire.ControlDelegations:
		l.delegations = m.Delegations.Clone()
		l.emit(Event{Kind: ControlChanged, Delegations: m.Delegations.Clone()})

	case *msgwire.TransferRejected:
		l.emit(Event{Kind: ControlRejected, Surface: m.Surface, Holder: m.Holder})

	case *msgwire.SetObserver:
		if p, ok := l.roster[m.Target]; ok {
			p.IsObserver = m.IsObserver
		}
		l.emit(Event{Kind: ObserverChanged, ClientID: m.Target, IsObserver: m.IsObserver})

	case *msgwire.Update:
		l.emit(Event{Kind: UpdateReceived, ClientID: m.From, Data: m.Changed, Time: m.Time, Reliable: m.IsReliable})

	case *msgwire.AircraftDefinition:
		l.emit(Event{Kind: DefinitionReceived, Data: m.Bytes})

	case *msgwire.Ready:
		l.emit(Event{Kind: SyncRequested, ClientID: m.From})

	case *msgwire.Heartbeat, *msgwire.Hello, *msgwire.Handshake:
	}
}

func (l *loop) publish() {
	snap := Snapshot{
		Connected:   l.phase == joined,
		ClientID:    l.clientID,
		HostID:      l.hostID,
		SessionID:   l.sessionID,
		Server:      l.server,
		Roster:      make([]Peer, 0, len(l.roster)),
		Delegations: l.delegations.Clone(),
		Metrics:     l.metrics,
	}
	for _, id := range types.SortedKeys(l.roster) {
		snap.Roster = append(snap.Roster, *l.roster[id])
	}

	l.c.snapMu.Lock()
	l.c.snap = snap
	l.c.snapMu.Unlock()
}
