package client

import (
	"net/netip"

	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/rudp"
	"github.com/sharedflight/common/types/surface"
)

type EventKind uint8

const (
	ConnectionEstablished EventKind = iota
	ConnectFailed
	ConnectionLost
	SessionAssigned
	PeerJoined
	PeerLeft
	HostChanged
	ControlChanged
	ControlRejected
	ObserverChanged
	UpdateReceived
	DefinitionReceived
	SyncRequested
	LinkMetrics
)

var eventNames = map[EventKind]string{
	ConnectionEstablished: "connection-established",
	ConnectFailed:         "connect-failed",
	ConnectionLost:        "connection-lost",
	SessionAssigned:       "session-assigned",
	PeerJoined:            "peer-joined",
	PeerLeft:              "peer-left",
	HostChanged:           "host-changed",
	ControlChanged:        "control-changed",
	ControlRejected:       "control-rejected",
	ObserverChanged:       "observer-changed",
	UpdateReceived:        "update-received",
	DefinitionReceived:    "definition-received",
	SyncRequested:         "sync-requested",
	LinkMetrics:           "link-metrics",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one thing that happened to the client. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// ClientID is our own id on ConnectionEstablished, otherwise the peer the event is about.
	ClientID ident.ClientID
	Name     string
	Peer     netip.AddrPort

	SessionID ident.SessionID
	Reason    string

	IsObserver bool
	IsHost     bool

	Delegations surface.Delegations
	Surface     surface.Surface
	Holder      ident.ClientID

	Data     []byte
	Time     float64
	Reliable bool

	Metrics rudp.Metrics
}
