// Package msgwire contains the wire message definitions shared by every role, and their encoding.
//
// The set of messages is closed: Message can only be implemented inside this package.
package msgwire

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/surface"
)

type Type byte

const (
	HelloType Type = iota + 0x01
	RequestSessionType
	SessionDetailsType
	AttemptConnectionType
	InvalidSessionType
	InvalidVersionType
	ConnectionDeniedType
	HandshakeType
	PeerEstablishedType
	HosterAnnounceType
	OpenSessionType
	SessionClosedType
)

const (
	NameType Type = iota + 0x20
	WelcomeType
	InvalidNameType
	MakeHostType
	ClientAddedType
	ClientRemovedType
	ControlDelegationsType
	TransferControlType
	TransferRejectedType
	SetObserverType
	UpdateType
	AircraftDefinitionType
	ReadyType
	HeartbeatType
	GoodbyeType
)

var typeNames = map[Type]string{
	HelloType:              "Hello",
	RequestSessionType:     "RequestSession",
	SessionDetailsType:     "SessionDetails",
	AttemptConnectionType:  "AttemptConnection",
	InvalidSessionType:     "InvalidSession",
	InvalidVersionType:     "InvalidVersion",
	ConnectionDeniedType:   "ConnectionDenied",
	HandshakeType:          "Handshake",
	PeerEstablishedType:    "PeerEstablished",
	HosterAnnounceType:     "HosterAnnounce",
	OpenSessionType:        "OpenSession",
	SessionClosedType:      "SessionClosed",
	NameType:               "Name",
	WelcomeType:            "Welcome",
	InvalidNameType:        "InvalidName",
	MakeHostType:           "MakeHost",
	ClientAddedType:        "ClientAdded",
	ClientRemovedType:      "ClientRemoved",
	ControlDelegationsType: "ControlDelegations",
	TransferControlType:    "TransferControl",
	TransferRejectedType:   "TransferRejected",
	SetObserverType:        "SetObserver",
	UpdateType:             "Update",
	AircraftDefinitionType: "AircraftDefinition",
	ReadyType:              "Ready",
	HeartbeatType:          "Heartbeat",
	GoodbyeType:            "Goodbye",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

type Message interface {
	MsgType() Type

	sealed()
}

// === handshake & directory

type Hello struct {
	_ struct{} `cbor:",toarray"`

	SessionID ident.SessionID
	Version   string

	// LocalEndpoint is the sender's LAN address, if it knows one.
	LocalEndpoint netip.AddrPort
}

type RequestSession struct {
	_ struct{} `cbor:",toarray"`

	SelfHosted    bool
	LocalEndpoint netip.AddrPort
}

type SessionDetails struct {
	_ struct{} `cbor:",toarray"`

	SessionID ident.SessionID
}

type AttemptConnection struct {
	_ struct{} `cbor:",toarray"`

	Candidates []netip.AddrPort
}

type InvalidSession struct {
	_ struct{} `cbor:",toarray"`
}

type InvalidVersion struct {
	_ struct{} `cbor:",toarray"`

	ServerVersion string
}

type ConnectionDenied struct {
	_ struct{} `cbor:",toarray"`

	Reason string
}

// Handshake probes a path to a peer, and proves knowledge of the session it is for.
type Handshake struct {
	_ struct{} `cbor:",toarray"`

	SessionID ident.SessionID
}

// PeerEstablished tells the rendezvous a hole-punch to Peer has succeeded.
type PeerEstablished struct {
	_ struct{} `cbor:",toarray"`

	Peer netip.AddrPort
}

type HosterAnnounce struct {
	_ struct{} `cbor:",toarray"`

	HosterID  uuid.UUID
	Capacity  uint16
	Load      uint16
	Timestamp int64

	// Seal authenticates the fields above, see AnnounceDigest.
	Seal []byte
}

// OpenSession asks a hoster to start accepting clients for SessionID.
type OpenSession struct {
	_ struct{} `cbor:",toarray"`

	SessionID ident.SessionID
}

// SessionClosed tells the rendezvous a hoster dropped SessionID.
type SessionClosed struct {
	_ struct{} `cbor:",toarray"`

	SessionID ident.SessionID
}

// === session

type Name struct {
	_ struct{} `cbor:",toarray"`

	Name    string
	Version string
}

type Welcome struct {
	_ struct{} `cbor:",toarray"`

	ClientID ident.ClientID
	Name     string
}

type InvalidName struct {
	_ struct{} `cbor:",toarray"`
}

type MakeHost struct {
	_ struct{} `cbor:",toarray"`

	ClientID ident.ClientID
}

type ClientAdded struct {
	_ struct{} `cbor:",toarray"`

	ID         ident.ClientID
	Name       string
	IsObserver bool
	IsHost     bool
}

type ClientRemoved struct {
	_ struct{} `cbor:",toarray"`

	ID ident.ClientID
}

type ControlDelegations struct {
	_ struct{} `cbor:",toarray"`

	Delegations surface.Delegations
}

type TransferControl struct {
	_ struct{} `cbor:",toarray"`

	Surface surface.Surface
	To      ident.ClientID
}

type TransferRejected struct {
	_ struct{} `cbor:",toarray"`

	Surface surface.Surface
	Holder  ident.ClientID
}

type SetObserver struct {
	_ struct{} `cbor:",toarray"`

	Target     ident.ClientID
	IsObserver bool
}

type Update struct {
	_ struct{} `cbor:",toarray"`

	// From is stamped by the server when relaying.
	From ident.ClientID

	Changed    []byte
	Time       float64
	IsReliable bool
}

type AircraftDefinition struct {
	_ struct{} `cbor:",toarray"`

	Bytes []byte
}

// Ready asks the host for a full state sync. From is stamped by the server.
type Ready struct {
	_ struct{} `cbor:",toarray"`

	From ident.ClientID
}

type Heartbeat struct {
	_ struct{} `cbor:",toarray"`
}

type Goodbye struct {
	_ struct{} `cbor:",toarray"`

	Reason string
}
