package msgwire

// Role is a participant in the protocol. Each role only handles a subset of the messages.
type Role uint8

const (
	RoleRendezvous Role = iota
	RoleServer
	RoleHoster
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleRendezvous:
		return "rendezvous"
	case RoleServer:
		return "server"
	case RoleHoster:
		return "hoster"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

func set(types ...Type) map[Type]bool {
	m := make(map[Type]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

var sessionInbound = []Type{
	HelloType,
	HandshakeType,
	NameType,
	UpdateType,
	TransferControlType,
	SetObserverType,
	AircraftDefinitionType,
	ReadyType,
	HeartbeatType,
	GoodbyeType,
}

var accepts = map[Role]map[Type]bool{
	RoleRendezvous: set(
		HelloType,
		RequestSessionType,
		PeerEstablishedType,
		HosterAnnounceType,
		SessionClosedType,
		HeartbeatType,
	),
	RoleServer: set(append([]Type{
		SessionDetailsType,
		AttemptConnectionType,
		InvalidSessionType,
		ConnectionDeniedType,
	}, sessionInbound...)...),
	RoleHoster: set(append([]Type{
		OpenSessionType,
	}, sessionInbound...)...),
	RoleClient: set(
		HelloType,
		HandshakeType,
		InvalidVersionType,
		InvalidSessionType,
		InvalidNameType,
		ConnectionDeniedType,
		SessionDetailsType,
		AttemptConnectionType,
		WelcomeType,
		MakeHostType,
		ClientAddedType,
		ClientRemovedType,
		ControlDelegationsType,
		TransferRejectedType,
		SetObserverType,
		UpdateType,
		AircraftDefinitionType,
		ReadyType,
		HeartbeatType,
		GoodbyeType,
	),
}

// Accepts reports whether role handles messages of this kind.
//
// Roles check this at their boundary, and log what they drop.
func Accepts(r Role, m Message) bool {
	return accepts[r][m.MsgType()]
}
