package msgwire

import "github.com/sharedflight/common/types/rudp"

const (
	// UpdateStream carries state updates, reliable or sequenced.
	UpdateStream uint8 = 0
	// SessionStream carries roster, role and delegation changes.
	SessionStream uint8 = 1
	// DefinitionStream carries aircraft definition blobs.
	DefinitionStream uint8 = 2
)

var (
	unreliable        = rudp.Delivery{Guarantee: rudp.Unreliable}
	reliableUnordered = rudp.Delivery{Guarantee: rudp.ReliableUnordered}
	sessionOrdered    = rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: SessionStream}
)

// TierOf returns the fixed delivery tier of a message.
func TierOf(m Message) rudp.Delivery {
	switch m := m.(type) {
	case *Update:
		if m.IsReliable {
			return rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: UpdateStream}
		}
		return rudp.Delivery{Guarantee: rudp.UnreliableSequenced, Stream: UpdateStream}

	case *AircraftDefinition:
		return rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: DefinitionStream}

	case *Hello, *Handshake, *AttemptConnection, *PeerEstablished, *HosterAnnounce:
		return unreliable

	case *Heartbeat, *InvalidName, *InvalidVersion, *InvalidSession, *ConnectionDenied:
		return reliableUnordered

	default:
		return sessionOrdered
	}
}
