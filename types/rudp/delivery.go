package rudp

import "fmt"

// Guarantee selects how a payload travels.
type Guarantee uint8

const (
	// Unreliable datagrams may be dropped, duplicated or reordered.
	Unreliable Guarantee = iota
	// UnreliableSequenced datagrams may be dropped, but never arrive older than one already delivered on the same stream.
	UnreliableSequenced
	// ReliableUnordered payloads are retransmitted until acknowledged, and delivered as they complete.
	ReliableUnordered
	// ReliableOrdered payloads are retransmitted until acknowledged, and delivered in send order per stream.
	ReliableOrdered
)

func (g Guarantee) String() string {
	switch g {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable-sequenced"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	default:
		return fmt.Sprintf("guarantee(%d)", uint8(g))
	}
}

func (g Guarantee) Reliable() bool {
	return g == ReliableUnordered || g == ReliableOrdered
}

// Delivery is a guarantee, plus the stream it applies to where that matters.
type Delivery struct {
	Guarantee Guarantee
	Stream    uint8
}

func (d Delivery) String() string {
	if d.Guarantee == UnreliableSequenced || d.Guarantee == ReliableOrdered {
		return fmt.Sprintf("%s/%d", d.Guarantee, d.Stream)
	}
	return d.Guarantee.String()
}
