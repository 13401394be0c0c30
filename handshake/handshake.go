// Package handshake establishes the first link of a session: registering a
// session with the rendezvous, asking it for the host of a session code, and
// punching through to the candidate addresses it returns.
//
// A State owns the Transport it was built with. Advance is called once per
// tick, and hands the Transport back once the handshake concludes.
package handshake

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/retry"
)

type Kind uint8

const (
	// KindSessionHost registers a new session with the rendezvous.
	KindSessionHost Kind = iota + 1
	// KindPunchthrough asks the rendezvous where the host of a session code is.
	KindPunchthrough
	// KindDirect probes candidate addresses until one answers.
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindSessionHost:
		return "session-host"
	case KindPunchthrough:
		return "punchthrough"
	case KindDirect:
		return "direct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Outcome uint8

const (
	InProgress Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

type Failure uint8

const (
	FailureNone Failure = iota
	// FailureExhausted means no answer came within the retry budget.
	FailureExhausted
	FailureInvalidSession
	FailureInvalidVersion
	// FailureDenied means the rendezvous refused to place the session.
	FailureDenied
	FailureCancelled
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureExhausted:
		return "no response"
	case FailureInvalidSession:
		return "invalid session"
	case FailureInvalidVersion:
		return "invalid version"
	case FailureDenied:
		return "connection denied"
	case FailureCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("failure(%d)", uint8(f))
	}
}

type Config struct {
	Rendezvous netip.AddrPort

	RetryBudget   int
	RetryInterval time.Duration

	Version   string
	SessionID ident.SessionID

	// SelfHosted asks the rendezvous to treat the requester as the host, instead of placing the session on a hoster.
	SelfHosted bool
	// LocalEndpoint is advertised to the rendezvous for peers on the same network.
	LocalEndpoint netip.AddrPort
}

func (c Config) withDefaults() Config {
	if c.RetryBudget == 0 {
		c.RetryBudget = retry.DefaultMax
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = retry.DefaultInterval
	}
	return c
}

// State is one step of a handshake. Once passed to Advance, it must not be used again.
type State struct {
	kind Kind
	cfg  Config

	tr    *transport.Transport
	retry *retry.Helper

	sessionID  ident.SessionID
	candidates []netip.AddrPort
}

func newState(kind Kind, tr *transport.Transport, cfg Config) State {
	cfg = cfg.withDefaults()

	return State{
		kind:      kind,
		cfg:       cfg,
		tr:        tr,
		retry:     retry.New(cfg.RetryBudget, cfg.RetryInterval),
		sessionID: cfg.SessionID,
	}
}

func NewSessionHost(tr *transport.Transport, cfg Config) State {
	return newState(KindSessionHost, tr, cfg)
}

func NewPunchthrough(tr *transport.Transport, cfg Config) State {
	return newState(KindPunchthrough, tr, cfg)
}

func NewDirect(tr *transport.Transport, cfg Config, candidates []netip.AddrPort) State {
	s := newState(KindDirect, tr, cfg)
	s.candidates = types.DedupAddrPorts(candidates)
	return s
}

func (s State) Kind() Kind {
	return s.kind
}

func (s State) Name() string {
	return s.kind.String()
}

// Attempts is how many rounds this state has sent.
func (s State) Attempts() int {
	return s.retry.Attempts()
}

type Transition struct {
	Outcome Outcome

	// Next is set while InProgress.
	Next State

	// Peer is the address that answered, on success.
	Peer      netip.AddrPort
	SessionID ident.SessionID

	Failure Failure
	// Reason carries detail from the remote side, such as its version or a denial reason.
	Reason string

	// Transport is handed back once the outcome is final.
	Transport *transport.Transport
}

func (t Transition) String() string {
	switch t.Outcome {
	case InProgress:
		return "in progress (" + t.Next.Name() + ")"
	case Failed:
		if t.Reason != "" {
			return "failed: " + t.Failure.String() + ": " + t.Reason
		}
		return "failed: " + t.Failure.String()
	default:
		return "succeeded with " + t.Peer.String()
	}
}

func (s State) stay() Transition {
	return Transition{Outcome: InProgress, Next: s}
}

func (s State) succeed(peer netip.AddrPort) Transition {
	L(s).Debug("handshake succeeded", "peer", peer, "session", s.sessionID)

	return Transition{Outcome: Succeeded, Peer: peer, SessionID: s.sessionID, Transport: s.tr}
}

func (s State) fail(f Failure, reason string) Transition {
	L(s).Debug("handshake failed", "failure", f, "reason", reason)

	return Transition{Outcome: Failed, Failure: f, Reason: reason, SessionID: s.sessionID, Transport: s.tr}
}

func (s State) direct(candidates []netip.AddrPort) Transition {
	cfg := s.cfg
	cfg.SessionID = s.sessionID

	next := NewDirect(s.tr, cfg, candidates)

	return Transition{Outcome: InProgress, Next: LogTransition(s, next)}
}

// Advance polls the transport, reacts to everything received, and sends the next round when it is due.
func Advance(s State) Transition {
	s.tr.Poll()

	for {
		in, ok := s.tr.Next()
		if !ok {
			break
		}
		if in.Kind != transport.Payload {
			continue
		}

		LogMessage(s, in)

		var t Transition
		switch s.kind {
		case KindSessionHost:
			t = s.onSessionHost(in)
		case KindPunchthrough:
			t = s.onPunchthrough(in)
		case KindDirect:
			t = s.onDirect(in)
		}

		if t.Outcome != InProgress || t.Next.kind != s.kind {
			return t
		}
		s = t.Next
	}

	switch s.retry.Step(s.tr.Now()) {
	case retry.Send:
		s.sendRound()
	case retry.Exhausted:
		return s.fail(FailureExhausted, "")
	}

	return s.stay()
}
