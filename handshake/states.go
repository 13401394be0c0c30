package handshake

import (
	"slices"

	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
)

func (s State) sendRound() {
	L(s).Debug("sending round", "attempt", s.retry.Attempts(), "max", s.retry.Max())

	var err error

	switch s.kind {
	case KindSessionHost:
		err = s.tr.Send(s.cfg.Rendezvous, &msgwire.RequestSession{
			SelfHosted:    s.cfg.SelfHosted,
			LocalEndpoint: s.cfg.LocalEndpoint,
		})
	case KindPunchthrough:
		err = s.tr.Send(s.cfg.Rendezvous, &msgwire.Hello{
			SessionID:     s.sessionID,
			Version:       s.cfg.Version,
			LocalEndpoint: s.cfg.LocalEndpoint,
		})
	case KindDirect:
		if err = s.tr.SendMany(s.candidates, &msgwire.Handshake{SessionID: s.sessionID}); err != nil {
			break
		}
		err = s.tr.SendMany(s.candidates, &msgwire.Hello{SessionID: s.sessionID, Version: s.cfg.Version})
	}

	if err != nil {
		L(s).Warn("could not send round", "err", err)
	}
}

func (s State) fromRendezvous(in transport.Inbound) bool {
	return in.Addr == s.cfg.Rendezvous
}

func (s State) onSessionHost(in transport.Inbound) Transition {
	if !s.fromRendezvous(in) {
		return s.stay()
	}

	switch m := in.Msg.(type) {
	case *msgwire.SessionDetails:
		s.sessionID = m.SessionID
		if s.cfg.SelfHosted {
			return s.succeed(in.Addr)
		}
	case *msgwire.AttemptConnection:
		s.candidates = m.Candidates
	case *msgwire.ConnectionDenied:
		return s.fail(FailureDenied, m.Reason)
	default:
		return s.stay()
	}

	// A relayed session needs both the code and where its hoster is; they may arrive in either order.
	if !s.cfg.SelfHosted && s.sessionID != "" && len(s.candidates) > 0 {
		return s.direct(s.candidates)
	}

	return s.stay()
}

func (s State) onPunchthrough(in transport.Inbound) Transition {
	if !s.fromRendezvous(in) {
		return s.stay()
	}

	switch m := in.Msg.(type) {
	case *msgwire.AttemptConnection:
		if len(m.Candidates) == 0 {
			return s.stay()
		}
		return s.direct(m.Candidates)
	case *msgwire.InvalidSession:
		return s.fail(FailureInvalidSession, "")
	case *msgwire.ConnectionDenied:
		return s.fail(FailureDenied, m.Reason)
	}

	return s.stay()
}

func (s State) onDirect(in transport.Inbound) Transition {
	if !slices.Contains(s.candidates, in.Addr) {
		return s.stay()
	}

	switch m := in.Msg.(type) {
	case *msgwire.Handshake:
		if s.matches(m.SessionID) {
			return s.adopt(m.SessionID).succeed(in.Addr)
		}
	case *msgwire.Hello:
		if s.matches(m.SessionID) {
			return s.adopt(m.SessionID).succeed(in.Addr)
		}
	case *msgwire.InvalidVersion:
		return s.fail(FailureInvalidVersion, m.ServerVersion)
	case *msgwire.InvalidSession:
		return s.fail(FailureInvalidSession, "")
	}

	return s.stay()
}

// matches accepts any session when connecting by address without a code.
func (s State) matches(id ident.SessionID) bool {
	return s.sessionID == "" || id == s.sessionID
}

func (s State) adopt(id ident.SessionID) State {
	if s.sessionID == "" {
		s.sessionID = id
	}
	return s
}
