package handshake

import (
	"context"
	"log/slog"

	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
)

func L(s State) *slog.Logger {
	return slog.With("handshake", s.Name(), "session", s.sessionID)
}

func LogTransition(from State, to State) State {
	L(from).Log(context.Background(), types.LevelTrace, "transitioning state", "to-state", to.Name())

	return to
}

func LogMessage(s State, in transport.Inbound) {
	L(s).Log(context.Background(), types.LevelTrace, "received message",
		"from", in.Addr,
		"type", in.Msg.MsgType(),
	)
}
