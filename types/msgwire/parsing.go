package msgwire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire layout of an encoded message:
//   Type (1) + CBOR body

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrEmptyMessage       = errors.New("empty message")
	ErrInvalidMessage     = errors.New("invalid message")
)

// MaxCandidates bounds the candidate list of AttemptConnection.
const MaxCandidates = 16

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Identifier types encode through their own marshalers.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("msgwire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic("msgwire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a message with its type byte in front.
func Marshal(m Message) ([]byte, error) {
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", m.MsgType(), err)
	}

	b := make([]byte, 0, len(body)+1)
	b = append(b, byte(m.MsgType()))
	return append(b, body...), nil
}

// Parse decodes a message produced by Marshal.
func Parse(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}

	typ := Type(b[0])

	m := New(typ)
	if m == nil {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, b[0])
	}

	if err := decMode.Unmarshal(b[1:], m); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s: %w", typ, err)
	}

	if err := validate(m); err != nil {
		return nil, err
	}

	return m, nil
}

func validate(m Message) error {
	switch m := m.(type) {
	case *AttemptConnection:
		if len(m.Candidates) > MaxCandidates {
			return fmt.Errorf("%w: %d candidates", ErrInvalidMessage, len(m.Candidates))
		}
	case *TransferControl:
		if !m.Surface.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidMessage, m.Surface)
		}
	case *TransferRejected:
		if !m.Surface.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidMessage, m.Surface)
		}
	case *ControlDelegations:
		for s := range m.Delegations {
			if !s.Valid() {
				return fmt.Errorf("%w: %s", ErrInvalidMessage, s)
			}
		}
	}

	return nil
}
