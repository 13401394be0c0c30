package msgwire

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/rudp"
	"github.com/sharedflight/common/types/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ap4 = netip.MustParseAddrPort("203.0.113.7:24000")
	ap6 = netip.MustParseAddrPort("[2001:db8::1]:7777")
)

func allDelegations(to ident.ClientID) surface.Delegations {
	d := make(surface.Delegations)
	d.FillEmpty(to)
	return d
}

// maxFragmentPayload is the largest blob the datagram layer carries.
var maxFragmentPayload = bytes.Repeat([]byte{0xA5}, rudp.MaxFragments*rudp.FragmentSize-64)

func sampleMessages() []Message {
	return []Message{
		&Hello{SessionID: "ABCDEFGH", Version: "1.2.3", LocalEndpoint: ap4},
		&Hello{},
		&RequestSession{SelfHosted: true, LocalEndpoint: ap6},
		&RequestSession{},
		&SessionDetails{SessionID: "QWERTYUI"},
		&AttemptConnection{Candidates: []netip.AddrPort{ap4, ap6}},
		&AttemptConnection{},
		&InvalidSession{},
		&InvalidVersion{ServerVersion: "2.0.0"},
		&ConnectionDenied{Reason: "no hoster capacity"},
		&Handshake{SessionID: "ZXCVBNMA"},
		&PeerEstablished{Peer: ap4},
		&HosterAnnounce{HosterID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), Capacity: 64, Load: 3, Timestamp: 1700000000, Seal: []byte{1, 2, 3}},
		&OpenSession{SessionID: "ABCDEFGH"},
		&SessionClosed{SessionID: "ABCDEFGH"},
		&Name{Name: "Alice", Version: "1.2.3"},
		&Welcome{ClientID: 1, Name: "Alice"},
		&InvalidName{},
		&MakeHost{ClientID: 1},
		&ClientAdded{ID: 2, Name: "Bob", IsObserver: true, IsHost: false},
		&ClientRemoved{ID: 2},
		&ControlDelegations{Delegations: allDelegations(1)},
		&ControlDelegations{Delegations: surface.Delegations{}},
		&TransferControl{Surface: surface.Throttle, To: 2},
		&TransferRejected{Surface: surface.Autopilot, Holder: 1},
		&SetObserver{Target: 2, IsObserver: true},
		&Update{From: 1, Changed: nil, Time: 0, IsReliable: false},
		&Update{From: 3, Changed: []byte("alt=3000;hdg=270"), Time: 1234.5625, IsReliable: true},
		&AircraftDefinition{Bytes: nil},
		&AircraftDefinition{Bytes: maxFragmentPayload},
		&Ready{From: 4},
		&Heartbeat{},
		&Goodbye{Reason: "user quit"},
	}
}

func TestRoundTrip(t *testing.T) {
	seen := make(map[Type]bool)

	for _, m := range sampleMessages() {
		b, err := Marshal(m)
		require.NoError(t, err, m.MsgType().String())
		assert.Equal(t, byte(m.MsgType()), b[0])

		parsed, err := Parse(b)
		require.NoError(t, err, m.MsgType().String())
		assert.Equal(t, m, parsed, m.MsgType().String())

		seen[m.MsgType()] = true
	}

	for typ := range typeNames {
		assert.True(t, seen[typ], "no round trip sample for %s", typ)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = Parse([]byte{0xEE, 0x80})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = Parse([]byte{byte(HelloType), 0xFF, 0x00, 0x13})
	assert.Error(t, err)

	b, err := Marshal(&TransferControl{Surface: surface.Surface(99), To: 1})
	require.NoError(t, err)
	_, err = Parse(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	many := make([]netip.AddrPort, MaxCandidates+1)
	for i := range many {
		many[i] = netip.AddrPortFrom(ap4.Addr(), uint16(i+1))
	}
	b, err = Marshal(&AttemptConnection{Candidates: many})
	require.NoError(t, err)
	_, err = Parse(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseNeverPanics(t *testing.T) {
	for _, m := range sampleMessages() {
		b, err := Marshal(m)
		require.NoError(t, err)

		for cut := 0; cut < len(b) && cut < 64; cut++ {
			assert.NotPanics(t, func() {
				_, _ = Parse(b[:cut])
			})
		}
	}
}

func TestTierOf(t *testing.T) {
	cases := []struct {
		msg  Message
		want rudp.Delivery
	}{
		{&AircraftDefinition{}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: DefinitionStream}},
		{&ClientAdded{}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: SessionStream}},
		{&ClientRemoved{}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: SessionStream}},
		{&MakeHost{}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: SessionStream}},
		{&ControlDelegations{}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: SessionStream}},
		{&TransferControl{}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: SessionStream}},
		{&Handshake{}, rudp.Delivery{Guarantee: rudp.Unreliable}},
		{&Hello{}, rudp.Delivery{Guarantee: rudp.Unreliable}},
		{&Heartbeat{}, rudp.Delivery{Guarantee: rudp.ReliableUnordered}},
		{&InvalidName{}, rudp.Delivery{Guarantee: rudp.ReliableUnordered}},
		{&Update{IsReliable: true}, rudp.Delivery{Guarantee: rudp.ReliableOrdered, Stream: UpdateStream}},
		{&Update{IsReliable: false}, rudp.Delivery{Guarantee: rudp.UnreliableSequenced, Stream: UpdateStream}},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, TierOf(c.msg), c.msg.MsgType().String())
	}
}

func TestAccepts(t *testing.T) {
	assert.True(t, Accepts(RoleRendezvous, &RequestSession{}))
	assert.False(t, Accepts(RoleRendezvous, &Update{}))

	assert.True(t, Accepts(RoleServer, &Name{}))
	assert.True(t, Accepts(RoleServer, &AttemptConnection{}))
	assert.False(t, Accepts(RoleServer, &Welcome{}))
	assert.False(t, Accepts(RoleServer, &OpenSession{}))

	assert.True(t, Accepts(RoleHoster, &OpenSession{}))
	assert.True(t, Accepts(RoleHoster, &Update{}))
	assert.False(t, Accepts(RoleHoster, &SessionDetails{}))

	assert.True(t, Accepts(RoleClient, &Welcome{}))
	assert.False(t, Accepts(RoleClient, &TransferControl{}))
	assert.False(t, Accepts(RoleClient, &HosterAnnounce{}))
}

func TestAnnounceSeal(t *testing.T) {
	key := AnnounceKey{1, 2, 3}
	now := time.Unix(1700000000, 0)

	m := &HosterAnnounce{HosterID: uuid.New(), Capacity: 10, Load: 2}
	SealAnnounce(m, &key, now)

	assert.NoError(t, VerifyAnnounce(m, &key, now.Add(10*time.Second), time.Minute))
	assert.ErrorIs(t, VerifyAnnounce(m, &key, now.Add(2*time.Minute), time.Minute), ErrStaleSeal)

	other := AnnounceKey{9}
	assert.ErrorIs(t, VerifyAnnounce(m, &other, now, time.Minute), ErrBadSeal)

	m.Load = 3
	assert.ErrorIs(t, VerifyAnnounce(m, &key, now, time.Minute), ErrBadSeal)

	m.Seal = nil
	assert.ErrorIs(t, VerifyAnnounce(m, &key, now, time.Minute), ErrBadSeal)
}

func TestAnnounceKeyText(t *testing.T) {
	key := NewAnnounceKey()

	parsed, err := ParseAnnounceKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, *parsed)

	_, err = ParseAnnounceKey("zz")
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = ParseAnnounceKey("abcd")
	assert.ErrorIs(t, err, ErrBadKey)
}
