package msgwire

func (m *Hello) MsgType() Type {
	return HelloType
}

func (m *RequestSession) MsgType() Type {
	return RequestSessionType
}

func (m *SessionDetails) MsgType() Type {
	return SessionDetailsType
}

func (m *AttemptConnection) MsgType() Type {
	return AttemptConnectionType
}

func (m *InvalidSession) MsgType() Type {
	return InvalidSessionType
}

func (m *InvalidVersion) MsgType() Type {
	return InvalidVersionType
}

func (m *ConnectionDenied) MsgType() Type {
	return ConnectionDeniedType
}

func (m *Handshake) MsgType() Type {
	return HandshakeType
}

func (m *PeerEstablished) MsgType() Type {
	return PeerEstablishedType
}

func (m *HosterAnnounce) MsgType() Type {
	return HosterAnnounceType
}

func (m *OpenSession) MsgType() Type {
	return OpenSessionType
}

func (m *SessionClosed) MsgType() Type {
	return SessionClosedType
}

func (m *Name) MsgType() Type {
	return NameType
}

func (m *Welcome) MsgType() Type {
	return WelcomeType
}

func (m *InvalidName) MsgType() Type {
	return InvalidNameType
}

func (m *MakeHost) MsgType() Type {
	return MakeHostType
}

func (m *ClientAdded) MsgType() Type {
	return ClientAddedType
}

func (m *ClientRemoved) MsgType() Type {
	return ClientRemovedType
}

func (m *ControlDelegations) MsgType() Type {
	return ControlDelegationsType
}

func (m *TransferControl) MsgType() Type {
	return TransferControlType
}

func (m *TransferRejected) MsgType() Type {
	return TransferRejectedType
}

func (m *SetObserver) MsgType() Type {
	return SetObserverType
}

func (m *Update) MsgType() Type {
	return UpdateType
}

func (m *AircraftDefinition) MsgType() Type {
	return AircraftDefinitionType
}

func (m *Ready) MsgType() Type {
	return ReadyType
}

func (m *Heartbeat) MsgType() Type {
	return HeartbeatType
}

func (m *Goodbye) MsgType() Type {
	return GoodbyeType
}


func (*Hello) sealed() {}
func (*RequestSession) sealed() {}
func (*SessionDetails) sealed() {}
func (*AttemptConnection) sealed() {}
func (*InvalidSession) sealed() {}
func (*InvalidVersion) sealed() {}
func (*ConnectionDenied) sealed() {}
func (*Handshake) sealed() {}
func (*PeerEstablished) sealed() {}
func (*HosterAnnounce) sealed() {}
func (*OpenSession) sealed() {}
func (*SessionClosed) sealed() {}
func (*Name) sealed() {}
func (*Welcome) sealed() {}
func (*InvalidName) sealed() {}
func (*MakeHost) sealed() {}
func (*ClientAdded) sealed() {}
func (*ClientRemoved) sealed() {}
func (*ControlDelegations) sealed() {}
func (*TransferControl) sealed() {}
func (*TransferRejected) sealed() {}
func (*SetObserver) sealed() {}
func (*Update) sealed() {}
func (*AircraftDefinition) sealed() {}
func (*Ready) sealed() {}
func (*Heartbeat) sealed() {}
func (*Goodbye) sealed() {}

// New returns an empty message of the given type, or nil if the type is unknown.
func New(t Type) Message {
	switch t {
	case HelloType:
		return new(Hello)
	case RequestSessionType:
		return new(RequestSession)
	case SessionDetailsType:
		return new(SessionDetails)
	case AttemptConnectionType:
		return new(AttemptConnection)
	case InvalidSessionType:
		return new(InvalidSession)
	case InvalidVersionType:
		return new(InvalidVersion)
	case ConnectionDeniedType:
		return new(ConnectionDenied)
	case HandshakeType:
		return new(Handshake)
	case PeerEstablishedType:
		return new(PeerEstablished)
	case HosterAnnounceType:
		return new(HosterAnnounce)
	case OpenSessionType:
		return new(OpenSession)
	case SessionClosedType:
		return new(SessionClosed)
	case NameType:
		return new(Name)
	case WelcomeType:
		return new(Welcome)
	case InvalidNameType:
		return new(InvalidName)
	case MakeHostType:
		return new(MakeHost)
	case ClientAddedType:
		return new(ClientAdded)
	case ClientRemovedType:
		return new(ClientRemoved)
	case ControlDelegationsType:
		return new(ControlDelegations)
	case TransferControlType:
		return new(TransferControl)
	case TransferRejectedType:
		return new(TransferRejected)
	case SetObserverType:
		return new(SetObserver)
	case UpdateType:
		return new(Update)
	case AircraftDefinitionType:
		return new(AircraftDefinition)
	case ReadyType:
		return new(Ready)
	case HeartbeatType:
		return new(Heartbeat)
	case GoodbyeType:
		return new(Goodbye)
	default:
		return nil
	}
}
