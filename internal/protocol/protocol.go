package protocol

import "time"

// Client → relay frame types.
const (
	TypeRegister       = "register"
	TypeSend           = "send"
	TypeSignal         = "signal"
	TypePing           = "ping"
	TypeFetchOffline   = "fetch_offline"
	TypeCreateSession  = "create_session"
	TypeJoinSession    = "join_session"
	TypeCreateCallRoom = "create_call_room"
	TypeJoinCallRoom   = "join_call_room"
	TypeLeaveCallRoom  = "leave_call_room"
	TypeCallSignal     = "call_signal"
	TypePublishInvite  = "publish_invite"
	TypeRevokeInvite   = "revoke_invite"
	TypeResolveInvite  = "resolve_invite"
)

// Relay → client frame types.
const (
	TypeRegistered            = "registered"
	TypeMessage               = "message"
	TypeAck                   = "ack"
	TypePong                  = "pong"
	TypeOfflineMessages       = "offline_messages"
	TypeSessionCreated        = "session_created"
	TypeSessionOffer          = "session_offer"
	TypeSessionJoined         = "session_joined"
	TypeError                 = "error"
	TypeCallRoomCreated       = "call_room_created"
	TypeCallParticipantJoined = "call_participant_joined"
	TypeCallParticipantLeft   = "call_participant_left"
	TypeCallSignalForward     = "call_signal_forward"
	TypeInviteResolved        = "invite_resolved"
	TypeInviteNotFound        = "invite_not_found"
)

// ClientFrame is the superset of all client → relay frames.
// The relay dispatches on Type; fields not used by a given type are ignored.
type ClientFrame struct {
	Type          string `json:"type"`
	DID           string `json:"did,omitempty"`
	ToDID         string `json:"to_did,omitempty"`
	Payload       string `json:"payload,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	OfferPayload  string `json:"offer_payload,omitempty"`
	AnswerPayload string `json:"answer_payload,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`

	// Invite directory fields (publish_invite / revoke_invite /
	// resolve_invite).
	Code                 string `json:"code,omitempty"`
	CommunityID          string `json:"community_id,omitempty"`
	CommunityName        string `json:"community_name,omitempty"`
	CommunityDescription string `json:"community_description,omitempty"`
	CommunityIcon        string `json:"community_icon,omitempty"`
	MemberCount          int    `json:"member_count,omitempty"`
	MaxUses              int    `json:"max_uses,omitempty"`
	ExpiresAt            int64  `json:"expires_at,omitempty"`
	InvitePayload        string `json:"invite_payload,omitempty"`
}

// ServerFrame marks a relay → client frame. Each frame is its own struct so
// that marshaling emits exactly the fields the type defines; an empty
// payload string still appears on the wire.
type ServerFrame interface {
	frameType() string
}

// Registered confirms a successful registration.
type Registered struct {
	Type string `json:"type"`
	DID  string `json:"did"`
}

// Message is an envelope forwarded from another peer.
type Message struct {
	Type      string `json:"type"`
	FromDID   string `json:"from_did"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Signal is a WebRTC signaling payload forwarded from another peer.
type Signal struct {
	Type    string `json:"type"`
	FromDID string `json:"from_did"`
	Payload string `json:"payload"`
}

// Ack acknowledges a fire-and-forget request.
type Ack struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// OfflineMessage is one stored envelope awaiting delivery.
type OfflineMessage struct {
	ID        string    `json:"id"`
	FromDID   string    `json:"from_did"`
	Payload   string    `json:"payload"`
	Timestamp int64     `json:"timestamp"`
	QueuedAt  time.Time `json:"queued_at"`
}

// OfflineMessages delivers the drained queue in insertion order.
type OfflineMessages struct {
	Type     string           `json:"type"`
	Messages []OfflineMessage `json:"messages"`
}

// SessionCreated carries the id of a freshly created signaling session.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionOffer hands the stored offer to a session joiner.
type SessionOffer struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

// SessionJoined hands the joiner's answer to the session creator.
type SessionJoined struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

// Error reports a request failure. The connection stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CallRoomCreated confirms a new group-call room.
type CallRoomCreated struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	GroupID string `json:"group_id"`
}

// CallParticipantJoined notifies room members of a new participant.
type CallParticipantJoined struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	DID    string `json:"did"`
}

// CallParticipantLeft notifies room members of a departure.
type CallParticipantLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	DID    string `json:"did"`
}

// CallSignalForward relays call signaling between room participants.
type CallSignalForward struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	FromDID string `json:"from_did"`
	Payload string `json:"payload"`
}

// InviteResolved returns a published invite's metadata to a resolver. The
// metadata fields let a client render a preview; the payload stays opaque.
type InviteResolved struct {
	Type                 string `json:"type"`
	Code                 string `json:"code"`
	CommunityID          string `json:"community_id"`
	CommunityName        string `json:"community_name"`
	CommunityDescription string `json:"community_description,omitempty"`
	CommunityIcon        string `json:"community_icon,omitempty"`
	MemberCount          int    `json:"member_count"`
	MaxUses              int    `json:"max_uses,omitempty"`
	ExpiresAt            int64  `json:"expires_at,omitempty"`
	InvitePayload        string `json:"invite_payload"`
}

// InviteNotFound reports a code with no live invite behind it anywhere the
// relay could look.
type InviteNotFound struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

func (Registered) frameType() string            { return TypeRegistered }
func (Message) frameType() string               { return TypeMessage }
func (Signal) frameType() string                { return TypeSignal }
func (Ack) frameType() string                   { return TypeAck }
func (Pong) frameType() string                  { return TypePong }
func (OfflineMessages) frameType() string       { return TypeOfflineMessages }
func (SessionCreated) frameType() string        { return TypeSessionCreated }
func (SessionOffer) frameType() string          { return TypeSessionOffer }
func (SessionJoined) frameType() string         { return TypeSessionJoined }
func (Error) frameType() string                 { return TypeError }
func (CallRoomCreated) frameType() string       { return TypeCallRoomCreated }
func (CallParticipantJoined) frameType() string { return TypeCallParticipantJoined }
func (CallParticipantLeft) frameType() string   { return TypeCallParticipantLeft }
func (CallSignalForward) frameType() string     { return TypeCallSignalForward }
func (InviteResolved) frameType() string        { return TypeInviteResolved }
func (InviteNotFound) frameType() string        { return TypeInviteNotFound }

// Constructors bake the type tag in so call sites cannot mistag a frame.

func NewRegistered(did string) Registered {
	return Registered{Type: TypeRegistered, DID: did}
}

func NewMessage(fromDID, payload string, timestamp int64) Message {
	return Message{Type: TypeMessage, FromDID: fromDID, Payload: payload, Timestamp: timestamp}
}

func NewSignal(fromDID, payload string) Signal {
	return Signal{Type: TypeSignal, FromDID: fromDID, Payload: payload}
}

func NewAck(id string) Ack {
	return Ack{Type: TypeAck, ID: id}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

// NewOfflineMessages always carries a non-nil slice so an empty drain
// marshals as "messages":[] rather than null.
func NewOfflineMessages(messages []OfflineMessage) OfflineMessages {
	if messages == nil {
		messages = []OfflineMessage{}
	}
	return OfflineMessages{Type: TypeOfflineMessages, Messages: messages}
}

func NewSessionCreated(sessionID string) SessionCreated {
	return SessionCreated{Type: TypeSessionCreated, SessionID: sessionID}
}

func NewSessionOffer(sessionID, payload string) SessionOffer {
	return SessionOffer{Type: TypeSessionOffer, SessionID: sessionID, Payload: payload}
}

func NewSessionJoined(sessionID, payload string) SessionJoined {
	return SessionJoined{Type: TypeSessionJoined, SessionID: sessionID, Payload: payload}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

func NewCallRoomCreated(roomID, groupID string) CallRoomCreated {
	return CallRoomCreated{Type: TypeCallRoomCreated, RoomID: roomID, GroupID: groupID}
}

func NewCallParticipantJoined(roomID, did string) CallParticipantJoined {
	return CallParticipantJoined{Type: TypeCallParticipantJoined, RoomID: roomID, DID: did}
}

func NewCallParticipantLeft(roomID, did string) CallParticipantLeft {
	return CallParticipantLeft{Type: TypeCallParticipantLeft, RoomID: roomID, DID: did}
}

func NewCallSignalForward(roomID, fromDID, payload string) CallSignalForward {
	return CallSignalForward{Type: TypeCallSignalForward, RoomID: roomID, FromDID: fromDID, Payload: payload}
}

func NewInviteResolved(code, communityID, communityName, description, icon string, memberCount, maxUses int, expiresAt int64, payload string) InviteResolved {
	return InviteResolved{
		Type:                 TypeInviteResolved,
		Code:                 code,
		CommunityID:          communityID,
		CommunityName:        communityName,
		CommunityDescription: description,
		CommunityIcon:        icon,
		MemberCount:          memberCount,
		MaxUses:              maxUses,
		ExpiresAt:            expiresAt,
		InvitePayload:        payload,
	}
}

func NewInviteNotFound(code string) InviteNotFound {
	return InviteNotFound{Type: TypeInviteNotFound, Code: code}
}
