package protocol

// Relay ↔ relay federation frame types.
const (
	PeerTypeHello              = "hello"
	PeerTypePresenceSync       = "presence_sync"
	PeerTypePresenceOnline     = "presence_online"
	PeerTypePresenceOffline    = "presence_offline"
	PeerTypeForwardSignal      = "forward_signal"
	PeerTypeForwardMessage     = "forward_message"
	PeerTypeForwardOffline     = "forward_offline"
	PeerTypeForwardSessionJoin = "forward_session_join"
	PeerTypeSessionSync        = "session_sync"
	PeerTypePeerPing           = "peer_ping"
	PeerTypePeerPong           = "peer_pong"

	PeerTypeInviteSync            = "invite_sync"
	PeerTypeInviteRevoke          = "invite_revoke"
	PeerTypeForwardResolveInvite  = "forward_resolve_invite"
	PeerTypeForwardInviteResolved = "forward_invite_resolved"
)

// PeerFrame is the superset of all federation frames. Unlike the client
// vocabulary it is used for both directions: relays trust each other's
// framing, so a single struct with omitted empties is enough.
type PeerFrame struct {
	Type          string   `json:"type"`
	RelayID       string   `json:"relay_id,omitempty"`
	RelayURL      string   `json:"relay_url,omitempty"`
	Region        string   `json:"region,omitempty"`
	Location      string   `json:"location,omitempty"`
	OnlineDIDs    []string `json:"online_dids,omitempty"`
	DID           string   `json:"did,omitempty"`
	FromDID       string   `json:"from_did,omitempty"`
	ToDID         string   `json:"to_did,omitempty"`
	Payload       string   `json:"payload,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	JoinerDID     string   `json:"joiner_did,omitempty"`
	AnswerPayload string   `json:"answer_payload,omitempty"`
	CreatorDID    string   `json:"creator_did,omitempty"`
	OfferPayload  string   `json:"offer_payload,omitempty"`
	CreatedAt     int64    `json:"created_at,omitempty"`

	// Invite replication and mesh-wide resolution.
	Code                 string `json:"code,omitempty"`
	PublisherDID         string `json:"publisher_did,omitempty"`
	CommunityID          string `json:"community_id,omitempty"`
	CommunityName        string `json:"community_name,omitempty"`
	CommunityDescription string `json:"community_description,omitempty"`
	CommunityIcon        string `json:"community_icon,omitempty"`
	MemberCount          int    `json:"member_count,omitempty"`
	MaxUses              int    `json:"max_uses,omitempty"`
	ExpiresAt            int64  `json:"expires_at,omitempty"`
	InvitePayload        string `json:"invite_payload,omitempty"`
	PublishedAt          int64  `json:"published_at,omitempty"`
	RequesterDID         string `json:"requester_did,omitempty"`
}
