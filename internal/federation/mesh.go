// Package federation connects a relay to its peers so that clients on
// different relays can reach each other. Each relay dials the peers it is
// configured with, announces itself with a hello, and gossips presence so
// every relay knows which peer currently serves a given identity. Traffic
// for a remote identity is forwarded to the peer that has it online.
package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/umbra-relay/internal/invite"
	"github.com/umbra-im/umbra-relay/internal/protocol"
)

const (
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 60 * time.Second
	inboundBufferSize = 256
)

// Config identifies this relay to its peers.
type Config struct {
	RelayID          string
	PublicURL        string
	Region           string
	Location         string
	Peers            []string
	PresenceInterval time.Duration
	HandshakeTimeout time.Duration
}

// peerState tracks one connected peer and the identities it serves.
type peerState struct {
	link     *link
	url      string
	region   string
	location string
	dids     map[string]struct{}
}

// Mesh manages all peer links and the remote presence index.
type Mesh struct {
	cfg    Config
	logger *slog.Logger

	// localDIDs snapshots this relay's own online identities, for hello
	// and presence broadcasts.
	localDIDs func() []string

	// inbound carries forwarded traffic that needs local handling.
	inbound chan protocol.PeerFrame

	mu        sync.RWMutex
	peers     map[string]*peerState
	didToPeer map[string]string

	// links tracks every live connection, hello'd or not, so Stop can
	// close half-open ones too.
	linksMu sync.Mutex
	links   map[*link]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMesh creates a federation mesh. localDIDs must be safe for concurrent
// use; it is called on every presence broadcast.
func NewMesh(cfg Config, localDIDs func() []string, logger *slog.Logger) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Mesh{
		cfg:       cfg,
		logger:    logger,
		localDIDs: localDIDs,
		inbound:   make(chan protocol.PeerFrame, inboundBufferSize),
		peers:     make(map[string]*peerState),
		didToPeer: make(map[string]string),
		links:     make(map[*link]struct{}),
	}
}

// Enabled reports whether this relay participates in a mesh.
func (m *Mesh) Enabled() bool {
	return len(m.cfg.Peers) > 0
}

// Start dials all configured peers and begins the presence heartbeat.
func (m *Mesh) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, peerURL := range m.cfg.Peers {
		m.wg.Add(1)
		go m.dialLoop(peerURL)
	}

	if len(m.cfg.Peers) > 0 {
		m.wg.Add(1)
		go m.presenceLoop()
	}

	m.logger.Info("federation mesh started", "relay_id", m.cfg.RelayID, "peers", len(m.cfg.Peers))
}

// Stop closes all peer links and waits for their loops to finish.
func (m *Mesh) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.linksMu.Lock()
	for l := range m.links {
		l.close()
	}
	m.linksMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("federation shutdown timeout")
	}

	m.logger.Info("federation mesh stopped")
}

// Inbound returns the channel of forwarded frames that need local handling:
// forward_message, forward_signal, forward_offline, forward_session_join,
// session_sync, and the invite directory traffic (invite_sync,
// invite_revoke, forward_resolve_invite, forward_invite_resolved).
func (m *Mesh) Inbound() <-chan protocol.PeerFrame {
	return m.inbound
}

// federationURL rewrites a relay's public client URL into its federation
// endpoint: http(s) becomes ws(s) and the /ws path becomes /federation.
func federationURL(raw string) string {
	u := raw
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	switch {
	case strings.HasSuffix(u, "/federation"):
	case strings.HasSuffix(u, "/ws"):
		u = strings.TrimSuffix(u, "/ws") + "/federation"
	default:
		u = strings.TrimRight(u, "/") + "/federation"
	}
	return u
}

// dialLoop keeps one outbound peer connected, redialing with exponential
// backoff after every failure or disconnect.
func (m *Mesh) dialLoop(peerURL string) {
	defer m.wg.Done()

	target := federationURL(peerURL)
	wait := reconnectBaseWait

	for {
		dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
		conn, _, err := dialer.DialContext(m.ctx, target, nil)
		if err != nil {
			m.logger.Warn("peer dial failed", "peer_url", target, "error", err, "retry_in", wait)

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		wait = reconnectBaseWait
		m.logger.Info("peer connected", "peer_url", target)

		l := newLink(conn)
		if err := l.sendFrame(m.helloFrame()); err != nil {
			m.logger.Warn("peer hello failed", "peer_url", target, "error", err)
			l.close()
			continue
		}

		m.serveLink(l)

		select {
		case <-m.ctx.Done():
			return
		default:
		}
		m.logger.Info("peer disconnected, redialing", "peer_url", target)
	}
}

// ServeInbound handles a peer connection accepted on the federation
// endpoint. It greets the peer with our hello, then blocks serving frames
// until the connection dies.
func (m *Mesh) ServeInbound(conn *websocket.Conn) {
	l := newLink(conn)
	if err := l.sendFrame(m.helloFrame()); err != nil {
		m.logger.Warn("inbound peer hello failed", "error", err)
		l.close()
		return
	}
	m.serveLink(l)
}

// serveLink reads frames from a link until it fails, then removes the
// peer's presence.
func (m *Mesh) serveLink(l *link) {
	m.linksMu.Lock()
	m.links[l] = struct{}{}
	m.linksMu.Unlock()

	defer func() {
		l.close()
		m.linksMu.Lock()
		delete(m.links, l)
		m.linksMu.Unlock()
		if id := l.getRelayID(); id != "" {
			m.removePeer(id, l)
		}
	}()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.PeerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("malformed peer frame", "relay_id", l.getRelayID(), "error", err)
			continue
		}

		m.handleFrame(l, frame)
	}
}

func (m *Mesh) helloFrame() protocol.PeerFrame {
	return protocol.PeerFrame{
		Type:       protocol.PeerTypeHello,
		RelayID:    m.cfg.RelayID,
		RelayURL:   m.cfg.PublicURL,
		Region:     m.cfg.Region,
		Location:   m.cfg.Location,
		OnlineDIDs: m.localDIDs(),
	}
}

func (m *Mesh) handleFrame(l *link, frame protocol.PeerFrame) {
	switch frame.Type {
	case protocol.PeerTypeHello:
		m.registerPeer(l, frame)

	case protocol.PeerTypePresenceSync:
		m.syncPresence(frame.RelayID, frame.OnlineDIDs)

	case protocol.PeerTypePresenceOnline:
		m.setOnline(frame.RelayID, frame.DID)

	case protocol.PeerTypePresenceOffline:
		m.setOffline(frame.RelayID, frame.DID)

	case protocol.PeerTypePeerPing:
		l.sendFrame(protocol.PeerFrame{Type: protocol.PeerTypePeerPong, RelayID: m.cfg.RelayID})

	case protocol.PeerTypePeerPong:

	case protocol.PeerTypeForwardMessage,
		protocol.PeerTypeForwardSignal,
		protocol.PeerTypeForwardOffline,
		protocol.PeerTypeForwardSessionJoin,
		protocol.PeerTypeSessionSync,
		protocol.PeerTypeInviteSync,
		protocol.PeerTypeInviteRevoke,
		protocol.PeerTypeForwardResolveInvite,
		protocol.PeerTypeForwardInviteResolved:
		select {
		case m.inbound <- frame:
		default:
			m.logger.Warn("federation inbound buffer full, dropping frame",
				"type", frame.Type,
				"relay_id", frame.RelayID,
			)
		}

	default:
		m.logger.Warn("unknown peer frame type", "type", frame.Type)
	}
}

// registerPeer records a peer after its hello, replacing any stale link
// under the same relay id.
func (m *Mesh) registerPeer(l *link, hello protocol.PeerFrame) {
	if hello.RelayID == "" || hello.RelayID == m.cfg.RelayID {
		return
	}
	l.setRelayID(hello.RelayID)

	dids := make(map[string]struct{}, len(hello.OnlineDIDs))
	for _, did := range hello.OnlineDIDs {
		dids[did] = struct{}{}
	}

	m.mu.Lock()
	if prev, ok := m.peers[hello.RelayID]; ok && prev.link != l {
		prev.link.close()
		for did := range prev.dids {
			delete(m.didToPeer, did)
		}
	}
	m.peers[hello.RelayID] = &peerState{
		link:     l,
		url:      hello.RelayURL,
		region:   hello.Region,
		location: hello.Location,
		dids:     dids,
	}
	for did := range dids {
		m.didToPeer[did] = hello.RelayID
	}
	m.mu.Unlock()

	m.logger.Info("peer registered",
		"relay_id", hello.RelayID,
		"relay_url", hello.RelayURL,
		"online_dids", len(dids),
	)
}

// removePeer drops the peer's presence, but only while the entry still
// belongs to l. A link displaced by a re-hello must not evict its
// replacement during teardown.
func (m *Mesh) removePeer(relayID string, l *link) {
	m.mu.Lock()
	p, ok := m.peers[relayID]
	if ok && p.link == l {
		delete(m.peers, relayID)
		for did := range p.dids {
			delete(m.didToPeer, did)
		}
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("peer removed", "relay_id", relayID)
	}
}

// syncPresence replaces the full DID set for a peer.
func (m *Mesh) syncPresence(relayID string, dids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[relayID]
	if !ok {
		return
	}

	for did := range p.dids {
		delete(m.didToPeer, did)
	}
	p.dids = make(map[string]struct{}, len(dids))
	for _, did := range dids {
		p.dids[did] = struct{}{}
		m.didToPeer[did] = relayID
	}
}

func (m *Mesh) setOnline(relayID, did string) {
	if did == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[relayID]
	if !ok {
		return
	}
	p.dids[did] = struct{}{}
	m.didToPeer[did] = relayID
}

func (m *Mesh) setOffline(relayID, did string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[relayID]
	if !ok {
		return
	}
	delete(p.dids, did)
	if m.didToPeer[did] == relayID {
		delete(m.didToPeer, did)
	}
}

// FindPeerForDID reports which peer currently serves the identity.
func (m *Mesh) FindPeerForDID(did string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relayID, ok := m.didToPeer[did]
	return relayID, ok
}

// sendToPeer delivers a frame to one peer by relay id.
func (m *Mesh) sendToPeer(relayID string, frame protocol.PeerFrame) bool {
	m.mu.RLock()
	p, ok := m.peers[relayID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	if err := p.link.sendFrame(frame); err != nil {
		m.logger.Warn("peer send failed", "relay_id", relayID, "type", frame.Type, "error", err)
		return false
	}
	return true
}

// broadcast delivers a frame to every connected peer and returns how many
// peers actually took it.
func (m *Mesh) broadcast(frame protocol.PeerFrame) int {
	m.mu.RLock()
	links := make([]*link, 0, len(m.peers))
	for _, p := range m.peers {
		links = append(links, p.link)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, l := range links {
		if err := l.sendFrame(frame); err != nil {
			m.logger.Warn("peer broadcast failed", "relay_id", l.getRelayID(), "type", frame.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// ForwardMessage routes a chat message to the peer serving the recipient.
func (m *Mesh) ForwardMessage(toDID, fromDID, payload string, timestamp int64) bool {
	relayID, ok := m.FindPeerForDID(toDID)
	if !ok {
		return false
	}
	return m.sendToPeer(relayID, protocol.PeerFrame{
		Type:      protocol.PeerTypeForwardMessage,
		RelayID:   m.cfg.RelayID,
		ToDID:     toDID,
		FromDID:   fromDID,
		Payload:   payload,
		Timestamp: timestamp,
	})
}

// ForwardSignal routes a WebRTC signal to the peer serving the recipient.
func (m *Mesh) ForwardSignal(toDID, fromDID, payload string, timestamp int64) bool {
	relayID, ok := m.FindPeerForDID(toDID)
	if !ok {
		return false
	}
	return m.sendToPeer(relayID, protocol.PeerFrame{
		Type:      protocol.PeerTypeForwardSignal,
		RelayID:   m.cfg.RelayID,
		ToDID:     toDID,
		FromDID:   fromDID,
		Payload:   payload,
		Timestamp: timestamp,
	})
}

// ForwardOffline hands a message to the peer serving the recipient for
// offline queueing there.
func (m *Mesh) ForwardOffline(toDID, fromDID, payload string, timestamp int64) bool {
	relayID, ok := m.FindPeerForDID(toDID)
	if !ok {
		return false
	}
	return m.sendToPeer(relayID, protocol.PeerFrame{
		Type:      protocol.PeerTypeForwardOffline,
		RelayID:   m.cfg.RelayID,
		ToDID:     toDID,
		FromDID:   fromDID,
		Payload:   payload,
		Timestamp: timestamp,
	})
}

// ForwardSessionJoin routes a session answer to the peer serving the
// session's creator.
func (m *Mesh) ForwardSessionJoin(creatorDID, sessionID, joinerDID, answerPayload string) bool {
	relayID, ok := m.FindPeerForDID(creatorDID)
	if !ok {
		return false
	}
	return m.sendToPeer(relayID, protocol.PeerFrame{
		Type:          protocol.PeerTypeForwardSessionJoin,
		RelayID:       m.cfg.RelayID,
		SessionID:     sessionID,
		JoinerDID:     joinerDID,
		CreatorDID:    creatorDID,
		AnswerPayload: answerPayload,
	})
}

// ReplicateSession announces a new signaling session to every peer so a
// joiner can redeem it on any relay in the mesh.
func (m *Mesh) ReplicateSession(sessionID, creatorDID, offerPayload string, createdAt time.Time) {
	m.broadcast(protocol.PeerFrame{
		Type:         protocol.PeerTypeSessionSync,
		RelayID:      m.cfg.RelayID,
		SessionID:    sessionID,
		CreatorDID:   creatorDID,
		OfferPayload: offerPayload,
		CreatedAt:    createdAt.UnixMilli(),
	})
}

// ReplicateInvite announces a published invite to every peer so it can be
// resolved anywhere in the mesh.
func (m *Mesh) ReplicateInvite(inv invite.Invite) {
	m.broadcast(protocol.PeerFrame{
		Type:                 protocol.PeerTypeInviteSync,
		RelayID:              m.cfg.RelayID,
		Code:                 inv.Code,
		PublisherDID:         inv.PublisherDID,
		CommunityID:          inv.CommunityID,
		CommunityName:        inv.CommunityName,
		CommunityDescription: inv.CommunityDescription,
		CommunityIcon:        inv.CommunityIcon,
		MemberCount:          inv.MemberCount,
		MaxUses:              inv.MaxUses,
		ExpiresAt:            inv.ExpiresAt,
		InvitePayload:        inv.InvitePayload,
		PublishedAt:          inv.PublishedAt.UnixMilli(),
	})
}

// BroadcastInviteRevoke propagates an invite revocation to all peers.
func (m *Mesh) BroadcastInviteRevoke(code string) {
	m.broadcast(protocol.PeerFrame{
		Type:    protocol.PeerTypeInviteRevoke,
		RelayID: m.cfg.RelayID,
		Code:    code,
	})
}

// BroadcastResolveInvite asks every peer whether it holds the invite. A
// peer that does answers later with forward_invite_resolved. False means
// the question reached nobody and no answer can ever come.
func (m *Mesh) BroadcastResolveInvite(code, requesterDID string) bool {
	return m.broadcast(protocol.PeerFrame{
		Type:         protocol.PeerTypeForwardResolveInvite,
		RelayID:      m.cfg.RelayID,
		Code:         code,
		RequesterDID: requesterDID,
	}) > 0
}

// AnswerResolveInvite sends a locally resolved invite back through the
// mesh to the relay serving the requester.
func (m *Mesh) AnswerResolveInvite(requesterDID string, inv invite.Invite) {
	m.broadcast(protocol.PeerFrame{
		Type:                 protocol.PeerTypeForwardInviteResolved,
		RelayID:              m.cfg.RelayID,
		Code:                 inv.Code,
		RequesterDID:         requesterDID,
		CommunityID:          inv.CommunityID,
		CommunityName:        inv.CommunityName,
		CommunityDescription: inv.CommunityDescription,
		CommunityIcon:        inv.CommunityIcon,
		MemberCount:          inv.MemberCount,
		MaxUses:              inv.MaxUses,
		ExpiresAt:            inv.ExpiresAt,
		InvitePayload:        inv.InvitePayload,
	})
}

// BroadcastPresenceOnline announces a local registration to all peers.
func (m *Mesh) BroadcastPresenceOnline(did string) {
	m.broadcast(protocol.PeerFrame{
		Type:    protocol.PeerTypePresenceOnline,
		RelayID: m.cfg.RelayID,
		DID:     did,
	})
}

// BroadcastPresenceOffline announces a local disconnect to all peers.
func (m *Mesh) BroadcastPresenceOffline(did string) {
	m.broadcast(protocol.PeerFrame{
		Type:    protocol.PeerTypePresenceOffline,
		RelayID: m.cfg.RelayID,
		DID:     did,
	})
}

// presenceLoop periodically re-syncs the full local presence to all peers,
// repairing any drift from lost incremental updates.
func (m *Mesh) presenceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.broadcast(protocol.PeerFrame{
				Type:       protocol.PeerTypePresenceSync,
				RelayID:    m.cfg.RelayID,
				OnlineDIDs: m.localDIDs(),
			})
		}
	}
}

// ConnectedPeerCount returns the number of registered peers.
func (m *Mesh) ConnectedPeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// RemoteDIDCount returns how many identities are online elsewhere in the
// mesh.
func (m *Mesh) RemoteDIDCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.didToPeer)
}
