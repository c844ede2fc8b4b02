// Package relay wires the registry, offline queue, session and call room
// managers, and the federation mesh behind the relay's WebSocket and HTTP
// endpoints.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/umbra-relay/internal/callroom"
	"github.com/umbra-im/umbra-relay/internal/config"
	"github.com/umbra-im/umbra-relay/internal/federation"
	"github.com/umbra-im/umbra-relay/internal/invite"
	"github.com/umbra-im/umbra-relay/internal/protocol"
	"github.com/umbra-im/umbra-relay/internal/queue"
	"github.com/umbra-im/umbra-relay/internal/registry"
	"github.com/umbra-im/umbra-relay/internal/session"
)

// callRoomTTL bounds how long an abandoned group call can linger.
const callRoomTTL = 4 * time.Hour

// Server owns all relay state and serves the client and federation
// endpoints.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	registry *registry.Registry
	queue    *queue.Queue
	sessions *session.Manager
	rooms    *callroom.Manager
	invites  *invite.Manager
	mesh     *federation.Mesh

	upgrader websocket.Upgrader

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a relay server from configuration.
func NewServer(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(logger)

	meshCfg := federation.Config{
		RelayID:          cfg.RelayID,
		PublicURL:        cfg.PublicURL,
		Region:           cfg.Region,
		Location:         cfg.Location,
		Peers:            cfg.Peers,
		PresenceInterval: cfg.PresenceHeartbeat(),
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		queue:    queue.New(cfg.MaxOfflineMessages, cfg.OfflineTTL(), logger),
		sessions: session.NewManager(cfg.SessionTTL(), logger),
		rooms:    callroom.NewManager(callRoomTTL, logger),
		invites:  invite.NewManager(invite.DefaultTTL, logger),
		mesh:     federation.NewMesh(meshCfg, reg.OnlineDIDs, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps, not browsers. Origin carries no
			// trust signal here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// Start launches the background loops: peer dialing, the federation inbound
// consumer, and the expiry sweeper.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mesh.Start(s.ctx)

	s.wg.Add(2)
	go s.consumeFederation()
	go s.sweepLoop()

	s.logger.Info("relay started",
		"relay_id", s.cfg.RelayID,
		"region", s.cfg.Region,
		"federation", s.mesh.Enabled(),
	)
}

// Stop shuts down the background loops and the mesh.
func (s *Server) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}

	s.mesh.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("relay shutdown timeout")
	}

	s.logger.Info("relay stopped")
}

// Handler returns the full HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleClient)
	mux.HandleFunc("/federation", s.handleFederation)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/info", s.handleInfo)
	return mux
}

// handleFederation accepts a peer relay connection.
func (s *Server) handleFederation(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("federation upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.mesh.ServeInbound(ws)
}

// sweepLoop periodically evicts expired offline messages, sessions, call
// rooms, and invites.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			messages := s.queue.Sweep(now)
			sessions := s.sessions.Sweep(now)
			rooms := s.rooms.Sweep(now)
			invites := s.invites.Sweep(now)
			if messages+sessions+rooms+invites > 0 {
				s.logger.Info("cleanup pass",
					"expired_messages", messages,
					"expired_sessions", sessions,
					"expired_rooms", rooms,
					"expired_invites", invites,
				)
			}
		}
	}
}

// consumeFederation applies traffic forwarded by peer relays to local
// state.
func (s *Server) consumeFederation() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.mesh.Inbound():
			s.handlePeerFrame(frame)
		}
	}
}

func (s *Server) handlePeerFrame(frame protocol.PeerFrame) {
	switch frame.Type {
	case protocol.PeerTypeForwardMessage:
		delivered := s.registry.TrySend(frame.ToDID,
			protocol.NewMessage(frame.FromDID, frame.Payload, frame.Timestamp))
		if !delivered {
			s.queue.Enqueue(frame.ToDID, frame.FromDID, frame.Payload, frame.Timestamp)
		}

	case protocol.PeerTypeForwardSignal:
		// Signals are only useful live. If the recipient dropped since
		// the peer's presence view, the signal is lost.
		s.registry.TrySend(frame.ToDID, protocol.NewSignal(frame.FromDID, frame.Payload))

	case protocol.PeerTypeForwardOffline:
		s.queue.Enqueue(frame.ToDID, frame.FromDID, frame.Payload, frame.Timestamp)

	case protocol.PeerTypeForwardSessionJoin:
		sess, ok := s.sessions.Get(frame.SessionID)
		if !ok {
			s.logger.Warn("forwarded join for unknown session", "session_id", frame.SessionID)
			return
		}
		joined := protocol.NewSessionJoined(sess.ID, frame.AnswerPayload)
		if !s.registry.TrySend(sess.CreatorDID, joined) {
			s.queue.Enqueue(sess.CreatorDID, frame.JoinerDID, frame.AnswerPayload, time.Now().UnixMilli())
		}
		s.sessions.Consume(sess.ID)

	case protocol.PeerTypeSessionSync:
		s.sessions.Import(frame.SessionID, frame.CreatorDID, frame.OfferPayload,
			time.UnixMilli(frame.CreatedAt))

	case protocol.PeerTypeInviteSync:
		s.invites.Import(invite.Invite{
			Code:                 frame.Code,
			PublisherDID:         frame.PublisherDID,
			CommunityID:          frame.CommunityID,
			CommunityName:        frame.CommunityName,
			CommunityDescription: frame.CommunityDescription,
			CommunityIcon:        frame.CommunityIcon,
			MemberCount:          frame.MemberCount,
			MaxUses:              frame.MaxUses,
			ExpiresAt:            frame.ExpiresAt,
			InvitePayload:        frame.InvitePayload,
			PublishedAt:          time.UnixMilli(frame.PublishedAt),
		})

	case protocol.PeerTypeInviteRevoke:
		// Remove locally without re-broadcasting, or revocations would
		// loop around the mesh.
		s.invites.Revoke(frame.Code)

	case protocol.PeerTypeForwardResolveInvite:
		if inv, ok := s.invites.Resolve(frame.Code); ok {
			s.mesh.AnswerResolveInvite(frame.RequesterDID, inv)
		}

	case protocol.PeerTypeForwardInviteResolved:
		s.registry.TrySend(frame.RequesterDID, protocol.NewInviteResolved(
			frame.Code, frame.CommunityID, frame.CommunityName,
			frame.CommunityDescription, frame.CommunityIcon,
			frame.MemberCount, frame.MaxUses, frame.ExpiresAt,
			frame.InvitePayload))
	}
}
