package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/umbra-im/umbra-relay/internal/invite"
	"github.com/umbra-im/umbra-relay/internal/protocol"
)

// handleClient serves one client WebSocket for its whole lifetime. The
// handler goroutine runs the read loop; a paired goroutine runs the write
// pump.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(ws)
	go c.writePump()
	defer s.teardown(c)

	ws.SetReadDeadline(time.Now().Add(idleWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(idleWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(idleWait))

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.TrySend(protocol.NewError("Invalid message format"))
			continue
		}

		if c.did == "" {
			s.handleUnregistered(c, frame)
			continue
		}
		s.dispatch(c, frame)
	}
}

// teardown releases everything the connection held: call room memberships,
// the registry entry, and the identity's mesh presence. Frames still
// sitting in the outbound buffer are rerouted to the offline queue.
func (s *Server) teardown(c *conn) {
	c.close()

	if c.did == "" {
		return
	}

	// The write pump can exit with accepted frames still buffered. Chat
	// messages and signals can wait for the client's return; everything
	// else only made sense live.
	now := time.Now().UnixMilli()
	for _, frame := range c.drain() {
		switch f := frame.(type) {
		case protocol.Message:
			s.queue.Enqueue(c.did, f.FromDID, f.Payload, f.Timestamp)
		case protocol.Signal:
			s.queue.Enqueue(c.did, f.FromDID, f.Payload, now)
		}
	}

	for _, dep := range s.rooms.LeaveAll(c.did) {
		for _, member := range dep.Remaining {
			s.registry.TrySend(member, protocol.NewCallParticipantLeft(dep.RoomID, c.did))
		}
	}

	if s.registry.Unregister(c.did, c) {
		s.mesh.BroadcastPresenceOffline(c.did)
	}
}

// handleUnregistered only admits register and ping; every other type is
// refused until the connection has claimed an identity.
func (s *Server) handleUnregistered(c *conn, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypePing:
		c.TrySend(protocol.NewPong())
		return
	case protocol.TypeRegister:
	default:
		c.TrySend(protocol.NewError("Must register before sending other messages"))
		return
	}

	if !strings.HasPrefix(frame.DID, "did:") {
		c.TrySend(protocol.NewError("Invalid DID format"))
		return
	}

	c.did = frame.DID
	s.registry.Register(c.did, c)
	c.TrySend(protocol.NewRegistered(c.did))
	s.mesh.BroadcastPresenceOnline(c.did)
}

func (s *Server) dispatch(c *conn, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeRegister:
		c.TrySend(protocol.NewError("Already registered"))

	case protocol.TypeSend:
		s.handleSend(c, frame)

	case protocol.TypeSignal:
		s.handleSignal(c, frame)

	case protocol.TypePing:
		c.TrySend(protocol.NewPong())

	case protocol.TypeFetchOffline:
		c.TrySend(protocol.NewOfflineMessages(s.queue.Drain(c.did)))

	case protocol.TypeCreateSession:
		s.handleCreateSession(c, frame)

	case protocol.TypeJoinSession:
		s.handleJoinSession(c, frame)

	case protocol.TypeCreateCallRoom:
		s.handleCreateCallRoom(c, frame)

	case protocol.TypeJoinCallRoom:
		s.handleJoinCallRoom(c, frame)

	case protocol.TypeLeaveCallRoom:
		s.handleLeaveCallRoom(c, frame)

	case protocol.TypeCallSignal:
		s.handleCallSignal(c, frame)

	case protocol.TypePublishInvite:
		s.handlePublishInvite(c, frame)

	case protocol.TypeRevokeInvite:
		s.handleRevokeInvite(c, frame)

	case protocol.TypeResolveInvite:
		s.handleResolveInvite(c, frame)

	default:
		c.TrySend(protocol.NewError(fmt.Sprintf("Unknown message type: %s", frame.Type)))
	}
}

// handleSend routes a chat message: live delivery first, then the mesh,
// then the offline queue. The sender always gets an ack; delivery state is
// deliberately not disclosed.
func (s *Server) handleSend(c *conn, frame protocol.ClientFrame) {
	timestamp := time.Now().UnixMilli()

	switch {
	case s.registry.TrySend(frame.ToDID, protocol.NewMessage(c.did, frame.Payload, timestamp)):
	case s.mesh.ForwardMessage(frame.ToDID, c.did, frame.Payload, timestamp):
	default:
		s.queue.Enqueue(frame.ToDID, c.did, frame.Payload, timestamp)
	}

	c.TrySend(protocol.NewAck(fmt.Sprintf("msg_%s_%d", frame.ToDID, timestamp)))
}

// handleSignal routes a WebRTC signal. Unlike send, a live or mesh
// delivery is silent; only the offline fallback is acked, so the caller
// knows the peer was away.
func (s *Server) handleSignal(c *conn, frame protocol.ClientFrame) {
	timestamp := time.Now().UnixMilli()

	if s.registry.TrySend(frame.ToDID, protocol.NewSignal(c.did, frame.Payload)) {
		return
	}
	if s.mesh.ForwardSignal(frame.ToDID, c.did, frame.Payload, timestamp) {
		return
	}

	s.queue.Enqueue(frame.ToDID, c.did, frame.Payload, timestamp)
	c.TrySend(protocol.NewAck(fmt.Sprintf("signal_queued_%s", frame.ToDID)))
}

func (s *Server) handleCreateSession(c *conn, frame protocol.ClientFrame) {
	id := s.sessions.Create(c.did, frame.OfferPayload)
	if sess, ok := s.sessions.Get(id); ok {
		s.mesh.ReplicateSession(sess.ID, sess.CreatorDID, sess.OfferPayload, sess.CreatedAt)
	}
	c.TrySend(protocol.NewSessionCreated(id))
}

// handleJoinSession redeems a session: the joiner receives the stored
// offer, the creator receives the answer, and the session is consumed.
func (s *Server) handleJoinSession(c *conn, frame protocol.ClientFrame) {
	sess, ok := s.sessions.Get(frame.SessionID)
	if !ok {
		c.TrySend(protocol.NewError(fmt.Sprintf("Session '%s' not found or expired", frame.SessionID)))
		return
	}

	c.TrySend(protocol.NewSessionOffer(sess.ID, sess.OfferPayload))

	joined := protocol.NewSessionJoined(sess.ID, frame.AnswerPayload)
	switch {
	case s.registry.TrySend(sess.CreatorDID, joined):
	case s.mesh.ForwardSessionJoin(sess.CreatorDID, sess.ID, c.did, frame.AnswerPayload):
	default:
		s.queue.Enqueue(sess.CreatorDID, c.did, frame.AnswerPayload, time.Now().UnixMilli())
	}

	s.sessions.Consume(sess.ID)
}

func (s *Server) handleCreateCallRoom(c *conn, frame protocol.ClientFrame) {
	roomID := s.rooms.Create(frame.GroupID, c.did)
	c.TrySend(protocol.NewCallRoomCreated(roomID, frame.GroupID))
}

// handleJoinCallRoom admits the client and exchanges rosters: existing
// members learn about the joiner, and the joiner learns about each
// existing member.
func (s *Server) handleJoinCallRoom(c *conn, frame protocol.ClientFrame) {
	others, ok := s.rooms.Join(frame.RoomID, c.did)
	if !ok {
		c.TrySend(protocol.NewError(fmt.Sprintf("Call room '%s' not found or full", frame.RoomID)))
		return
	}

	c.TrySend(protocol.NewAck(fmt.Sprintf("call_room_joined_%s", frame.RoomID)))

	for _, member := range others {
		s.registry.TrySend(member, protocol.NewCallParticipantJoined(frame.RoomID, c.did))
		c.TrySend(protocol.NewCallParticipantJoined(frame.RoomID, member))
	}
}

func (s *Server) handleLeaveCallRoom(c *conn, frame protocol.ClientFrame) {
	remaining, ok := s.rooms.Leave(frame.RoomID, c.did)
	if !ok {
		c.TrySend(protocol.NewError("You are not in this call room"))
		return
	}

	for _, member := range remaining {
		s.registry.TrySend(member, protocol.NewCallParticipantLeft(frame.RoomID, c.did))
	}
}

func (s *Server) handlePublishInvite(c *conn, frame protocol.ClientFrame) {
	inv := s.invites.Publish(invite.Invite{
		Code:                 frame.Code,
		PublisherDID:         c.did,
		CommunityID:          frame.CommunityID,
		CommunityName:        frame.CommunityName,
		CommunityDescription: frame.CommunityDescription,
		CommunityIcon:        frame.CommunityIcon,
		MemberCount:          frame.MemberCount,
		MaxUses:              frame.MaxUses,
		ExpiresAt:            frame.ExpiresAt,
		InvitePayload:        frame.InvitePayload,
	})
	s.mesh.ReplicateInvite(inv)

	c.TrySend(protocol.NewAck(fmt.Sprintf("invite_published_%s", frame.Code)))
}

// handleRevokeInvite always acks; revoking an unknown or already-revoked
// code is not an error. Only an actual removal propagates to the mesh.
func (s *Server) handleRevokeInvite(c *conn, frame protocol.ClientFrame) {
	if s.invites.Revoke(frame.Code) {
		s.mesh.BroadcastInviteRevoke(frame.Code)
	}

	c.TrySend(protocol.NewAck(fmt.Sprintf("invite_revoked_%s", frame.Code)))
}

// handleResolveInvite answers from the local directory first. A local miss
// is asked of every mesh peer; whichever peer holds the invite answers
// back with forward_invite_resolved. Not-found is only reported when no
// peer could be asked.
func (s *Server) handleResolveInvite(c *conn, frame protocol.ClientFrame) {
	if inv, ok := s.invites.Resolve(frame.Code); ok {
		c.TrySend(protocol.NewInviteResolved(
			inv.Code, inv.CommunityID, inv.CommunityName,
			inv.CommunityDescription, inv.CommunityIcon,
			inv.MemberCount, inv.MaxUses, inv.ExpiresAt, inv.InvitePayload))
		return
	}

	if s.mesh.BroadcastResolveInvite(frame.Code, c.did) {
		return
	}

	c.TrySend(protocol.NewInviteNotFound(frame.Code))
}

func (s *Server) handleCallSignal(c *conn, frame protocol.ClientFrame) {
	if !s.rooms.Contains(frame.RoomID, c.did) {
		c.TrySend(protocol.NewError("You are not in this call room"))
		return
	}
	if !s.rooms.Contains(frame.RoomID, frame.ToDID) {
		c.TrySend(protocol.NewError(fmt.Sprintf("Target '%s' is not in this call room", frame.ToDID)))
		return
	}

	s.registry.TrySend(frame.ToDID, protocol.NewCallSignalForward(frame.RoomID, c.did, frame.Payload))
}
