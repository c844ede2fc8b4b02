// Package callroom tracks group call membership so the relay can fan out
// join and leave notifications and route call signaling between members.
package callroom

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxParticipants caps room size. Joins beyond the cap are refused.
const MaxParticipants = 50

// Room is one live group call.
type Room struct {
	ID           string
	GroupID      string
	CreatorDID   string
	Participants map[string]struct{}
	CreatedAt    time.Time
}

// Departure records one room a disconnecting client was removed from,
// with the members still present who need a leave notification.
type Departure struct {
	RoomID    string
	Remaining []string
}

// Manager owns all live call rooms.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates a call room manager. Rooms older than ttl are removed
// by Sweep regardless of membership, so an abandoned call cannot pin memory.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		rooms:  make(map[string]*Room),
		ttl:    ttl,
		logger: logger,
	}
}

// Create starts a room for the group with the creator as its first
// participant, returning the room id.
func (m *Manager) Create(groupID, creatorDID string) string {
	id := uuid.NewString()
	room := &Room{
		ID:           id,
		GroupID:      groupID,
		CreatorDID:   creatorDID,
		Participants: map[string]struct{}{creatorDID: {}},
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.rooms[id] = room
	m.mu.Unlock()

	m.logger.Info("created call room", "room_id", id, "group_id", groupID, "creator_did", creatorDID)
	return id
}

// Join adds the DID to the room and returns the members present before the
// join. It reports false when the room does not exist or is full. Joining a
// room you are already in is a no-op that still returns the member list.
func (m *Manager) Join(roomID, did string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}

	if _, already := room.Participants[did]; !already {
		if len(room.Participants) >= MaxParticipants {
			return nil, false
		}
	}

	others := make([]string, 0, len(room.Participants))
	for p := range room.Participants {
		if p != did {
			others = append(others, p)
		}
	}
	room.Participants[did] = struct{}{}

	m.logger.Info("participant joined call room", "room_id", roomID, "did", did, "size", len(room.Participants))
	return others, true
}

// Leave removes the DID from the room and returns the remaining members.
// An emptied room is deleted. False means the room was unknown or the DID
// was not in it.
func (m *Manager) Leave(roomID, did string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	if _, member := room.Participants[did]; !member {
		return nil, false
	}

	delete(room.Participants, did)
	remaining := make([]string, 0, len(room.Participants))
	for p := range room.Participants {
		remaining = append(remaining, p)
	}

	if len(room.Participants) == 0 {
		delete(m.rooms, roomID)
		m.logger.Info("call room emptied", "room_id", roomID)
	}

	return remaining, true
}

// Contains reports whether the DID is a member of the room.
func (m *Manager) Contains(roomID, did string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, member := room.Participants[did]
	return member
}

// LeaveAll removes the DID from every room it occupies, for connection
// teardown. Each departure carries the members who should be notified.
func (m *Manager) LeaveAll(did string) []Departure {
	m.mu.Lock()
	defer m.mu.Unlock()

	var departures []Departure
	for id, room := range m.rooms {
		if _, member := room.Participants[did]; !member {
			continue
		}

		delete(room.Participants, did)
		remaining := make([]string, 0, len(room.Participants))
		for p := range room.Participants {
			remaining = append(remaining, p)
		}
		departures = append(departures, Departure{RoomID: id, Remaining: remaining})

		if len(room.Participants) == 0 {
			delete(m.rooms, id)
			m.logger.Info("call room emptied", "room_id", id)
		}
	}

	return departures
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Sweep removes rooms past their TTL and returns how many were dropped.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, room := range m.rooms {
		if now.Sub(room.CreatedAt) > m.ttl {
			delete(m.rooms, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("swept stale call rooms", "count", removed)
	}
	return removed
}
