// Package session implements signaling sessions for single-scan friend
// adding: a creator stores a WebRTC offer under a fresh id, shares the id
// via QR code or link, and exactly one joiner redeems it for the offer.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session holds a creator's offer until a joiner redeems it.
type Session struct {
	ID           string
	CreatorDID   string
	OfferPayload string
	CreatedAt    time.Time
	Consumed     bool
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	logger   *slog.Logger
}

// NewManager creates a session manager with the given TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger,
	}
}

// Create stores a new session and returns its id.
func (m *Manager) Create(creatorDID, offerPayload string) string {
	id := uuid.NewString()
	s := &Session{
		ID:           id,
		CreatorDID:   creatorDID,
		OfferPayload: offerPayload,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("created signaling session", "session_id", id, "creator_did", creatorDID)
	return id
}

// Import stores a session replicated from a federated peer. An id already
// present locally wins; replication never overwrites.
func (m *Manager) Import(id, creatorDID, offerPayload string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return
	}
	m.sessions[id] = &Session{
		ID:           id,
		CreatorDID:   creatorDID,
		OfferPayload: offerPayload,
		CreatedAt:    createdAt,
	}
	m.logger.Debug("imported federated session", "session_id", id, "creator_did", creatorDID)
}

// Get returns a copy of the session if it is live: known, unconsumed, and
// within TTL. Expired sessions are dropped on sight rather than waiting for
// the next sweep.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return Session{}, false
	}

	if time.Since(s.CreatedAt) > m.ttl {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.logger.Debug("session expired", "session_id", id)
		return Session{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok = m.sessions[id]
	if !ok || s.Consumed {
		return Session{}, false
	}
	return *s, true
}

// Consume marks a session joined. Sessions are single-use: a consumed
// session can no longer be fetched by Get.
func (m *Manager) Consume(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.Consumed = true
	return true
}

// Count returns the number of stored sessions, consumed included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions past their TTL and returns how many were dropped.
// Expiry candidates are collected under a read lock first so the write lock
// is only held for the deletes.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if now.Sub(s.CreatedAt) > m.ttl {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	m.mu.Lock()
	removed := 0
	for _, id := range expired {
		if s, ok := m.sessions[id]; ok && now.Sub(s.CreatedAt) > m.ttl {
			delete(m.sessions, id)
			removed++
		}
	}
	m.mu.Unlock()

	m.logger.Debug("swept expired sessions", "count", removed)
	return removed
}
