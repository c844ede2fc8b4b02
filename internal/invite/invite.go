// Package invite implements the published-invite directory: a community
// owner publishes an invite code with display metadata so anyone on the
// network can resolve it, even while the owner is offline. Invites
// replicate across the federation mesh and never touch disk.
package invite

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL bounds how long a published invite is kept, independent of
// any expiry the publisher set on it.
const DefaultTTL = 7 * 24 * time.Hour

// Invite is one published community invite. The payload is opaque to the
// relay; the metadata fields exist so a resolver can render a preview
// without decrypting anything.
type Invite struct {
	Code                 string
	PublisherDID         string
	CommunityID          string
	CommunityName        string
	CommunityDescription string
	CommunityIcon        string
	MemberCount          int
	// MaxUses caps how often the invite may be resolved. Zero means
	// unlimited.
	MaxUses  int
	UseCount int
	// ExpiresAt is a unix-millisecond deadline chosen by the publisher.
	// Zero means no deadline.
	ExpiresAt     int64
	InvitePayload string
	PublishedAt   time.Time
}

// expired reports whether the invite is past its publisher-set deadline.
func (inv *Invite) expired(now time.Time) bool {
	return inv.ExpiresAt != 0 && now.UnixMilli() > inv.ExpiresAt
}

// exhausted reports whether the invite has no uses left.
func (inv *Invite) exhausted() bool {
	return inv.MaxUses > 0 && inv.UseCount >= inv.MaxUses
}

// Manager owns the invite directory.
type Manager struct {
	mu      sync.RWMutex
	invites map[string]*Invite
	ttl     time.Duration
	logger  *slog.Logger
}

// NewManager creates an invite directory with the given TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		invites: make(map[string]*Invite),
		ttl:     ttl,
		logger:  logger,
	}
}

// Publish stores an invite under its code, replacing any prior entry, and
// returns the stored copy. Re-publishing a code resets its use count.
func (m *Manager) Publish(inv Invite) Invite {
	inv.UseCount = 0
	inv.PublishedAt = time.Now()

	m.mu.Lock()
	stored := inv
	m.invites[inv.Code] = &stored
	m.mu.Unlock()

	m.logger.Info("published community invite",
		"code", inv.Code,
		"community", inv.CommunityName,
		"publisher", inv.PublisherDID,
	)
	return inv
}

// Import stores an invite replicated from a federated peer. A code already
// present locally wins; replication never overwrites.
func (m *Manager) Import(inv Invite) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.invites[inv.Code]; exists {
		return
	}
	inv.UseCount = 0
	stored := inv
	m.invites[inv.Code] = &stored
	m.logger.Debug("imported federated invite", "code", inv.Code, "community", inv.CommunityName)
}

// Resolve looks up an invite by code and counts the use. An invite past
// its deadline or out of uses is dropped on sight rather than waiting for
// the next sweep.
func (m *Manager) Resolve(code string) (Invite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invites[code]
	if !ok {
		return Invite{}, false
	}

	if inv.expired(time.Now()) {
		delete(m.invites, code)
		m.logger.Debug("invite expired", "code", code)
		return Invite{}, false
	}
	if inv.exhausted() {
		delete(m.invites, code)
		m.logger.Debug("invite out of uses", "code", code)
		return Invite{}, false
	}

	inv.UseCount++
	return *inv, true
}

// Revoke removes an invite. It only reports true when something was
// removed, so callers can decide whether to propagate the revocation.
func (m *Manager) Revoke(code string) bool {
	m.mu.Lock()
	_, ok := m.invites[code]
	delete(m.invites, code)
	m.mu.Unlock()

	if ok {
		m.logger.Info("revoked published invite", "code", code)
	}
	return ok
}

// Count returns the number of stored invites.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.invites)
}

// Sweep removes invites past the directory TTL, past their own deadline,
// or out of uses, and returns how many were dropped. Candidates are
// collected under a read lock first so the write lock is only held for
// the deletes.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	dead := make([]string, 0)
	for code, inv := range m.invites {
		if now.Sub(inv.PublishedAt) > m.ttl || inv.expired(now) || inv.exhausted() {
			dead = append(dead, code)
		}
	}
	m.mu.RUnlock()

	if len(dead) == 0 {
		return 0
	}

	m.mu.Lock()
	removed := 0
	for _, code := range dead {
		if inv, ok := m.invites[code]; ok {
			if now.Sub(inv.PublishedAt) > m.ttl || inv.expired(now) || inv.exhausted() {
				delete(m.invites, code)
				removed++
			}
		}
	}
	m.mu.Unlock()

	m.logger.Debug("swept dead invites", "count", removed)
	return removed
}
