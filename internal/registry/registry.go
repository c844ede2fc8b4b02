// Package registry implements the connection registry: the single source of
// truth for which identities currently hold a live connection.
//
// The map is sharded by DID hash so that traffic for independent identities
// never contends on the same lock.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/umbra-im/umbra-relay/internal/protocol"
)

const shardCount = 32

// Handle is the delivery endpoint for one registered connection. The
// registry only ever pushes frames into a handle's outbound buffer; it never
// touches connection I/O directly.
type Handle interface {
	// TrySend enqueues a frame on the connection's outbound buffer.
	// It reports false when the buffer is full or the connection is
	// shutting down; callers fall back to the offline queue.
	TrySend(frame protocol.ServerFrame) bool
}

type entry struct {
	handle Handle
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry maps a DID to its live connection handle.
type Registry struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(did string) *shard {
	h := fnv.New32a()
	h.Write([]byte(did))
	return r.shards[h.Sum32()%shardCount]
}

// Register stores the handle for a DID, replacing any prior entry.
// Registration cannot fail: identity ownership is asserted by the client,
// not verified here.
func (r *Registry) Register(did string, h Handle) {
	s := r.shardFor(did)
	s.mu.Lock()
	_, replaced := s.entries[did]
	s.entries[did] = &entry{handle: h}
	s.mu.Unlock()

	r.logger.Info("client registered", "did", did, "replaced", replaced)
}

// Unregister removes the DID's entry, but only while it still belongs to h.
// A connection displaced by a re-registration must not evict its
// replacement during its own teardown.
func (r *Registry) Unregister(did string, h Handle) bool {
	s := r.shardFor(did)
	s.mu.Lock()
	e, ok := s.entries[did]
	if ok && e.handle == h {
		delete(s.entries, did)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		r.logger.Info("client unregistered", "did", did)
	}
	return ok
}

// TrySend pushes a frame to the DID's connection if one is registered.
// False means the recipient is offline, its buffer is full, or it is
// closing. All of these mean "not deliverable right now".
func (r *Registry) TrySend(did string, frame protocol.ServerFrame) bool {
	s := r.shardFor(did)
	s.mu.RLock()
	e, ok := s.entries[did]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	return e.handle.TrySend(frame)
}

// IsOnline reports whether the DID has a live connection.
func (r *Registry) IsOnline(did string) bool {
	s := r.shardFor(did)
	s.mu.RLock()
	_, ok := s.entries[did]
	s.mu.RUnlock()
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// OnlineDIDs snapshots all registered identities, for presence broadcasts.
func (r *Registry) OnlineDIDs() []string {
	dids := make([]string, 0, 64)
	for _, s := range r.shards {
		s.mu.RLock()
		for did := range s.entries {
			dids = append(dids, did)
		}
		s.mu.RUnlock()
	}
	return dids
}
