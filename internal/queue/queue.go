// Package queue implements the offline message store: a bounded,
// TTL-limited FIFO per recipient DID.
//
// Like the connection registry, the store is sharded by DID hash so that
// enqueues and drains for independent recipients never share a lock, and so
// the periodic sweep only ever holds one shard at a time.
package queue

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umbra-im/umbra-relay/internal/protocol"
)

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	queues map[string][]protocol.OfflineMessage
}

// Queue is the per-recipient offline store.
type Queue struct {
	shards    [shardCount]*shard
	maxPerDID int
	ttl       time.Duration
	logger    *slog.Logger
}

// New creates an offline queue holding at most maxPerDID messages per
// recipient, each expiring ttl after enqueue.
func New(maxPerDID int, ttl time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{maxPerDID: maxPerDID, ttl: ttl, logger: logger}
	for i := range q.shards {
		q.shards[i] = &shard{queues: make(map[string][]protocol.OfflineMessage)}
	}
	return q
}

func (q *Queue) shardFor(did string) *shard {
	h := fnv.New32a()
	h.Write([]byte(did))
	return q.shards[h.Sum32()%shardCount]
}

// Enqueue appends a message to the recipient's FIFO. At capacity the oldest
// message is evicted to make room; old history ages out before fresh
// traffic is refused.
func (q *Queue) Enqueue(toDID, fromDID, payload string, timestamp int64) protocol.OfflineMessage {
	msg := protocol.OfflineMessage{
		ID:        uuid.NewString(),
		FromDID:   fromDID,
		Payload:   payload,
		Timestamp: timestamp,
		QueuedAt:  time.Now(),
	}

	s := q.shardFor(toDID)
	s.mu.Lock()
	fifo := s.queues[toDID]
	if len(fifo) >= q.maxPerDID {
		q.logger.Warn("offline queue full, evicting oldest",
			"to_did", toDID,
			"queue_size", len(fifo),
		)
		fifo = fifo[1:]
	}
	s.queues[toDID] = append(fifo, msg)
	s.mu.Unlock()

	q.logger.Debug("queued offline message", "to_did", toDID, "from_did", fromDID)
	return msg
}

// Drain removes and returns all non-expired messages for the DID in
// insertion order. Delivery is at-least-once: once drained, the store
// forgets them.
func (q *Queue) Drain(did string) []protocol.OfflineMessage {
	s := q.shardFor(did)
	s.mu.Lock()
	fifo, ok := s.queues[did]
	if ok {
		delete(s.queues, did)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	now := time.Now()
	live := fifo[:0]
	for _, msg := range fifo {
		if now.Sub(msg.QueuedAt) < q.ttl {
			live = append(live, msg)
		}
	}
	return live
}

// Size returns the number of stored messages across all recipients.
func (q *Queue) Size() int {
	total := 0
	for _, s := range q.shards {
		s.mu.Lock()
		for _, fifo := range s.queues {
			total += len(fifo)
		}
		s.mu.Unlock()
	}
	return total
}

// Sweep evicts expired messages and returns how many were removed. Each
// recipient is handled in its own short critical section so live routing is
// never blocked behind a full-table scan.
func (q *Queue) Sweep(now time.Time) int {
	removed := 0
	for _, s := range q.shards {
		s.mu.Lock()
		dids := make([]string, 0, len(s.queues))
		for did := range s.queues {
			dids = append(dids, did)
		}
		s.mu.Unlock()

		for _, did := range dids {
			s.mu.Lock()
			fifo, ok := s.queues[did]
			if !ok {
				s.mu.Unlock()
				continue
			}
			live := fifo[:0]
			for _, msg := range fifo {
				if now.Sub(msg.QueuedAt) < q.ttl {
					live = append(live, msg)
				}
			}
			removed += len(fifo) - len(live)
			if len(live) == 0 {
				delete(s.queues, did)
			} else {
				s.queues[did] = live
			}
			s.mu.Unlock()
		}
	}

	if removed > 0 {
		q.logger.Debug("swept expired offline messages", "count", removed)
	}
	return removed
}
