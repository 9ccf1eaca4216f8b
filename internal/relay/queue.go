// ABOUTME: Per-host offline queue of guest messages held while the host is away
// ABOUTME: Appends under the host lock and drains with an atomic take

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// OfflineQueue stores messages for absent hosts.
type OfflineQueue struct {
	kv     store.KV
	locks  *hostLocks
	now    func() time.Time
	logger *slog.Logger
}

// NewOfflineQueue creates an OfflineQueue.
func NewOfflineQueue(kv store.KV, locks *hostLocks, logger *slog.Logger) *OfflineQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineQueue{
		kv:     kv,
		locks:  locks,
		now:    time.Now,
		logger: logger.With("component", "offline_queue"),
	}
}

// Enqueue appends msg to the host's queue. A message without a timestamp is
// stamped with the server time.
func (q *OfflineQueue) Enqueue(ctx context.Context, hostID string, msg OfflineMessage) error {
	return q.DeliverOrEnqueue(ctx, hostID, msg, nil)
}

// DeliverOrEnqueue holds the host lock while deliver runs and queues msg when
// deliver is nil or returns false. Drain takes the same lock, so a host that
// logs in concurrently gets msg either live or in its drained queue.
func (q *OfflineQueue) DeliverOrEnqueue(ctx context.Context, hostID string, msg OfflineMessage, deliver func() bool) error {
	if len(msg.Time) == 0 {
		stamp, err := json.Marshal(q.now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("stamping message: %w", err)
		}
		msg.Time = stamp
	}

	unlock := q.locks.lock(hostID)
	defer unlock()

	if deliver != nil && deliver() {
		return nil
	}

	var msgs []OfflineMessage
	if _, err := store.GetJSON(ctx, q.kv, store.NamespaceOfflineMessages, hostID, &msgs); err != nil {
		return fmt.Errorf("loading offline messages: %w", err)
	}
	msgs = append(msgs, msg)
	if err := store.PutJSON(ctx, q.kv, store.NamespaceOfflineMessages, hostID, msgs); err != nil {
		return fmt.Errorf("saving offline messages: %w", err)
	}

	q.logger.Debug("queued message for offline host", "host_id", hostID, "queued", len(msgs))
	return nil
}

// Drain removes and returns the host's queue. The result is never nil.
func (q *OfflineQueue) Drain(ctx context.Context, hostID string) ([]OfflineMessage, error) {
	unlock := q.locks.lock(hostID)
	defer unlock()

	msgs := []OfflineMessage{}
	if _, err := store.TakeJSON(ctx, q.kv, store.NamespaceOfflineMessages, hostID, &msgs); err != nil {
		return []OfflineMessage{}, fmt.Errorf("draining offline messages: %w", err)
	}
	if msgs == nil {
		msgs = []OfflineMessage{}
	}

	if len(msgs) > 0 {
		q.logger.Info("drained offline messages", "host_id", hostID, "count", len(msgs))
	}
	return msgs, nil
}
