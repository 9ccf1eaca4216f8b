// ABOUTME: Guest verification workflow over a host's allowed and pending lists
// ABOUTME: Moves guests between unknown, pending, allowed, and rejected under the host lock

package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/store"
)

// GuestStatus is where a guest stands with one host.
type GuestStatus int

const (
	GuestUnknown GuestStatus = iota
	GuestPending
	GuestAllowed
)

func (s GuestStatus) String() string {
	switch s {
	case GuestPending:
		return "pending"
	case GuestAllowed:
		return "allowed"
	default:
		return "unknown"
	}
}

// Permissions is a snapshot of one host's lists.
type Permissions struct {
	Allowed []GuestRecord
	Pending []GuestRecord
}

// Status returns the guest's standing according to the snapshot.
func (p Permissions) Status(guestID string) GuestStatus {
	if indexOf(p.Allowed, guestID) >= 0 {
		return GuestAllowed
	}
	if indexOf(p.Pending, guestID) >= 0 {
		return GuestPending
	}
	return GuestUnknown
}

// Workflow persists verification decisions.
type Workflow struct {
	kv     store.KV
	locks  *hostLocks
	logger *slog.Logger
}

// NewWorkflow creates a Workflow.
func NewWorkflow(kv store.KV, locks *hostLocks, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		kv:     kv,
		locks:  locks,
		logger: logger.With("component", "verification"),
	}
}

// Permissions reads the host's current lists.
func (w *Workflow) Permissions(ctx context.Context, hostID string) (Permissions, error) {
	unlock := w.locks.lock(hostID)
	defer unlock()
	return w.load(ctx, hostID)
}

// Status reads the guest's standing with the host.
func (w *Workflow) Status(ctx context.Context, hostID, guestID string) (GuestStatus, error) {
	p, err := w.Permissions(ctx, hostID)
	if err != nil {
		return GuestUnknown, err
	}
	return p.Status(guestID), nil
}

// RequestVerification adds the guest to the pending list unless it is
// already pending or allowed. It reports whether the list changed and
// returns the resulting lists.
func (w *Workflow) RequestVerification(ctx context.Context, hostID string, guest GuestRecord) (bool, Permissions, error) {
	unlock := w.locks.lock(hostID)
	defer unlock()

	p, err := w.load(ctx, hostID)
	if err != nil {
		return false, p, err
	}
	if p.Status(guest.ID) != GuestUnknown {
		return false, p, nil
	}

	p.Pending = append(p.Pending, guest)
	if err := store.PutJSON(ctx, w.kv, store.NamespacePendingGuests, hostID, p.Pending); err != nil {
		return false, p, fmt.Errorf("saving pending guests: %w", err)
	}

	w.logger.Info("guest awaiting verification", "host_id", hostID, "guest_id", guest.ID, "pending", len(p.Pending))
	return true, p, nil
}

// Allow moves the guest to the allowed list. Allowing a guest twice does not
// duplicate it; a non-empty nickname replaces the stored one. An empty
// nickname falls back to the one recorded in the pending list.
func (w *Workflow) Allow(ctx context.Context, hostID, guestID, nickname string) error {
	unlock := w.locks.lock(hostID)
	defer unlock()

	p, err := w.load(ctx, hostID)
	if err != nil {
		return err
	}

	if nickname == "" {
		if i := indexOf(p.Pending, guestID); i >= 0 {
			nickname = p.Pending[i].Nickname
		}
	}

	if i := indexOf(p.Allowed, guestID); i >= 0 {
		if nickname != "" {
			p.Allowed[i].Nickname = nickname
		}
	} else {
		p.Allowed = append(p.Allowed, GuestRecord{ID: guestID, Nickname: nickname})
	}
	p.Pending = without(p.Pending, guestID)

	if err := store.PutJSON(ctx, w.kv, store.NamespaceAllowedGuests, hostID, p.Allowed); err != nil {
		return fmt.Errorf("saving allowed guests: %w", err)
	}
	if err := store.PutJSON(ctx, w.kv, store.NamespacePendingGuests, hostID, p.Pending); err != nil {
		return fmt.Errorf("saving pending guests: %w", err)
	}

	w.logger.Info("guest allowed", "host_id", hostID, "guest_id", guestID)
	return nil
}

// Reject removes the guest from the pending list. The allowed list is untouched.
func (w *Workflow) Reject(ctx context.Context, hostID, guestID string) error {
	unlock := w.locks.lock(hostID)
	defer unlock()

	p, err := w.load(ctx, hostID)
	if err != nil {
		return err
	}

	if err := store.PutJSON(ctx, w.kv, store.NamespacePendingGuests, hostID, without(p.Pending, guestID)); err != nil {
		return fmt.Errorf("saving pending guests: %w", err)
	}

	w.logger.Info("guest rejected", "host_id", hostID, "guest_id", guestID)
	return nil
}

// Remove drops the guest from the allowed list. The pending list is untouched.
func (w *Workflow) Remove(ctx context.Context, hostID, guestID string) error {
	unlock := w.locks.lock(hostID)
	defer unlock()

	p, err := w.load(ctx, hostID)
	if err != nil {
		return err
	}

	if err := store.PutJSON(ctx, w.kv, store.NamespaceAllowedGuests, hostID, without(p.Allowed, guestID)); err != nil {
		return fmt.Errorf("saving allowed guests: %w", err)
	}

	w.logger.Info("guest removed", "host_id", hostID, "guest_id", guestID)
	return nil
}

// load reads both lists. Callers hold the host lock.
func (w *Workflow) load(ctx context.Context, hostID string) (Permissions, error) {
	p := Permissions{Allowed: []GuestRecord{}, Pending: []GuestRecord{}}

	if _, err := store.GetJSON(ctx, w.kv, store.NamespaceAllowedGuests, hostID, &p.Allowed); err != nil {
		return p, fmt.Errorf("loading allowed guests: %w", err)
	}
	if _, err := store.GetJSON(ctx, w.kv, store.NamespacePendingGuests, hostID, &p.Pending); err != nil {
		return p, fmt.Errorf("loading pending guests: %w", err)
	}
	p.Allowed = nonNil(p.Allowed)
	p.Pending = nonNil(p.Pending)
	return p, nil
}

func indexOf(records []GuestRecord, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func without(records []GuestRecord, id string) []GuestRecord {
	out := make([]GuestRecord, 0, len(records))
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}
