// ABOUTME: Message router deciding live delivery, offline queuing, or verification per event
// ABOUTME: Dispatches closed guest and host event variants with a type switch

package relay

import (
	"context"
	"fmt"
	"log/slog"
)

// Router dispatches decoded events.
type Router struct {
	registry       *Registry
	workflow       *Workflow
	queue          *OfflineQueue
	guestBroadcast bool
	logger         *slog.Logger
}

// NewRouter creates a Router. With guestBroadcast false, a host broadcast
// only reaches guests on that host's allowed list.
func NewRouter(registry *Registry, workflow *Workflow, queue *OfflineQueue, guestBroadcast bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:       registry,
		workflow:       workflow,
		queue:          queue,
		guestBroadcast: guestBroadcast,
		logger:         logger.With("component", "router"),
	}
}

// RouteGuest handles one event from a guest session.
func (r *Router) RouteGuest(ctx context.Context, from *Session, ev GuestEvent) error {
	switch e := ev.(type) {
	case GuestMessage:
		return r.guestMessage(ctx, e)
	case VerifyRequest:
		return r.verifyRequest(ctx, e)
	case nil:
		return nil
	default:
		return fmt.Errorf("unhandled guest event %T", ev)
	}
}

// RouteHost handles one event from a host session.
func (r *Router) RouteHost(ctx context.Context, from *Session, ev HostEvent) error {
	switch e := ev.(type) {
	case AllowGuest:
		if err := r.workflow.Allow(ctx, from.Identity, e.GuestID, e.Nickname); err != nil {
			return err
		}
		r.notifyGuest(ctx, e.GuestID, newVerifyPass())
		return r.pushPermissions(ctx, from)
	case RejectGuest:
		if err := r.workflow.Reject(ctx, from.Identity, e.GuestID); err != nil {
			return err
		}
		r.notifyGuest(ctx, e.GuestID, newVerifyReject())
		return r.pushPermissions(ctx, from)
	case RemoveGuest:
		if err := r.workflow.Remove(ctx, from.Identity, e.GuestID); err != nil {
			return err
		}
		return r.pushPermissions(ctx, from)
	case HostMessage:
		return r.hostMessage(ctx, from, e)
	case nil:
		return nil
	default:
		return fmt.Errorf("unhandled host event %T", ev)
	}
}

func (r *Router) guestMessage(ctx context.Context, e GuestMessage) error {
	status, err := r.workflow.Status(ctx, e.To, e.GuestID)
	if err != nil {
		return err
	}
	if status != GuestAllowed {
		r.logger.Debug("dropping message from unverified guest", "host_id", e.To, "guest_id", e.GuestID, "status", status)
		return nil
	}

	msg := OfflineMessage{From: e.From, Content: e.Content, Time: e.Time}
	return r.queue.DeliverOrEnqueue(ctx, e.To, msg, func() bool {
		host, ok := r.registry.Lookup(RoleHost, e.To)
		if !ok {
			return false
		}
		if err := host.Conn.Send(ctx, newMessage(e.From, e.Content, e.Time)); err != nil {
			r.logger.Warn("live delivery failed, queueing", "host_id", e.To, "error", err)
			return false
		}
		r.logger.Debug("delivered guest message", "host_id", e.To, "guest_id", e.GuestID)
		return true
	})
}

func (r *Router) verifyRequest(ctx context.Context, e VerifyRequest) error {
	added, perms, err := r.workflow.RequestVerification(ctx, e.To, GuestRecord{ID: e.GuestID, Nickname: e.From})
	if err != nil {
		return err
	}
	if !added {
		r.logger.Debug("verification request ignored", "host_id", e.To, "guest_id", e.GuestID)
		return nil
	}

	if host, ok := r.registry.Lookup(RoleHost, e.To); ok {
		if err := host.Conn.Send(ctx, newPermissionsList(perms)); err != nil {
			r.logger.Warn("failed to push permissions to host", "host_id", e.To, "error", err)
		}
	}
	return nil
}

func (r *Router) hostMessage(ctx context.Context, from *Session, e HostMessage) error {
	msg := newMessage(HostSender, e.Content, e.Time)

	if e.To != "" {
		guest, ok := r.registry.Lookup(RoleGuest, e.To)
		if !ok {
			r.logger.Debug("dropping reply to offline guest", "host_id", from.Identity, "guest_id", e.To)
			return nil
		}
		if err := guest.Conn.Send(ctx, msg); err != nil {
			r.logger.Warn("failed to deliver reply", "guest_id", e.To, "error", err)
		}
		return nil
	}

	guests := r.registry.Sessions(RoleGuest)
	if !r.guestBroadcast {
		perms, err := r.workflow.Permissions(ctx, from.Identity)
		if err != nil {
			return err
		}
		guests = filterAllowed(guests, perms)
	}

	for _, g := range guests {
		if err := g.Conn.Send(ctx, msg); err != nil {
			r.logger.Warn("failed to deliver broadcast", "guest_id", g.Identity, "error", err)
		}
	}
	r.logger.Debug("host broadcast", "host_id", from.Identity, "recipients", len(guests))
	return nil
}

func (r *Router) notifyGuest(ctx context.Context, guestID string, ev Event) {
	guest, ok := r.registry.Lookup(RoleGuest, guestID)
	if !ok {
		return
	}
	if err := guest.Conn.Send(ctx, ev); err != nil {
		r.logger.Warn("failed to notify guest", "guest_id", guestID, "event", ev.EventType(), "error", err)
	}
}

// pushPermissions re-reads the host's lists and sends them to the host.
func (r *Router) pushPermissions(ctx context.Context, host *Session) error {
	perms, err := r.workflow.Permissions(ctx, host.Identity)
	if err != nil {
		return err
	}
	return host.Conn.Send(ctx, newPermissionsList(perms))
}

func filterAllowed(guests []*Session, perms Permissions) []*Session {
	out := make([]*Session, 0, len(guests))
	for _, g := range guests {
		if perms.Status(g.Identity) == GuestAllowed {
			out = append(out, g)
		}
	}
	return out
}
