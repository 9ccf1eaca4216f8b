// ABOUTME: Session handler driving one channel from connect to teardown
// ABOUTME: Authenticates hosts, pushes initial state, and runs the per-session message loop

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/2389/coven-relay/internal/store"
)

// Connect parameter errors.
var (
	ErrMissingIdentity = errors.New("missing id")
	ErrMissingRole     = errors.New("missing role")
	ErrInvalidRole     = errors.New("invalid role")
)

// Close codes sent when a host cannot log in.
const (
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// AuthUnavailableReason is the close reason when host credentials could not be checked.
const AuthUnavailableReason = "authentication unavailable"

// Conn is one bidirectional channel. Send may be called from any goroutine;
// Receive is only called from the session loop.
type Conn interface {
	// Send writes one event to the peer.
	Send(ctx context.Context, ev Event) error
	// Receive blocks for the next inbound frame. It returns an error once the
	// channel is closed.
	Receive(ctx context.Context) ([]byte, error)
	// Close closes the channel with a close code and reason.
	Close(code int, reason string) error
}

// Params are the connect parameters of a channel.
type Params struct {
	Identity string
	Role     string
	Password string
}

// Validate checks that identity and role are present and the role is known.
func (p Params) Validate() (Role, error) {
	if p.Identity == "" {
		return "", ErrMissingIdentity
	}
	return ParseRole(p.Role)
}

// Options tune a Handler.
type Options struct {
	HashPasswords  bool
	GuestBroadcast bool
}

// Handler runs sessions. One Handler serves every channel in the process.
type Handler struct {
	registry *Registry
	auth     *Authenticator
	workflow *Workflow
	queue    *OfflineQueue
	router   *Router
	logger   *slog.Logger
}

// NewHandler wires the relay core around a shared registry and store.
func NewHandler(kv store.KV, registry *Registry, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	locks := newHostLocks()
	workflow := NewWorkflow(kv, locks, logger)
	queue := NewOfflineQueue(kv, locks, logger)

	return &Handler{
		registry: registry,
		auth:     NewAuthenticator(kv, locks, opts.HashPasswords, logger),
		workflow: workflow,
		queue:    queue,
		router:   NewRouter(registry, workflow, queue, opts.GuestBroadcast, logger),
		logger:   logger.With("component", "session"),
	}
}

// Registry returns the registry sessions are bound in.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Serve drives one channel until it closes or ctx is cancelled.
// It returns nil when the peer goes away normally.
func (h *Handler) Serve(ctx context.Context, conn Conn, p Params) error {
	role, err := p.Validate()
	if err != nil {
		_ = conn.Close(ClosePolicyViolation, err.Error())
		return err
	}

	sess := NewSession(p.Identity, role, conn)
	logger := h.logger.With("identity", sess.Identity, "role", sess.Role, "session_id", sess.ID)

	if role == RoleHost {
		if err := h.auth.Authenticate(ctx, sess.Identity, p.Password); err != nil {
			if !errors.Is(err, ErrLoginFailed) {
				logger.Error("host authentication failed", "error", err)
				_ = conn.Send(ctx, newErrorEvent())
				_ = conn.Close(CloseInternalError, AuthUnavailableReason)
				return fmt.Errorf("authenticating host %s: %w", sess.Identity, err)
			}
			fail := newLoginFail()
			_ = conn.Send(ctx, fail)
			_ = conn.Close(ClosePolicyViolation, fail.Reason)
			return fmt.Errorf("authenticating host %s: %w", sess.Identity, ErrLoginFailed)
		}
	}

	h.registry.Register(sess)
	defer h.registry.Unregister(sess)

	if role == RoleHost {
		h.pushInitialState(ctx, sess, logger)
	}

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("channel closed", "reason", err)
			return nil
		}

		if err := h.handleFrame(ctx, sess, data); err != nil {
			logger.Warn("event failed", "error", err)
			if sendErr := conn.Send(ctx, newErrorEvent()); sendErr != nil {
				logger.Debug("failed to report error to sender", "error", sendErr)
			}
		}
	}
}

// pushInitialState sends the drained offline queue, then the permission lists.
func (h *Handler) pushInitialState(ctx context.Context, sess *Session, logger *slog.Logger) {
	msgs, err := h.queue.Drain(ctx, sess.Identity)
	if err != nil {
		logger.Error("failed to drain offline messages", "error", err)
		_ = sess.Conn.Send(ctx, newErrorEvent())
	} else if err := sess.Conn.Send(ctx, newOfflineMessages(msgs)); err != nil {
		logger.Warn("failed to send offline messages", "error", err, "count", len(msgs))
	}

	perms, err := h.workflow.Permissions(ctx, sess.Identity)
	if err != nil {
		logger.Error("failed to load permissions", "error", err)
		_ = sess.Conn.Send(ctx, newErrorEvent())
		return
	}
	if err := sess.Conn.Send(ctx, newPermissionsList(perms)); err != nil {
		logger.Warn("failed to send permissions", "error", err)
	}
}

// handleFrame decodes and routes one frame. Panics become errors.
func (h *Handler) handleFrame(ctx context.Context, sess *Session, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling event: %v", r)
			h.logger.Error("recovered panic", "identity", sess.Identity, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch sess.Role {
	case RoleGuest:
		ev, err := DecodeGuestEvent(data)
		if err != nil {
			return err
		}
		return h.router.RouteGuest(ctx, sess, ev)
	case RoleHost:
		ev, err := DecodeHostEvent(data)
		if err != nil {
			return err
		}
		return h.router.RouteHost(ctx, sess, ev)
	default:
		return fmt.Errorf("unknown role %q", sess.Role)
	}
}
