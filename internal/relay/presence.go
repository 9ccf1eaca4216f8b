// ABOUTME: Process-wide presence registry mapping identities to live channels
// ABOUTME: One instance is shared by every session; keyed by role and identity

package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one identity bound to one open channel.
type Session struct {
	ID          string
	Identity    string
	Role        Role
	Conn        Conn
	ConnectedAt time.Time
}

// NewSession creates a Session with a fresh connection ID.
func NewSession(identity string, role Role, conn Conn) *Session {
	return &Session{
		ID:          uuid.New().String(),
		Identity:    identity,
		Role:        role,
		Conn:        conn,
		ConnectedAt: time.Now().UTC(),
	}
}

// SessionInfo is the read-only view of a session exposed to operators.
type SessionInfo struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}

type presenceKey struct {
	role     Role
	identity string
}

// Registry tracks live sessions. It holds no durable state.
type Registry struct {
	sessions map[presenceKey]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[presenceKey]*Session),
		logger:   logger.With("component", "presence"),
	}
}

// Register binds the session's identity to it. An existing session for the
// same identity is displaced and returned; it is not notified.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := presenceKey{role: s.Role, identity: s.Identity}
	displaced := r.sessions[key]
	r.sessions[key] = s

	banner := "=== GUEST CONNECTED ==="
	if s.Role == RoleHost {
		banner = "=== HOST CONNECTED ==="
	}
	r.logger.Info(banner,
		"identity", s.Identity,
		"session_id", s.ID,
		"displaced", displaced != nil,
		"total_sessions", len(r.sessions),
	)
	return displaced
}

// Unregister removes the session's entry. An entry that now belongs to a
// newer session for the same identity is left alone.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := presenceKey{role: s.Role, identity: s.Identity}
	current, exists := r.sessions[key]
	if !exists || current != s {
		return
	}
	delete(r.sessions, key)

	banner := "=== GUEST DISCONNECTED ==="
	if s.Role == RoleHost {
		banner = "=== HOST DISCONNECTED ==="
	}
	r.logger.Info(banner,
		"identity", s.Identity,
		"session_id", s.ID,
		"duration", time.Since(s.ConnectedAt).Round(time.Second),
		"total_sessions", len(r.sessions),
	)
}

// Lookup returns the live session for an identity in the given role.
func (r *Registry) Lookup(role Role, identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[presenceKey{role: role, identity: identity}]
	return s, ok
}

// IsOnline reports whether the identity has a live session in the given role.
func (r *Registry) IsOnline(role Role, identity string) bool {
	_, ok := r.Lookup(role, identity)
	return ok
}

// Sessions returns every live session in the given role.
func (r *Registry) Sessions(role Role) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		if key.role == role {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists live sessions ordered by role, then identity.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			ID:          s.ID,
			Identity:    s.Identity,
			Role:        s.Role,
			ConnectedAt: s.ConnectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Role != infos[j].Role {
			return infos[i].Role > infos[j].Role // hosts first
		}
		return infos[i].Identity < infos[j].Identity
	})
	return infos
}
