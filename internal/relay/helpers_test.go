// ABOUTME: Shared test fixtures for the relay package
// ABOUTME: Provides an in-memory fake Conn and a harness wiring the core to a MemoryStore

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

// fakeConn records sent events and feeds queued inbound frames.
type fakeConn struct {
	mu          sync.Mutex
	sent        []Event
	sendErr     error
	closed      bool
	closeCode   int
	closeReason string

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.hangup()
	return nil
}

// hangup simulates the peer going away.
func (c *fakeConn) hangup() {
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) eventsOfType(typ string) []Event {
	var out []Event
	for _, ev := range c.events() {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) lastOfType(t *testing.T, typ string) Event {
	t.Helper()
	evs := c.eventsOfType(typ)
	require.NotEmpty(t, evs, "no %s event sent", typ)
	return evs[len(evs)-1]
}

// waitFor blocks until the connection has sent n events of the given type.
func (c *fakeConn) waitFor(t *testing.T, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.eventsOfType(typ)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s event(s)", n, typ)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a Handler to a MemoryStore and runs sessions in goroutines.
type harness struct {
	t        *testing.T
	kv       *store.MemoryStore
	registry *Registry
	handler  *Handler
	ctx      context.Context
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithOptions(t, Options{GuestBroadcast: true})
}

func newHarnessWithOptions(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	kv := store.NewMemoryStore()
	registry := NewRegistry(discardLogger())
	return &harness{
		t:        t,
		kv:       kv,
		registry: registry,
		handler:  NewHandler(kv, registry, opts, discardLogger()),
		ctx:      ctx,
	}
}

// connect starts a session and returns once it is registered.
func (h *harness) connect(identity string, role Role, password string) (*fakeConn, <-chan error) {
	h.t.Helper()
	conn := newFakeConn()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.handler.Serve(h.ctx, conn, Params{Identity: identity, Role: string(role), Password: password})
	}()
	h.t.Cleanup(conn.hangup)

	require.Eventually(h.t, func() bool {
		s, ok := h.registry.Lookup(role, identity)
		return ok && s.Conn == conn
	}, 2*time.Second, 5*time.Millisecond, "session %s/%s never registered", role, identity)

	if role == RoleHost {
		conn.waitFor(h.t, EventPermissionsList, 1)
	}
	return conn, errCh
}

// disconnect hangs up and waits for the session to return.
func (h *harness) disconnect(conn *fakeConn, errCh <-chan error) {
	h.t.Helper()
	conn.hangup()
	select {
	case err := <-errCh:
		require.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not end after hangup")
	}
}

func (h *harness) permissions(hostID string) Permissions {
	h.t.Helper()
	p, err := NewWorkflow(h.kv, newHostLocks(), discardLogger()).Permissions(context.Background(), hostID)
	require.NoError(h.t, err)
	return p
}

func (h *harness) queued(hostID string) []OfflineMessage {
	h.t.Helper()
	var msgs []OfflineMessage
	_, err := store.GetJSON(context.Background(), h.kv, store.NamespaceOfflineMessages, hostID, &msgs)
	require.NoError(h.t, err)
	return msgs
}

func (h *harness) seedAllowed(hostID string, records ...GuestRecord) {
	h.t.Helper()
	require.NoError(h.t, store.PutJSON(context.Background(), h.kv, store.NamespaceAllowedGuests, hostID, records))
}

func (h *harness) seedPending(hostID string, records ...GuestRecord) {
	h.t.Helper()
	require.NoError(h.t, store.PutJSON(context.Background(), h.kv, store.NamespacePendingGuests, hostID, records))
}

var errSendFailed = errors.New("send failed")
