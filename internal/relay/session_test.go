// ABOUTME: End-to-end tests for the session handler over fake connections
// ABOUTME: Walks connect, login, initial state push, message loop errors, and teardown

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsValidate(t *testing.T) {
	_, err := Params{Role: "host"}.Validate()
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = Params{Identity: "h1"}.Validate()
	assert.ErrorIs(t, err, ErrMissingRole)

	_, err = Params{Identity: "h1", Role: "owner"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRole)

	role, err := Params{Identity: "g1", Role: "guest"}.Validate()
	require.NoError(t, err)
	assert.Equal(t, RoleGuest, role)
}

func TestServe_RejectsMissingParams(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()

	err := h.handler.Serve(h.ctx, conn, Params{Role: "guest"})
	assert.ErrorIs(t, err, ErrMissingIdentity)
	assert.True(t, conn.closed)
	assert.Equal(t, ClosePolicyViolation, conn.closeCode)
	assert.Equal(t, 0, h.registry.Count())
}

func TestServe_HostLoginSequence(t *testing.T) {
	h := newHarness(t)

	// first connection claims the identity
	conn, errCh := h.connect("h1", RoleHost, "P")
	evs := conn.events()
	require.Len(t, evs, 2)
	assert.Equal(t, EventOfflineMessages, evs[0].EventType(), "offline messages come first")
	assert.Equal(t, EventPermissionsList, evs[1].EventType())
	assert.Empty(t, evs[0].(OfflineMessages).Messages)
	h.disconnect(conn, errCh)

	// same password works again
	conn, errCh = h.connect("h1", RoleHost, "P")
	h.disconnect(conn, errCh)

	// a different password is refused
	bad := newFakeConn()
	err := h.handler.Serve(h.ctx, bad, Params{Identity: "h1", Role: "host", Password: "Q"})
	assert.ErrorIs(t, err, ErrLoginFailed)

	evs = bad.events()
	require.Len(t, evs, 1)
	fail, ok := evs[0].(LoginFail)
	require.True(t, ok)
	assert.Equal(t, LoginFailReason, fail.Reason)
	assert.True(t, bad.closed)
	assert.Equal(t, ClosePolicyViolation, bad.closeCode)
	assert.False(t, h.registry.IsOnline(RoleHost, "h1"), "a refused host is never registered")
}

func TestServe_HostLoginStoreFailureIsNotLoginFail(t *testing.T) {
	h := newHarness(t)
	storeErr := errors.New("store unavailable")
	h.kv.SetError(storeErr)

	conn := newFakeConn()
	err := h.handler.Serve(h.ctx, conn, Params{Identity: "h1", Role: "host", Password: "P"})
	assert.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, ErrLoginFailed)

	assert.Empty(t, conn.eventsOfType(EventLoginFail), "a store failure is not a wrong password")
	require.Len(t, conn.eventsOfType(EventError), 1)
	assert.True(t, conn.closed)
	assert.Equal(t, CloseInternalError, conn.closeCode)
	assert.Equal(t, AuthUnavailableReason, conn.closeReason)
	assert.False(t, h.registry.IsOnline(RoleHost, "h1"))
}

func TestServe_TeardownUnregisters(t *testing.T) {
	h := newHarness(t)

	conn, errCh := h.connect("g1", RoleGuest, "")
	assert.True(t, h.registry.IsOnline(RoleGuest, "g1"))

	h.disconnect(conn, errCh)
	assert.False(t, h.registry.IsOnline(RoleGuest, "g1"))
}

func TestServe_ContextCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)

	conn := newFakeConn()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.handler.Serve(ctx, conn, Params{Identity: "g1", Role: "guest"})
	}()
	require.Eventually(t, func() bool { return h.registry.IsOnline(RoleGuest, "g1") }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session ignored cancellation")
	}
	assert.False(t, h.registry.IsOnline(RoleGuest, "g1"))
}

func TestServe_MalformedFrameReportsErrorAndContinues(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, NewWorkflow(h.kv, newHostLocks(), discardLogger()).Allow(context.Background(), "h1", "g1", ""))

	host, _ := h.connect("h1", RoleHost, "P")
	guest, _ := h.connect("g1", RoleGuest, "")

	guest.push(`{not json`)
	guest.waitFor(t, EventError, 1)
	errEv := guest.lastOfType(t, EventError).(ErrorEvent)
	assert.Equal(t, ErrorMessage, errEv.Message)

	// session still alive
	guest.push(`{"type":"message","to":"h1","from":"Ann","content":"still here","time":"t","guestId":"g1"}`)
	host.waitFor(t, EventMessage, 1)
	assert.JSONEq(t, `"still here"`, string(host.lastOfType(t, EventMessage).(Message).Content))
}

func TestServe_UnknownTypeIgnoredSilently(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, NewWorkflow(h.kv, newHostLocks(), discardLogger()).Allow(context.Background(), "h1", "g1", ""))

	host, _ := h.connect("h1", RoleHost, "P")
	guest, _ := h.connect("g1", RoleGuest, "")

	guest.push(`{"type":"typing","to":"h1","guestId":"g1"}`)
	guest.push(`{"type":"allowGuest","guestId":"g1"}`)
	guest.push(`{"type":"message","to":"h1","content":"after","time":"t","guestId":"g1"}`)

	host.waitFor(t, EventMessage, 1)
	assert.Empty(t, guest.eventsOfType(EventError))
}

func TestServe_StoreFailureReportsError(t *testing.T) {
	h := newHarness(t)
	guest, _ := h.connect("g1", RoleGuest, "")

	h.kv.SetError(errors.New("store unavailable"))
	guest.push(`{"type":"verifyRequest","to":"h1","from":"Ann","guestId":"g1"}`)

	guest.waitFor(t, EventError, 1)
	assert.True(t, h.registry.IsOnline(RoleGuest, "g1"), "store failures never end the session")
}

// Scenario: g1 asks to join h1, h1 approves, g1 is told and h1 sees the new lists.
func TestScenario_VerifyThenAllow(t *testing.T) {
	h := newHarness(t)

	host, _ := h.connect("h1", RoleHost, "P")
	guest, _ := h.connect("g1", RoleGuest, "")

	guest.push(`{"type":"verifyRequest","to":"h1","from":"Ann","content":"hi","time":"t","guestId":"g1"}`)
	host.waitFor(t, EventPermissionsList, 2)
	perms := host.lastOfType(t, EventPermissionsList).(PermissionsList)
	assert.Equal(t, []GuestRecord{{ID: "g1", Nickname: "Ann"}}, perms.Pending)
	assert.Empty(t, perms.Allowed)

	host.push(`{"type":"allowGuest","guestId":"g1"}`)
	guest.waitFor(t, EventVerifyPass, 1)
	host.waitFor(t, EventPermissionsList, 3)
	perms = host.lastOfType(t, EventPermissionsList).(PermissionsList)
	assert.Equal(t, []GuestRecord{{ID: "g1", Nickname: "Ann"}}, perms.Allowed)
	assert.Empty(t, perms.Pending)

	// once allowed, messages flow live
	guest.push(`{"type":"message","to":"h1","from":"Ann","content":"thanks","time":"t2","guestId":"g1"}`)
	host.waitFor(t, EventMessage, 1)
	msg := host.lastOfType(t, EventMessage).(Message)
	assert.Equal(t, "Ann", msg.From)
	assert.JSONEq(t, `"thanks"`, string(msg.Content))
	assert.JSONEq(t, `"t2"`, string(msg.Time))

	// and the host can answer
	host.push(`{"type":"message","to":"g1","content":"welcome"}`)
	guest.waitFor(t, EventMessage, 1)
	assert.Equal(t, HostSender, guest.lastOfType(t, EventMessage).(Message).From)
}

// Scenario: h1 is away, an allowed guest writes, h1 gets it on next login and the queue empties.
func TestScenario_OfflineDelivery(t *testing.T) {
	h := newHarness(t)
	h.seedAllowed("h1", GuestRecord{ID: "g1", Nickname: "Ann"})

	guest, _ := h.connect("g1", RoleGuest, "")
	guest.push(`{"type":"message","to":"h1","from":"Ann","content":"hi","time":"t1","guestId":"g1"}`)

	require.Eventually(t, func() bool { return len(h.queued("h1")) == 1 }, 2*time.Second, 5*time.Millisecond)

	host, errCh := h.connect("h1", RoleHost, "P")
	offline := host.eventsOfType(EventOfflineMessages)
	require.Len(t, offline, 1)
	msgs := offline[0].(OfflineMessages).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ann", msgs[0].From)
	assert.JSONEq(t, `"hi"`, string(msgs[0].Content))
	assert.Equal(t, json.RawMessage(`"t1"`), msgs[0].Time)

	assert.Empty(t, h.queued("h1"), "queue is cleared by the drain")

	h.disconnect(host, errCh)
	host, _ = h.connect("h1", RoleHost, "P")
	assert.Empty(t, host.eventsOfType(EventOfflineMessages)[0].(OfflineMessages).Messages, "nothing is delivered twice")
}

func TestScenario_PendingListSurvivesHostReconnect(t *testing.T) {
	h := newHarness(t)
	h.seedPending("h1", GuestRecord{ID: "g7", Nickname: "Sev"})

	host, _ := h.connect("h1", RoleHost, "P")
	perms := host.lastOfType(t, EventPermissionsList).(PermissionsList)
	assert.Equal(t, []GuestRecord{{ID: "g7", Nickname: "Sev"}}, perms.Pending)
}

func TestPushInitialState_StoreFailureReportsErrors(t *testing.T) {
	h := newHarness(t)
	h.kv.SetError(errors.New("store unavailable"))

	conn := newFakeConn()
	sess := NewSession("h1", RoleHost, conn)
	h.handler.pushInitialState(context.Background(), sess, discardLogger())

	assert.Len(t, conn.eventsOfType(EventError), 2)
	assert.Empty(t, conn.eventsOfType(EventOfflineMessages))
	assert.Empty(t, conn.eventsOfType(EventPermissionsList))
}

func TestServe_DisplacedSessionCloseKeepsNewSession(t *testing.T) {
	h := newHarness(t)

	old, oldErr := h.connect("g1", RoleGuest, "")
	fresh, _ := h.connect("g1", RoleGuest, "")

	h.disconnect(old, oldErr)

	s, ok := h.registry.Lookup(RoleGuest, "g1")
	require.True(t, ok)
	assert.Same(t, fresh, s.Conn)
}
