// ABOUTME: Tests for trust-on-first-use host authentication
// ABOUTME: Covers first registration, matching and mismatching logins, empty passwords, and bcrypt mode

package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func newTestAuthenticator(hash bool) (*Authenticator, *store.MemoryStore) {
	kv := store.NewMemoryStore()
	return NewAuthenticator(kv, newHostLocks(), hash, discardLogger()), kv
}

func storedCredential(t *testing.T, kv store.KV, hostID string) (string, bool) {
	t.Helper()
	var stored string
	found, err := store.GetJSON(context.Background(), kv, store.NamespaceHostPasswords, hostID, &stored)
	require.NoError(t, err)
	return stored, found
}

func TestAuthenticate_TrustOnFirstUse(t *testing.T) {
	a, kv := newTestAuthenticator(false)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "h1", "P"))

	stored, found := storedCredential(t, kv, "h1")
	require.True(t, found)
	assert.Equal(t, "P", stored, "credential is stored verbatim")

	assert.NoError(t, a.Authenticate(ctx, "h1", "P"), "same password accepted again")
	assert.ErrorIs(t, a.Authenticate(ctx, "h1", "Q"), ErrLoginFailed)
	assert.ErrorIs(t, a.Authenticate(ctx, "h1", "p"), ErrLoginFailed, "comparison is exact")

	stored, _ = storedCredential(t, kv, "h1")
	assert.Equal(t, "P", stored, "mismatch never reassigns the credential")
}

func TestAuthenticate_EmptyPasswordNeverPersisted(t *testing.T) {
	a, kv := newTestAuthenticator(false)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "h1", ""))

	_, found := storedCredential(t, kv, "h1")
	assert.False(t, found, "an empty password must not become the stored credential")

	// the first real password still claims the identity
	require.NoError(t, a.Authenticate(ctx, "h1", "P"))
	assert.ErrorIs(t, a.Authenticate(ctx, "h1", "Q"), ErrLoginFailed)
}

func TestAuthenticate_EmptyPasswordRejectedOnceClaimed(t *testing.T) {
	a, _ := newTestAuthenticator(false)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "h1", "P"))
	assert.ErrorIs(t, a.Authenticate(ctx, "h1", ""), ErrLoginFailed)
}

func TestAuthenticate_HostsAreIndependent(t *testing.T) {
	a, _ := newTestAuthenticator(false)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "h1", "one"))
	require.NoError(t, a.Authenticate(ctx, "h2", "two"))
	assert.ErrorIs(t, a.Authenticate(ctx, "h2", "one"), ErrLoginFailed)
}

func TestAuthenticate_BcryptMode(t *testing.T) {
	a, kv := newTestAuthenticator(true)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "h1", "P"))

	stored, found := storedCredential(t, kv, "h1")
	require.True(t, found)
	assert.NotEqual(t, "P", stored)
	assert.True(t, strings.HasPrefix(stored, "$2"), "expected a bcrypt hash, got %q", stored)

	assert.NoError(t, a.Authenticate(ctx, "h1", "P"))
	assert.ErrorIs(t, a.Authenticate(ctx, "h1", "Q"), ErrLoginFailed)
}

func TestAuthenticate_VerbatimCredentialStillWorksWithHashingEnabled(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, NewAuthenticator(kv, newHostLocks(), false, discardLogger()).Authenticate(ctx, "h1", "P"))

	hashed := NewAuthenticator(kv, newHostLocks(), true, discardLogger())
	assert.NoError(t, hashed.Authenticate(ctx, "h1", "P"))
	assert.ErrorIs(t, hashed.Authenticate(ctx, "h1", "Q"), ErrLoginFailed)
}

func TestAuthenticate_StoreFailure(t *testing.T) {
	a, kv := newTestAuthenticator(false)
	kv.SetError(errors.New("store unavailable"))

	err := a.Authenticate(context.Background(), "h1", "P")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLoginFailed), "store failures are not login failures")
}
