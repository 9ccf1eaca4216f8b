// ABOUTME: Trust-on-first-use host authentication against the credential namespace
// ABOUTME: Stores the first non-empty password and requires an exact match afterwards

package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-relay/internal/store"
)

// ErrLoginFailed is returned when a host's password does not match the stored one.
var ErrLoginFailed = errors.New("login failed")

// Authenticator verifies host passwords.
type Authenticator struct {
	kv     store.KV
	locks  *hostLocks
	hash   bool
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. With hash set, new credentials
// are stored as bcrypt hashes.
func NewAuthenticator(kv store.KV, locks *hostLocks, hash bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		kv:     kv,
		locks:  locks,
		hash:   hash,
		logger: logger.With("component", "auth"),
	}
}

// Authenticate checks password for hostID. With no stored credential the
// password is persisted (unless empty) and the host is accepted.
func (a *Authenticator) Authenticate(ctx context.Context, hostID, password string) error {
	unlock := a.locks.lock(hostID)
	defer unlock()

	var stored string
	found, err := store.GetJSON(ctx, a.kv, store.NamespaceHostPasswords, hostID, &stored)
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}

	if !found || stored == "" {
		if password == "" {
			a.logger.Debug("host connected without password, nothing to register", "host_id", hostID)
			return nil
		}
		value := password
		if a.hash {
			h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing credential: %w", err)
			}
			value = string(h)
		}
		if err := store.PutJSON(ctx, a.kv, store.NamespaceHostPasswords, hostID, value); err != nil {
			return fmt.Errorf("saving credential: %w", err)
		}
		a.logger.Info("registered host credential", "host_id", hostID, "hashed", a.hash)
		return nil
	}

	if !credentialMatches(stored, password) {
		a.logger.Warn("host password mismatch", "host_id", hostID)
		return ErrLoginFailed
	}
	return nil
}

// credentialMatches compares against a bcrypt hash or a verbatim password,
// whichever form the stored value has.
func credentialMatches(stored, password string) bool {
	if password == "" {
		return false
	}
	if _, err := bcrypt.Cost([]byte(stored)); err == nil {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}
