// ABOUTME: KV interface and namespaces for coven-relay persistence
// ABOUTME: Defines the namespaced get/put/delete/take contract and JSON helpers

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/config"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownNamespace is returned for a namespace outside the fixed set
var ErrUnknownNamespace = errors.New("unknown namespace")

// Namespace partitions the key space. Every namespace is keyed by host identity.
type Namespace string

const (
	NamespaceOfflineMessages Namespace = "offline_messages" // []OfflineMessage per host
	NamespaceHostPasswords   Namespace = "host_passwords"   // credential string per host
	NamespaceAllowedGuests   Namespace = "allowed_guests"   // []GuestRecord per host
	NamespacePendingGuests   Namespace = "pending_guests"   // []GuestRecord per host
)

// Namespaces lists every namespace the store accepts.
var Namespaces = []Namespace{
	NamespaceOfflineMessages,
	NamespaceHostPasswords,
	NamespaceAllowedGuests,
	NamespacePendingGuests,
}

// Valid reports whether ns is one of the fixed namespaces.
func (ns Namespace) Valid() bool {
	for _, n := range Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// KV is the persistence contract the relay core depends on.
// Values are opaque JSON documents.
type KV interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	// Put creates or replaces the value.
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
	// Delete removes the value. Deleting an absent key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error
	// Take atomically reads and removes the value, or returns ErrNotFound.
	Take(ctx context.Context, ns Namespace, key string) ([]byte, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store
	Close() error
}

// GetJSON decodes the value under key into v.
// Returns false with a nil error when the key is absent.
func GetJSON(ctx context.Context, kv KV, ns Namespace, key string, v any) (bool, error) {
	data, err := kv.Get(ctx, ns, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", ns, key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, kv KV, ns Namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", ns, key, err)
	}
	return kv.Put(ctx, ns, key, data)
}

// TakeJSON atomically removes the value under key and decodes it into v.
// Returns false with a nil error when the key is absent.
func TakeJSON(ctx context.Context, kv KV, ns Namespace, key string, v any) (bool, error) {
	data, err := kv.Take(ctx, ns, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", ns, key, err)
	}
	return true, nil
}

// Open creates the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (KV, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := NewSQLiteStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := OpenPostgresStore(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func checkNamespace(ns Namespace) error {
	if !ns.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return nil
}
