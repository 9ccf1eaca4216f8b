// ABOUTME: Per-host keyed mutex serializing read-modify-write on persisted lists
// ABOUTME: Entries are reference counted and dropped when no goroutine holds them

package relay

import "sync"

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// hostLocks hands out one mutex per host identity.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func newHostLocks() *hostLocks {
	return &hostLocks{locks: make(map[string]*keyedLock)}
}

// lock blocks until the host's mutex is held and returns its release func.
func (h *hostLocks) lock(hostID string) func() {
	h.mu.Lock()
	l, ok := h.locks[hostID]
	if !ok {
		l = &keyedLock{}
		h.locks[hostID] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, hostID)
		}
		h.mu.Unlock()
	}
}

// size reports how many hosts currently have a lock entry.
func (h *hostLocks) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}
