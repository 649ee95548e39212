// Per-session serialization.
//
// Position reservation is a read-then-write sequence (NextTurnPosition
// followed by AppendTurn); two concurrent sends racing through it could
// compute the same position. Mutating operations on a session therefore run
// under a session-scoped mutex, making collisions impossible rather than
// unlikely. Different sessions never contend.
package services

import "sync"

// lockEntry is one session's mutex plus a reference count used to evict the
// entry once no operation holds or awaits it.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks hands out a mutex per session ID on demand and reclaims it
// when the last holder releases it, keeping the map bounded by the number of
// in-flight operations. Safe for concurrent use.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[string]*lockEntry)}
}

// acquire blocks until the session's mutex is held and returns the matching
// release function. Holding the lock across an entire mutating operation
// (including the generation call) is what serializes concurrent Send,
// Regenerate, and SwitchVariant on one session.
func (l *sessionLocks) acquire(sessionID string) (release func()) {
	l.mu.Lock()
	e, ok := l.m[sessionID]
	if !ok {
		e = &lockEntry{}
		l.m[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, sessionID)
		}
		l.mu.Unlock()
	}
}
