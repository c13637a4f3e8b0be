package auth

import (
	"sync"
	"time"
)

const DefaultIdleTimeout = 10 * time.Minute

// IdleTracker signs sessions out after a period without activity. A token
// stays cryptographically valid until it expires, so the tracker is what
// ends a session early: on logout (Revoke) or after the idle timeout.
//
// Sessions are keyed by token ID. A token the tracker has never seen is
// accepted and starts its idle clock, so a restarted server does not log
// everyone out.
type IdleTracker struct {
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	revoked  map[string]time.Time
}

func NewIdleTracker(timeout time.Duration) *IdleTracker {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &IdleTracker{
		timeout:  timeout,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		revoked:  make(map[string]time.Time),
	}
}

// Touch records activity for the token and reports whether the session is
// still alive. An idle or revoked session returns false and stays dead.
func (t *IdleTracker) Touch(tokenID string) bool {
	if tokenID == "" {
		return false
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dead := t.revoked[tokenID]; dead {
		return false
	}
	if last, ok := t.lastSeen[tokenID]; ok && now.Sub(last) > t.timeout {
		delete(t.lastSeen, tokenID)
		t.revoked[tokenID] = now
		return false
	}
	t.lastSeen[tokenID] = now
	return true
}

// Revoke ends the session immediately.
func (t *IdleTracker) Revoke(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, tokenID)
	t.revoked[tokenID] = t.now()
}

// Sweep forgets revoked tokens older than maxAge and idle entries past the
// timeout. Tokens older than the token TTL cannot be presented again, so
// maxAge is the TTL.
func (t *IdleTracker) Sweep(maxAge time.Duration) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, last := range t.lastSeen {
		if now.Sub(last) > t.timeout {
			delete(t.lastSeen, id)
			t.revoked[id] = now
		}
	}
	for id, at := range t.revoked {
		if now.Sub(at) > maxAge {
			delete(t.revoked, id)
		}
	}
}
