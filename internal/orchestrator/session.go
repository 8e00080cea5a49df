package orchestrator

import (
	"sync"
	"time"
)

// session pins a profile and proxy to a logical multi-step flow. Bindings
// mutate only under the session's own mutex, which serializes concurrent
// plans for the same key.
type session struct {
	mu sync.Mutex

	key        string
	profileID  string
	proxyID    string
	lastActive time.Time
	closed     bool
}

// leaseTable tracks which owner (a session, or a one-shot plan handle)
// currently holds each profile. It is what keeps two concurrently-active
// flows from ever presenting the same identity at the same time.
type leaseTable struct {
	mu        sync.Mutex
	byProfile map[string]string
	byOwner   map[string]string
}

func newLeaseTable() *leaseTable {
	return &leaseTable{
		byProfile: make(map[string]string),
		byOwner:   make(map[string]string),
	}
}

// lease grants the profile to the owner. Granting an owner its own existing
// lease is idempotent; a profile held by someone else is refused.
func (l *leaseTable) lease(profileID, owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, held := l.byProfile[profileID]; held {
		return holder == owner
	}
	if prev, ok := l.byOwner[owner]; ok {
		delete(l.byProfile, prev)
	}
	l.byProfile[profileID] = owner
	l.byOwner[owner] = profileID
	return true
}

// releaseOwner frees whatever profile the owner holds.
func (l *leaseTable) releaseOwner(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	profileID, ok := l.byOwner[owner]
	if !ok {
		return
	}
	delete(l.byOwner, owner)
	delete(l.byProfile, profileID)
}

// heldByOthers returns the profiles leased to anyone but the given owner,
// in the shape the registry's Select exclusion set expects.
func (l *leaseTable) heldByOthers(owner string) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]struct{}, len(l.byProfile))
	for profileID, holder := range l.byProfile {
		if holder != owner {
			out[profileID] = struct{}{}
		}
	}
	return out
}
