package vitality

import (
	"sort"
	"sync"
	"time"
)

// Ledger holds the pending-write map: for each entity, the value the local
// operator expects the remote store to report once their last write has
// landed. The ledger is the only component that mutates these entries.
type Ledger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]PendingWrite
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = PendingTTL
	}
	return &Ledger{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]PendingWrite{},
	}
}

// Record inserts or overwrites the pending entry for an entity with a fresh
// timestamp. A second mutation before the first resolves overwrites the
// expectation: the newest intent wins.
func (l *Ledger) Record(entityID string, expectedCurrent, expectedMax int) {
	entityID = CanonicalID(entityID)
	if entityID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entityID] = PendingWrite{
		EntityID:        entityID,
		ExpectedCurrent: expectedCurrent,
		ExpectedMax:     expectedMax,
		CreatedAt:       l.now(),
	}
}

// ReconcileAgainst processes one polled row. The pending entry is removed
// when the store has caught up (current matches the expectation) or when the
// entry has outlived its TTL, whichever comes first. TTL expiry removes the
// entry even without a match so a silently failed remote write cannot pin a
// stale override forever.
func (l *Ledger) ReconcileAgainst(row VitalityState) {
	id := CanonicalID(row.EntityID)
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pending, ok := l.entries[id]
	if !ok {
		return
	}
	if row.CurrentValue == pending.ExpectedCurrent || l.expiredLocked(pending) {
		delete(l.entries, id)
	}
}

// Clear drops the pending entry immediately. Used by the submission pipeline
// to roll back when a remote write is known to have failed.
func (l *Ledger) Clear(entityID string) {
	id := CanonicalID(entityID)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

// Get returns the live pending entry for an entity. Expired entries are
// reported as absent and dropped.
func (l *Ledger) Get(entityID string) (PendingWrite, bool) {
	id := CanonicalID(entityID)
	l.mu.Lock()
	defer l.mu.Unlock()
	pending, ok := l.entries[id]
	if !ok {
		return PendingWrite{}, false
	}
	if l.expiredLocked(pending) {
		delete(l.entries, id)
		return PendingWrite{}, false
	}
	return pending, true
}

func (l *Ledger) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns all entries, expired ones included, in entity order.
// Persistence uses it to carry unresolved expectations across a restart.
func (l *Ledger) Snapshot() []PendingWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingWrite, 0, len(l.entries))
	for _, pending := range l.entries {
		out = append(out, pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Restore replaces the ledger contents with previously persisted entries.
func (l *Ledger) Restore(entries []PendingWrite) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]PendingWrite, len(entries))
	for _, pending := range entries {
		id := CanonicalID(pending.EntityID)
		if id == "" {
			continue
		}
		pending.EntityID = id
		l.entries[id] = pending
	}
}

// SetNow overrides the ledger clock. Tests control time through this instead
// of sleeping against the TTL.
func (l *Ledger) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) expiredLocked(pending PendingWrite) bool {
	return l.now().Sub(pending.CreatedAt) > l.ttl
}
