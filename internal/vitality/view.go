package vitality

import (
	"context"
	"sort"
	"sync"
)

// View owns the reconciliation merge: it combines the latest polled snapshot
// with the pending-write ledger into the one value a surface renders. The
// surface only ever reads View output; it never sees raw poller rows.
type View struct {
	mu         sync.Mutex
	ledger     *Ledger
	polled     map[string]VitalityState
	appliedSeq uint64
	defaultMax int
	watchers   map[chan struct{}]struct{}
	logger     Logger
}

type ViewOptions struct {
	Ledger     *Ledger
	DefaultMax int
	Logger     Logger
}

func NewView(opts ViewOptions) *View {
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewLedger(PendingTTL)
	}
	defaultMax := opts.DefaultMax
	if defaultMax <= 0 {
		defaultMax = DefaultMax
	}
	return &View{
		ledger:     ledger,
		polled:     map[string]VitalityState{},
		defaultMax: defaultMax,
		watchers:   map[chan struct{}]struct{}{},
		logger:     opts.Logger,
	}
}

func (v *View) Ledger() *Ledger {
	return v.ledger
}

// Display resolves one entity: live pending entry first, then the last
// polled row, then the never-seen default. O(1) per lookup.
func (v *View) Display(entityID string) DisplayState {
	id := CanonicalID(entityID)
	if pending, ok := v.ledger.Get(id); ok {
		return DisplayState{
			EntityID:     id,
			CurrentValue: pending.ExpectedCurrent,
			MaxValue:     pending.ExpectedMax,
			Pending:      true,
		}
	}
	v.mu.Lock()
	row, ok := v.polled[id]
	v.mu.Unlock()
	if ok {
		return DisplayState{
			EntityID:     id,
			CurrentValue: row.CurrentValue,
			MaxValue:     row.MaxValue,
		}
	}
	return DisplayState{
		EntityID:     id,
		CurrentValue: v.defaultMax,
		MaxValue:     v.defaultMax,
	}
}

// DisplayAll returns the merged state for every entity the view knows about,
// in entity order.
func (v *View) DisplayAll() []DisplayState {
	ids := map[string]struct{}{}
	v.mu.Lock()
	for id := range v.polled {
		ids[id] = struct{}{}
	}
	v.mu.Unlock()
	for _, pending := range v.ledger.Snapshot() {
		ids[pending.EntityID] = struct{}{}
	}
	keys := make([]string, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	out := make([]DisplayState, 0, len(keys))
	for _, id := range keys {
		out = append(out, v.Display(id))
	}
	return out
}

// ApplySnapshot installs one full poll cycle. Every row is reconciled
// against the ledger before the replaced snapshot becomes observable, so no
// reader sees a half-updated merge. Snapshots are sequenced: a response from
// an older cycle arriving after a newer one has been applied is rejected
// with ErrStaleSnapshot instead of resurrecting values the newer cycle
// already superseded.
func (v *View) ApplySnapshot(seq uint64, rows []VitalityState) error {
	next := make(map[string]VitalityState, len(rows))
	for _, row := range rows {
		id := CanonicalID(row.EntityID)
		if id == "" || row.MaxValue < 1 {
			continue
		}
		row.EntityID = id
		row.CurrentValue = ClampValue(row.CurrentValue, row.MaxValue)
		next[id] = row
	}

	v.mu.Lock()
	if seq <= v.appliedSeq {
		v.mu.Unlock()
		return ErrStaleSnapshot
	}
	v.appliedSeq = seq
	for _, row := range next {
		v.ledger.ReconcileAgainst(row)
	}
	v.polled = next
	v.notifyLocked()
	v.mu.Unlock()
	return nil
}

// ApplyOptimistic records the expectation for an entity and wakes watchers,
// making the operator's change visible before the remote store confirms it.
func (v *View) ApplyOptimistic(entityID string, expectedCurrent, expectedMax int) {
	v.ledger.Record(entityID, expectedCurrent, expectedMax)
	v.mu.Lock()
	v.notifyLocked()
	v.mu.Unlock()
}

// Rollback clears the pending entry for an entity, restoring whatever the
// last poll reported.
func (v *View) Rollback(entityID string) {
	v.ledger.Clear(entityID)
	v.mu.Lock()
	v.notifyLocked()
	v.mu.Unlock()
}

// Watch returns a channel that receives a signal whenever either merge input
// changes. Signals coalesce; receivers re-read the display on each one. The
// subscription is dropped when ctx ends.
func (v *View) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	v.mu.Lock()
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()
	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.watchers, ch)
		v.mu.Unlock()
	}()
	return ch
}

// AppliedSeq reports the sequence of the last accepted snapshot.
func (v *View) AppliedSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.appliedSeq
}

// ExportState captures ledger, snapshot and sequence for persistence.
func (v *View) ExportState() *PersistedState {
	v.mu.Lock()
	rows := make([]VitalityState, 0, len(v.polled))
	for _, row := range v.polled {
		rows = append(rows, row)
	}
	seq := v.appliedSeq
	v.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })
	return &PersistedState{
		Pending:    v.ledger.Snapshot(),
		Rows:       rows,
		AppliedSeq: seq,
	}
}

// RestoreState reloads a previously persisted capture. A restarted client
// keeps its unresolved expectations instead of flickering back to a
// pre-write snapshot.
func (v *View) RestoreState(state *PersistedState) {
	if state == nil {
		return
	}
	v.ledger.Restore(state.Pending)
	polled := make(map[string]VitalityState, len(state.Rows))
	for _, row := range state.Rows {
		id := CanonicalID(row.EntityID)
		if id == "" || row.MaxValue < 1 {
			continue
		}
		row.EntityID = id
		row.CurrentValue = ClampValue(row.CurrentValue, row.MaxValue)
		polled[id] = row
	}
	v.mu.Lock()
	v.polled = polled
	v.appliedSeq = state.AppliedSeq
	v.notifyLocked()
	v.mu.Unlock()
}

func (v *View) notifyLocked() {
	for ch := range v.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
