package vitality

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestView() *View {
	return NewView(ViewOptions{})
}

func TestDisplayPrecedence(t *testing.T) {
	view := newTestView()

	// Never seen: fixed default.
	d := view.Display("GHOST")
	if d.CurrentValue != DefaultMax || d.MaxValue != DefaultMax || d.Pending {
		t.Fatalf("unexpected default display: %+v", d)
	}

	if err := view.ApplySnapshot(1, []VitalityState{{EntityID: "E", CurrentValue: 12, MaxValue: 20}}); err != nil {
		t.Fatalf("apply snapshot failed: %v", err)
	}
	d = view.Display("E")
	if d.CurrentValue != 12 || d.MaxValue != 20 || d.Pending {
		t.Fatalf("expected polled value, got %+v", d)
	}

	view.ApplyOptimistic("E", 9, 20)
	d = view.Display("E")
	if d.CurrentValue != 9 || !d.Pending {
		t.Fatalf("expected pending override, got %+v", d)
	}

	view.Rollback("E")
	d = view.Display("E")
	if d.CurrentValue != 12 || d.Pending {
		t.Fatalf("expected rollback to restore polled value, got %+v", d)
	}
}

func TestApplySnapshotResolvesPendingBeforePublishing(t *testing.T) {
	view := newTestView()
	view.ApplyOptimistic("E", 10, 20)

	if err := view.ApplySnapshot(1, []VitalityState{{EntityID: "E", CurrentValue: 10, MaxValue: 20}}); err != nil {
		t.Fatalf("apply snapshot failed: %v", err)
	}
	d := view.Display("E")
	if d.Pending {
		t.Fatalf("expected pending entry resolved by matching poll, got %+v", d)
	}
	if d.CurrentValue != 10 {
		t.Fatalf("expected polled value 10, got %d", d.CurrentValue)
	}
}

func TestApplySnapshotRejectsStaleSequence(t *testing.T) {
	view := newTestView()

	// Cycle K+1 lands first.
	if err := view.ApplySnapshot(2, []VitalityState{{EntityID: "E", CurrentValue: 16, MaxValue: 20}}); err != nil {
		t.Fatalf("apply newer snapshot failed: %v", err)
	}
	// Cycle K's slow response arrives afterwards and must be dropped.
	err := view.ApplySnapshot(1, []VitalityState{{EntityID: "E", CurrentValue: 14, MaxValue: 20}})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if d := view.Display("E"); d.CurrentValue != 16 {
		t.Fatalf("expected newer value 16 to survive, got %d", d.CurrentValue)
	}
	if view.AppliedSeq() != 2 {
		t.Fatalf("expected applied seq 2, got %d", view.AppliedSeq())
	}
}

func TestApplySnapshotClampsAndCanonicalizes(t *testing.T) {
	view := newTestView()
	rows := []VitalityState{
		{EntityID: " e-1 ", CurrentValue: 99, MaxValue: 20},
		{EntityID: "E2", CurrentValue: -3, MaxValue: 20},
		{EntityID: "", CurrentValue: 5, MaxValue: 20},
		{EntityID: "E3", CurrentValue: 5, MaxValue: 0},
	}
	if err := view.ApplySnapshot(1, rows); err != nil {
		t.Fatalf("apply snapshot failed: %v", err)
	}
	if d := view.Display("E1"); d.CurrentValue != 20 {
		t.Fatalf("expected clamp to max, got %d", d.CurrentValue)
	}
	if d := view.Display("E2"); d.CurrentValue != 0 {
		t.Fatalf("expected clamp to zero, got %d", d.CurrentValue)
	}
	// A row with an unusable max is dropped, not invented.
	if d := view.Display("E3"); d.MaxValue != DefaultMax {
		t.Fatalf("expected E3 to fall back to default, got %+v", d)
	}
}

func TestWatchSignalsOnEitherInputChange(t *testing.T) {
	view := newTestView()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := view.Watch(ctx)

	drain := func() bool {
		select {
		case <-changes:
			return true
		case <-time.After(time.Second):
			return false
		}
	}

	view.ApplyOptimistic("E", 5, 20)
	if !drain() {
		t.Fatalf("expected a signal after optimistic apply")
	}
	if err := view.ApplySnapshot(1, []VitalityState{{EntityID: "E", CurrentValue: 5, MaxValue: 20}}); err != nil {
		t.Fatalf("apply snapshot failed: %v", err)
	}
	if !drain() {
		t.Fatalf("expected a signal after snapshot apply")
	}
}

func TestExportRestoreStateRoundTrip(t *testing.T) {
	view := newTestView()
	if err := view.ApplySnapshot(7, []VitalityState{{EntityID: "E", CurrentValue: 12, MaxValue: 20}}); err != nil {
		t.Fatalf("apply snapshot failed: %v", err)
	}
	view.ApplyOptimistic("F", 4, 10)

	state := view.ExportState()
	if state.AppliedSeq != 7 || len(state.Rows) != 1 || len(state.Pending) != 1 {
		t.Fatalf("unexpected exported state: %+v", state)
	}

	restored := newTestView()
	restored.RestoreState(state)
	if restored.AppliedSeq() != 7 {
		t.Fatalf("expected restored seq 7, got %d", restored.AppliedSeq())
	}
	if d := restored.Display("E"); d.CurrentValue != 12 {
		t.Fatalf("expected restored polled row, got %+v", d)
	}
	if d := restored.Display("F"); !d.Pending || d.CurrentValue != 4 {
		t.Fatalf("expected restored pending override, got %+v", d)
	}

	// A restart must not reopen the door to pre-restart stale responses.
	err := restored.ApplySnapshot(3, []VitalityState{{EntityID: "E", CurrentValue: 1, MaxValue: 20}})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected stale rejection after restore, got %v", err)
	}
}

func TestDisplayAllMergesPolledAndPending(t *testing.T) {
	view := newTestView()
	if err := view.ApplySnapshot(1, []VitalityState{
		{EntityID: "B", CurrentValue: 2, MaxValue: 20},
		{EntityID: "A", CurrentValue: 1, MaxValue: 20},
	}); err != nil {
		t.Fatalf("apply snapshot failed: %v", err)
	}
	view.ApplyOptimistic("C", 9, 10)

	rows := view.DisplayAll()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].EntityID != "A" || rows[1].EntityID != "B" || rows[2].EntityID != "C" {
		t.Fatalf("expected sorted ids, got %+v", rows)
	}
	if !rows[2].Pending {
		t.Fatalf("expected C to be pending")
	}
}
