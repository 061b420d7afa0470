package vitality

import (
	"context"
	"sync/atomic"
)

// RemoteWriter issues one fire-and-forget mutation write to the remote
// store. Idempotency and value derivation are the store's concern.
type RemoteWriter interface {
	SubmitDelta(ctx context.Context, req DeltaRequest) error
}

// BatchResult reports the outcome of one submission batch. Failures maps
// each failed entity to the error that rolled it back.
type BatchResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// Submitter applies a signed delta to a batch of entities: optimistic ledger
// update first, then the remote write, with per-target rollback on failure.
// One target failing never blocks or reverts the others.
type Submitter struct {
	view     *View
	writer   RemoteWriter
	sessions *SessionArbiter
	logger   Logger

	inFlight       atomic.Bool
	totalSucceeded atomic.Uint64
	totalFailed    atomic.Uint64
}

type SubmitterOptions struct {
	View     *View
	Writer   RemoteWriter
	Sessions *SessionArbiter
	Logger   Logger
}

func NewSubmitter(opts SubmitterOptions) (*Submitter, error) {
	if opts.View == nil || opts.Writer == nil || opts.Sessions == nil {
		return nil, ErrInvalidInput
	}
	return &Submitter{
		view:     opts.View,
		writer:   opts.Writer,
		sessions: opts.Sessions,
		logger:   opts.Logger,
	}, nil
}

// Apply runs one batch. Guard failures (no active session, empty target set,
// zero delta, another batch in flight) reject the whole batch before any
// side effect. Targets are then processed independently and sequentially:
// read display, clamp, record expectation, issue the write; a failed write
// clears that target's pending entry so its display falls back to the last
// polled value.
func (s *Submitter) Apply(ctx context.Context, targets []string, delta int, note string) (BatchResult, error) {
	session, ok := s.sessions.Current()
	if !ok {
		return BatchResult{}, ErrNoActiveSession
	}
	if delta == 0 {
		return BatchResult{}, ErrZeroDelta
	}
	ids := dedupeCanonical(targets)
	if len(ids) == 0 {
		return BatchResult{}, ErrEmptyTargets
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return BatchResult{}, ErrBatchInFlight
	}
	defer s.inFlight.Store(false)

	result := BatchResult{}
	for _, id := range ids {
		before := s.view.Display(id)
		after := ClampValue(before.CurrentValue+delta, before.MaxValue)
		s.view.ApplyOptimistic(id, after, before.MaxValue)

		err := s.writer.SubmitDelta(ctx, DeltaRequest{
			EntityID:     id,
			Delta:        delta,
			Note:         note,
			SessionToken: session.Token,
		})
		if err != nil {
			s.view.Rollback(id)
			result.Failed++
			s.totalFailed.Add(1)
			if result.Failures == nil {
				result.Failures = map[string]string{}
			}
			result.Failures[id] = err.Error()
			if s.logger != nil {
				s.logger.Printf("delta write failed for %s: %v", id, err)
			}
			continue
		}
		result.Succeeded++
		s.totalSucceeded.Add(1)
	}
	return result, nil
}

// InFlight reports whether a batch is currently being processed.
func (s *Submitter) InFlight() bool {
	return s.inFlight.Load()
}

// Totals returns lifetime success and failure counts.
func (s *Submitter) Totals() (succeeded, failed uint64) {
	return s.totalSucceeded.Load(), s.totalFailed.Load()
}

func dedupeCanonical(targets []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(targets))
	for _, raw := range targets {
		id := CanonicalID(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
