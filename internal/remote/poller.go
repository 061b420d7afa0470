package remote

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tablecrew/vitalsync/internal/vitality"
)

// SnapshotPoller pulls the authoritative state table on a jittered timer and
// feeds it to the reconciled view. It only runs while the client is actually
// being observed; going inactive parks the loop, and reactivation fires one
// immediate fetch before the timer resumes.
type SnapshotPoller struct {
	fetcher  StateFetcher
	view     *vitality.View
	interval time.Duration
	jitter   time.Duration
	logger   Logger

	mu       sync.Mutex
	active   bool
	awakened chan struct{}

	seq     atomic.Uint64
	applied atomic.Uint64
	skipped atomic.Uint64
	stale   atomic.Uint64
}

type SnapshotPollerOptions struct {
	Fetcher  StateFetcher
	View     *vitality.View
	Interval time.Duration
	Jitter   time.Duration
	// StartActive makes the poller begin polling without waiting for the
	// first activity report.
	StartActive bool
	Logger      Logger
}

func NewSnapshotPoller(opts SnapshotPollerOptions) (*SnapshotPoller, error) {
	if opts.Fetcher == nil || opts.View == nil {
		return nil, vitality.ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = vitality.SnapshotInterval
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = 0
	}
	p := &SnapshotPoller{
		fetcher:  opts.Fetcher,
		view:     opts.View,
		interval: interval,
		jitter:   jitter,
		logger:   opts.Logger,
		active:   opts.StartActive,
		awakened: make(chan struct{}, 1),
	}
	// A view restored from a state backend carries the sequence of its last
	// accepted snapshot. The counter must resume past it, or every fresh poll
	// would be rejected as stale until it caught up.
	p.seq.Store(opts.View.AppliedSeq())
	return p, nil
}

// SetActive reports whether the client is being observed (visible and
// focused). Flipping inactive to active wakes the loop for an immediate
// fetch.
func (p *SnapshotPoller) SetActive(active bool) {
	p.mu.Lock()
	wake := active && !p.active
	p.active = active
	p.mu.Unlock()
	if wake {
		select {
		case p.awakened <- struct{}{}:
		default:
		}
	}
}

// Active reports the current gate state.
func (p *SnapshotPoller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Run drives the poll loop until ctx ends. Fetch failures are skipped
// silently; the next scheduled tick is the retry.
func (p *SnapshotPoller) Run(ctx context.Context) {
	for {
		if !p.Active() {
			select {
			case <-ctx.Done():
				return
			case <-p.awakened:
				// Reactivation fires an immediate fetch.
			}
		}
		p.pollOnce(ctx)

		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.awakened:
			timer.Stop()
			continue
		case <-timer.C:
		}
	}
}

// PollOnce performs one fetch-and-apply cycle out of band, for callers that
// want a snapshot now rather than at the next tick.
func (p *SnapshotPoller) PollOnce(ctx context.Context) error {
	return p.pollOnce(ctx)
}

func (p *SnapshotPoller) pollOnce(ctx context.Context) error {
	seq := p.seq.Add(1)
	rows, err := p.fetcher.FetchState(ctx)
	if err != nil {
		p.skipped.Add(1)
		if p.logger != nil {
			p.logger.Printf("state poll skipped: %v", err)
		}
		return err
	}
	if err := p.view.ApplySnapshot(seq, rows); err != nil {
		if errors.Is(err, vitality.ErrStaleSnapshot) {
			p.stale.Add(1)
			return err
		}
		return err
	}
	p.applied.Add(1)
	return nil
}

// nextDelay re-rolls the jitter every cycle so many independent clients
// polling the same endpoint drift apart instead of bursting together.
func (p *SnapshotPoller) nextDelay() time.Duration {
	if p.jitter <= 0 {
		return p.interval
	}
	return p.interval + time.Duration(rand.Int63n(int64(p.jitter)))
}

// Stats reports lifetime cycle counters.
func (p *SnapshotPoller) Stats() (applied, skipped, stale uint64) {
	return p.applied.Load(), p.skipped.Load(), p.stale.Load()
}

// SessionPoller re-reads the session candidate source on its own timer and
// feeds each batch to the arbiter.
type SessionPoller struct {
	source   CandidateSource
	arbiter  *vitality.SessionArbiter
	interval time.Duration
	logger   Logger
}

type SessionPollerOptions struct {
	Source   CandidateSource
	Arbiter  *vitality.SessionArbiter
	Interval time.Duration
	Logger   Logger
}

func NewSessionPoller(opts SessionPollerOptions) (*SessionPoller, error) {
	if opts.Source == nil || opts.Arbiter == nil {
		return nil, vitality.ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = vitality.SessionInterval
	}
	return &SessionPoller{
		source:   opts.Source,
		arbiter:  opts.Arbiter,
		interval: interval,
		logger:   opts.Logger,
	}, nil
}

func (p *SessionPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// PollOnce fetches candidates and updates the arbiter once.
func (p *SessionPoller) PollOnce(ctx context.Context) {
	p.pollOnce(ctx)
}

func (p *SessionPoller) pollOnce(ctx context.Context) {
	candidates, err := p.source.FetchCandidates(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("session candidate poll skipped: %v", err)
		}
		return
	}
	p.arbiter.Update(candidates)
}
