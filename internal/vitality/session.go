package vitality

import (
	"sort"
	"strings"
	"sync"
)

// SessionArbiter picks the single active session that writes are tagged
// with. Selection is sticky: as long as the previously chosen scope is still
// active it stays selected even when the candidate order changes, so an
// in-progress operation is not disrupted by roster churn.
type SessionArbiter struct {
	mu            sync.Mutex
	current       ActiveSession
	active        bool
	onScopeChange func(previous, next string)
	logger        Logger
}

type SessionArbiterOptions struct {
	// OnScopeChange fires when the selected scope key actually changes
	// (including to or from none). Token refreshes on the same scope do not
	// fire it. Surfaces hook per-scope state resets here: a new scope means
	// a new group of entities, so carrying a selection over would silently
	// target the wrong ones.
	OnScopeChange func(previous, next string)
	Logger        Logger
}

func NewSessionArbiter(opts SessionArbiterOptions) *SessionArbiter {
	return &SessionArbiter{
		onScopeChange: opts.OnScopeChange,
		logger:        opts.Logger,
	}
}

// Update recomputes the selection from a fresh candidate poll and returns
// the result. No candidate active deselects to none.
func (a *SessionArbiter) Update(candidates []SessionCandidate) (ActiveSession, bool) {
	actives := make([]SessionCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if strings.EqualFold(strings.TrimSpace(candidate.Status), StatusActive) {
			candidate.ScopeKey = strings.TrimSpace(candidate.ScopeKey)
			candidate.SessionToken = strings.TrimSpace(candidate.SessionToken)
			if candidate.ScopeKey == "" {
				continue
			}
			actives = append(actives, candidate)
		}
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i].ScopeKey < actives[j].ScopeKey })

	a.mu.Lock()
	previous := ""
	if a.active {
		previous = a.current.ScopeKey
	}

	var next ActiveSession
	selected := false
	if a.active {
		for _, candidate := range actives {
			if candidate.ScopeKey == a.current.ScopeKey {
				next = ActiveSession{ScopeKey: candidate.ScopeKey, Token: candidate.SessionToken}
				selected = true
				break
			}
		}
	}
	if !selected && len(actives) > 0 {
		next = ActiveSession{ScopeKey: actives[0].ScopeKey, Token: actives[0].SessionToken}
		selected = true
	}

	a.current = next
	a.active = selected
	changed := previous != next.ScopeKey
	hook := a.onScopeChange
	a.mu.Unlock()

	if changed {
		if a.logger != nil {
			a.logger.Printf("active session scope changed: %q -> %q", previous, next.ScopeKey)
		}
		if hook != nil {
			hook(previous, next.ScopeKey)
		}
	}
	return next, selected
}

// Current returns the selected session, if any.
func (a *SessionArbiter) Current() (ActiveSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.active
}
