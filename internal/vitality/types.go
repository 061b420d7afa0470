package vitality

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNoActiveSession = errors.New("no active session")
	ErrEmptyTargets    = errors.New("no targets selected")
	ErrZeroDelta       = errors.New("delta must be a non-zero integer")
	ErrBatchInFlight   = errors.New("a batch is already in flight")
	ErrStaleSnapshot   = errors.New("stale snapshot")
)

const (
	// DefaultMax is assumed for entities never reported by the remote store.
	DefaultMax = 20

	// PendingTTL bounds how long an unconfirmed optimistic write may shadow
	// the polled value before the store is trusted again.
	PendingTTL = 90 * time.Second

	SnapshotInterval = 15 * time.Second
	SnapshotJitter   = 4 * time.Second
	SessionInterval  = 10 * time.Second
)

// VitalityState is one authoritative row from the remote store.
type VitalityState struct {
	EntityID     string `json:"entityId"`
	MaxValue     int    `json:"maxValue"`
	CurrentValue int    `json:"currentValue"`
}

// PendingWrite records the value an operator expects the store to report
// once the write they issued has propagated.
type PendingWrite struct {
	EntityID        string    `json:"entityId"`
	ExpectedCurrent int       `json:"expectedCurrent"`
	ExpectedMax     int       `json:"expectedMax"`
	CreatedAt       time.Time `json:"createdAt"`
}

// DisplayState is the value a surface renders. Pending reports whether an
// unresolved optimistic write is shadowing the polled value.
type DisplayState struct {
	EntityID     string `json:"entityId"`
	CurrentValue int    `json:"currentValue"`
	MaxValue     int    `json:"maxValue"`
	Pending      bool   `json:"pending"`
}

// SessionCandidate is one row from the session roster source.
type SessionCandidate struct {
	ScopeKey     string `json:"scopeKey"`
	Status       string `json:"status"`
	SessionToken string `json:"sessionToken"`
}

const StatusActive = "ACTIVE"

// ActiveSession identifies the scope that outgoing writes are tagged with.
type ActiveSession struct {
	ScopeKey string `json:"scopeKey"`
	Token    string `json:"sessionToken"`
}

// DeltaRequest is the payload of one remote mutation write. It carries the
// signed delta, never the computed result: the store derives the new value.
type DeltaRequest struct {
	EntityID     string `json:"entityId"`
	Delta        int    `json:"delta"`
	Note         string `json:"note,omitempty"`
	SessionToken string `json:"sessionToken"`
}

// Logger is the minimal logging surface the core accepts. A nil Logger
// silences the component.
type Logger interface {
	Printf(format string, args ...any)
}

// ClampValue confines v to [0, max].
func ClampValue(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
