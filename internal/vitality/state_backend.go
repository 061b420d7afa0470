package vitality

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PersistedState is the durable capture of one client's reconciliation
// state: unresolved expectations, the last accepted snapshot and its
// sequence number.
type PersistedState struct {
	Pending    []PendingWrite  `json:"pending"`
	Rows       []VitalityState `json:"rows"`
	AppliedSeq uint64          `json:"appliedSeq"`
	SavedAt    string          `json:"savedAt,omitempty"`
}

// StateBackend persists a client's reconciliation state across restarts.
// Load returns nil when nothing has been saved yet.
type StateBackend interface {
	Load() (*PersistedState, error)
	Save(state *PersistedState) error
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *PersistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*PersistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *PersistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func (b *InMemoryStateBackend) Close() error {
	return nil
}

type FileStateBackend struct {
	mu   sync.Mutex
	path string
}

func NewFileStateBackend(path string) (*FileStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileStateBackend{path: path}, nil
}

func (b *FileStateBackend) Load() (*PersistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *FileStateBackend) Save(state *PersistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *FileStateBackend) Close() error {
	return nil
}

func cloneState(state *PersistedState) (*PersistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone PersistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
