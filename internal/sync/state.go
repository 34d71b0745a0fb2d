package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"
)

// Outcome describes how an engine operation ended
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeNoChanges       Outcome = "no-changes"
	OutcomeCommitFailed    Outcome = "commit-failed"
	OutcomePushed          Outcome = "pushed"
	OutcomePushFailed      Outcome = "push-failed"
	OutcomeRecovered       Outcome = "recovered"
	OutcomeNotAhead        Outcome = "not-ahead"
	OutcomeUpToDate        Outcome = "up-to-date"
	OutcomeMerged          Outcome = "merged"
	OutcomePullFailed      Outcome = "pull-failed"
	OutcomeMergePushFailed Outcome = "merge-push-failed"
)

// Operation names used as keys in State
const (
	OpSync       = "sync"
	OpCheckAhead = "check-ahead"
	OpReconcile  = "reconcile"
)

// State is the last known result of each engine operation
type State struct {
	Operations map[string]OperationStatus `json:"operations"`
	LastPush   *time.Time                 `json:"last_push,omitempty"`
}

// OperationStatus records one operation's most recent run
type OperationStatus struct {
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"` // error detail of the failing command
}

// StatusStore persists State as JSON
type StatusStore struct {
	path string
	mu   stdsync.Mutex
}

// NewStatusStore creates a store backed by path
func NewStatusStore(path string) *StatusStore {
	return &StatusStore{path: path}
}

// Path returns the backing file
func (s *StatusStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty State.
func (s *StatusStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Record stores the outcome of op, updating LastPush when the branch reached the remote
func (s *StatusStore) Record(op string, outcome Outcome, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		// A corrupt file is replaced rather than blocking status updates forever
		state = &State{Operations: make(map[string]OperationStatus)}
	}

	state.Operations[op] = OperationStatus{Outcome: outcome, At: at, Error: detail}
	switch outcome {
	case OutcomePushed, OutcomeRecovered, OutcomeMerged:
		pushed := at
		state.LastPush = &pushed
	}

	return s.save(state)
}

func (s *StatusStore) load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Operations: make(map[string]OperationStatus)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Operations == nil {
		state.Operations = make(map[string]OperationStatus)
	}

	return &state, nil
}

// save writes through a temp file and rename so readers never see a partial file
func (s *StatusStore) save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".gitto-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}
