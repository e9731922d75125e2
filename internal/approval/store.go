package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/stormguard/stormguard/internal/model"
)

// Sentinel errors returned to callers synchronously; none of them affect
// run state.
var (
	// ErrConflict: a run already has a pending request for another stage.
	ErrConflict = errors.New("run already has a pending approval request")
	// ErrAlreadyDecided: a conflicting decision on a resolved request.
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrNotFound       = errors.New("approval request not found")
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Outcome is a human decision on a pending request.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Request is one approval request and its state. The only entity a human
// actor mutates (status, decided_by, note, decided_at).
type Request struct {
	ID            string               `json:"id"`
	RunID         string               `json:"run_id"`
	Stage         model.Stage          `json:"stage"`
	Proposed      model.ProposedAction `json:"proposed_action"`
	Justification string               `json:"justification"`
	Status        Status               `json:"status"`
	DecidedBy     string               `json:"decided_by,omitempty"`
	Note          string               `json:"note,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	DecidedAt     *time.Time           `json:"decided_at,omitempty"`
}

// RequestID derives the stable request identifier for a run and stage.
func RequestID(runID string, stage model.Stage) string {
	return runID + "." + string(stage)
}

// Store manages approval request files on disk. Requests must survive
// process restarts: a run can stay suspended for hours while a human
// decides.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "stormguard-approvals")
	}
	return filepath.Join(home, ".stormguard", "approvals")
}

// Create records a pending request for a run and stage. Re-creating the
// same run+stage request returns the existing one unchanged (safe against
// crash replay). A pending request for a different stage of the same run
// fails with ErrConflict: at most one approval may be in flight per run.
func (s *Store) Create(runID string, stage model.Stage, action model.ProposedAction, justification string) (*Request, error) {
	id := RequestID(runID, stage)
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("invalid request id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.read(id); err == nil {
		return existing, nil
	}

	pending, err := s.pendingForRunLocked(runID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: %s pending for stage %s", ErrConflict, pending.ID, pending.Stage)
	}

	r := Request{
		ID:            id,
		RunID:         runID,
		Stage:         stage,
		Proposed:      action,
		Justification: justification,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.writeAtomic(s.path(id), r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Decide resolves a pending request. Idempotent-safe: repeating an identical
// decision is a no-op (changed=false, nil error); a conflicting decision on
// a resolved request fails with ErrAlreadyDecided.
func (s *Store) Decide(id string, outcome Outcome, decidedBy, note string) (changed bool, err error) {
	if !validID.MatchString(id) {
		return false, fmt.Errorf("invalid request id %q", id)
	}
	var target Status
	switch outcome {
	case OutcomeApproved:
		target = StatusApproved
	case OutcomeRejected:
		target = StatusRejected
	default:
		return false, fmt.Errorf("invalid outcome %q", outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(id)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if r.Status != StatusPending {
		if r.Status == target {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, r.Status)
	}

	r.Status = target
	r.DecidedBy = decidedBy
	r.Note = note
	now := time.Now().UTC()
	r.DecidedAt = &now

	if err := s.writeAtomic(s.path(id), *r); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a request by id.
func (s *Store) Get(id string) (*Request, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("invalid request id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// PendingForRun returns the run's pending request, or nil.
func (s *Store) PendingForRun(runID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingForRunLocked(runID)
}

// List returns all requests in the store.
func (s *Store) List() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// ListPending returns all pending requests.
func (s *Store) ListPending() ([]Request, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var pending []Request
	for _, r := range all {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// ExpireStale rejects pending requests older than maxAge. maxAge <= 0
// disables expiry. Returns the expired requests so the caller can fail the
// suspended runs and audit the rejection.
func (s *Store) ExpireStale(maxAge time.Duration) ([]Request, error) {
	if maxAge <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listLocked()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var expired []Request
	for _, r := range all {
		if r.Status != StatusPending || !r.CreatedAt.Before(cutoff) {
			continue
		}
		r.Status = StatusRejected
		r.DecidedBy = "system"
		r.Note = fmt.Sprintf("auto-rejected: pending longer than %s", maxAge)
		now := time.Now().UTC()
		r.DecidedAt = &now
		if err := s.writeAtomic(s.path(r.ID), r); err != nil {
			return expired, err
		}
		expired = append(expired, r)
	}
	return expired, nil
}

func (s *Store) pendingForRunLocked(runID string) (*Request, error) {
	all, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].RunID == runID && all[i].Status == StatusPending {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (s *Store) listLocked() ([]Request, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var requests []Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		r, err := s.read(id)
		if err != nil {
			continue
		}
		requests = append(requests, *r)
	}
	return requests, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Request, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}

	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) writeAtomic(path string, r Request) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
