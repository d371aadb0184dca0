package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps experiments in memory. Used in tests and single-node dev
// runs; the Postgres store is the durable implementation.
type MemoryStore struct {
	mu sync.RWMutex

	experiments map[string]*Experiment

	// active indexes the one allowed active experiment per (subject, kind).
	active map[activeKey]string
}

type activeKey struct {
	subjectRef string
	kind       Kind
}

// NewMemoryStore returns an empty in-memory experiment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*Experiment),
		active:      make(map[activeKey]string),
	}
}

// Create inserts a new experiment, enforcing the single-active invariant
// under the store lock.
func (s *MemoryStore) Create(ctx context.Context, exp *Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment with id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return fmt.Errorf("experiment %s: %w", exp.ID, ErrConflict)
	}

	key := activeKey{subjectRef: exp.SubjectRef, kind: exp.Kind}
	if exp.Status.IsActive() {
		if _, ok := s.active[key]; ok {
			return fmt.Errorf("subject %s kind %s: %w", exp.SubjectRef, exp.Kind, ErrConflict)
		}
	}

	stored := exp.Clone()
	stored.Version = 1
	s.experiments[exp.ID] = stored
	if stored.Status.IsActive() {
		s.active[key] = stored.ID
	}
	exp.Version = stored.Version
	return nil
}

// GetByID returns a copy of the experiment.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return exp.Clone(), nil
}

// GetActiveFor returns the active experiment for (subject, kind).
func (s *MemoryStore) GetActiveFor(ctx context.Context, subjectRef string, kind Kind) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[activeKey{subjectRef: subjectRef, kind: kind}]
	if !ok {
		return nil, fmt.Errorf("subject %s kind %s: %w", subjectRef, kind, ErrNotFound)
	}
	return s.experiments[id].Clone(), nil
}

// ListDue returns Running experiments past their review date with no result.
func (s *MemoryStore) ListDue(ctx context.Context, before time.Time) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Experiment
	for _, exp := range s.experiments {
		if exp.Status != StatusRunning || exp.Result != nil {
			continue
		}
		if exp.ReviewDueAt == nil || exp.ReviewDueAt.After(before) {
			continue
		}
		due = append(due, exp.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReviewDueAt.Before(*due[j].ReviewDueAt) })
	return due, nil
}

// ListIncompleteBaselines returns non-terminal experiments whose baseline
// snapshot is still missing.
func (s *MemoryStore) ListIncompleteBaselines(ctx context.Context) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Experiment
	for _, exp := range s.experiments {
		if exp.BaselineIncomplete && !exp.Status.IsTerminal() {
			out = append(out, exp.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update applies the mutation under the optimistic version check, guarding
// terminal rows, write-once fields, and the single-active index.
func (s *MemoryStore) Update(ctx context.Context, exp *Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment with id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.experiments[exp.ID]
	if !ok {
		return fmt.Errorf("experiment %s: %w", exp.ID, ErrNotFound)
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("experiment %s is %s: %w", exp.ID, stored.Status, ErrImmutableState)
	}
	if stored.Version != exp.Version {
		return fmt.Errorf("experiment %s version %d (stored %d): %w",
			exp.ID, exp.Version, stored.Version, ErrConcurrentModification)
	}
	if err := checkWriteOnce(stored, exp); err != nil {
		return err
	}

	key := activeKey{subjectRef: stored.SubjectRef, kind: stored.Kind}
	if conflictID, ok := s.active[key]; exp.Status.IsActive() && ok && conflictID != exp.ID {
		return fmt.Errorf("subject %s kind %s: %w", exp.SubjectRef, exp.Kind, ErrConflict)
	}

	next := exp.Clone()
	next.ID = stored.ID
	next.Kind = stored.Kind
	next.SubjectRef = stored.SubjectRef
	next.CreatedAt = stored.CreatedAt
	next.Version = stored.Version + 1

	s.experiments[exp.ID] = next
	if next.Status.IsActive() {
		s.active[key] = next.ID
	} else if s.active[key] == next.ID {
		delete(s.active, key)
	}
	exp.Version = next.Version
	return nil
}

// checkWriteOnce rejects rewrites of fields that are immutable once set.
func checkWriteOnce(stored, incoming *Experiment) error {
	if stored.Baseline != nil && !metricsEqual(stored.Baseline, incoming.Baseline) {
		return fmt.Errorf("experiment %s baseline: %w", stored.ID, ErrImmutableState)
	}
	if stored.ReviewDueAt != nil && (incoming.ReviewDueAt == nil || !incoming.ReviewDueAt.Equal(*stored.ReviewDueAt)) {
		return fmt.Errorf("experiment %s review date: %w", stored.ID, ErrImmutableState)
	}
	if stored.Result != nil && !metricsEqual(stored.Result, incoming.Result) {
		return fmt.Errorf("experiment %s result: %w", stored.ID, ErrImmutableState)
	}
	return nil
}

func metricsEqual(a, b Metrics) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// List returns experiments matching the options, newest first.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Experiment
	for _, exp := range s.experiments {
		if opts.Kind != "" && exp.Kind != opts.Kind {
			continue
		}
		if opts.SubjectRef != "" && exp.SubjectRef != opts.SubjectRef {
			continue
		}
		if opts.Status != nil && exp.Status != *opts.Status {
			continue
		}
		if opts.ActiveOnly && !exp.Status.IsActive() {
			continue
		}
		out = append(out, exp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Dump returns all experiments as JSON, for diagnostics.
func (s *MemoryStore) Dump() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		all = append(all, exp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return json.MarshalIndent(all, "", "  ")
}
