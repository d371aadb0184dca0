package experiments

import (
	"context"
	"time"
)

// Store persists experiments. Implementations must enforce, atomically with
// creation, that at most one active experiment exists per (subject, kind) —
// a check-then-insert race between two proposals must be closed inside the
// store, not by callers.
//
// Update is optimistic: the passed experiment carries the version the caller
// read, and the store rejects the write with ErrConcurrentModification when
// the stored version differs. Updates to terminal experiments fail with
// ErrImmutableState, as do attempts to rewrite a captured baseline. On
// success the store increments the experiment's version in place.
type Store interface {
	// Create inserts a new experiment. Returns ErrConflict when an active
	// experiment already exists for the same (subject, kind).
	Create(ctx context.Context, exp *Experiment) error

	// GetByID returns the experiment or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Experiment, error)

	// GetActiveFor returns the active experiment for (subject, kind), or
	// ErrNotFound when none is active.
	GetActiveFor(ctx context.Context, subjectRef string, kind Kind) (*Experiment, error)

	// ListDue returns Running experiments whose review date has elapsed and
	// whose result has not been captured yet. The result-not-set filter is
	// what makes duplicate review sweeps no-ops.
	ListDue(ctx context.Context, before time.Time) ([]*Experiment, error)

	// ListIncompleteBaselines returns non-terminal experiments flagged with
	// an incomplete baseline, for the follow-up snapshot sweep.
	ListIncompleteBaselines(ctx context.Context) ([]*Experiment, error)

	// Update persists mutable fields under the optimistic version check.
	Update(ctx context.Context, exp *Experiment) error

	// List returns experiments matching the options, newest first.
	List(ctx context.Context, opts ListOptions) ([]*Experiment, error)
}

// ListOptions filters List queries.
type ListOptions struct {
	// Kind filters by experiment kind when non-empty.
	Kind Kind

	// SubjectRef filters by subject when non-empty.
	SubjectRef string

	// Status filters by status when non-nil.
	Status *Status

	// ActiveOnly restricts to the active statuses.
	ActiveOnly bool

	// Limit caps the number of rows; zero means no cap.
	Limit int
}

// Closer is implemented by stores that hold external resources.
type Closer interface {
	Close() error
}
