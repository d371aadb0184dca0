package experiments

import "errors"

// Engine and store errors. Callers match with errors.Is; the engine never
// swallows or downgrades them.
var (
	// ErrNotFound indicates no experiment exists with the given id.
	ErrNotFound = errors.New("experiment not found")

	// ErrConflict indicates an active experiment already exists for the
	// (subject, kind) pair.
	ErrConflict = errors.New("active experiment already exists for subject")

	// ErrConcurrentModification indicates a lost race on a transition. The
	// caller may re-read and retry.
	ErrConcurrentModification = errors.New("experiment modified concurrently")

	// ErrImmutableState indicates a write to a terminal experiment or to a
	// write-once field that is already set.
	ErrImmutableState = errors.New("experiment state is immutable")

	// ErrRollbackUnavailable indicates the experiment has no rollback action
	// and none was supplied.
	ErrRollbackUnavailable = errors.New("no rollback action available")

	// ErrInvalidTransition indicates the operation's precondition status does
	// not hold.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Executor errors, returned by ActionExecutor implementations.
var (
	// ErrRejected indicates the marketplace refused the action on business
	// grounds (for example a price below the allowed minimum). Terminal for
	// the attempted transition; never retried automatically.
	ErrRejected = errors.New("action rejected by marketplace")

	// ErrTransient indicates a network or rate-limit failure. State is left
	// unchanged so an operator or scheduler retry is safe.
	ErrTransient = errors.New("transient marketplace failure")
)

// Snapshot provider errors.
var (
	// ErrUnavailable indicates a transient metric API failure.
	ErrUnavailable = errors.New("metric snapshot unavailable")

	// ErrSubjectNotFound indicates the subject no longer exists on the
	// marketplace.
	ErrSubjectNotFound = errors.New("subject not found")
)
