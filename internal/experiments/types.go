// Package experiments implements the experiment lifecycle engine: proposals,
// baseline capture, scheduled review, verdict computation, and rollback for
// pricing, advertising, and content changes.
//
// The engine is passive. Every operation is a short synchronous transaction
// against the store plus at most one marketplace call; entry points are
// invoked by the scheduler or by operator commands and may interleave safely.
package experiments

import (
	"encoding/json"
	"time"
)

// Kind determines which metrics and which action schema apply to an experiment.
type Kind string

const (
	KindPrice       Kind = "price"
	KindAdvertising Kind = "advertising"
	KindContent     Kind = "content"
)

// Valid reports whether the kind is one of the known experiment kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPrice, KindAdvertising, KindContent:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of an experiment.
//
// Transitions:
//
//	Proposed -> PendingBaseline -> Running -> AwaitingReview -> Completed
//	Proposed -> Cancelled
//	PendingBaseline -> Cancelled
//	AwaitingReview -> RolledBack
//	Running -> RolledBack (early abort)
type Status string

const (
	// StatusProposed indicates the experiment was created by the upstream
	// decision-maker and awaits operator approval. No marketplace side
	// effects have happened yet.
	StatusProposed Status = "proposed"

	// StatusPendingBaseline indicates the action executed successfully but
	// the baseline snapshot has not been recorded yet.
	StatusPendingBaseline Status = "pending_baseline"

	// StatusRunning indicates the action is in effect and the baseline is
	// captured (or flagged incomplete). The experiment waits for its review
	// date.
	StatusRunning Status = "running"

	// StatusAwaitingReview indicates the review date elapsed, results and a
	// computed verdict are recorded, and the operator has not yet closed the
	// experiment.
	StatusAwaitingReview Status = "awaiting_review"

	// StatusCompleted is terminal: the operator accepted the outcome and the
	// action stays in effect.
	StatusCompleted Status = "completed"

	// StatusRolledBack is terminal: the inverse action was applied.
	StatusRolledBack Status = "rolled_back"

	// StatusCancelled is terminal: the operator rejected the proposal before
	// any baseline was captured.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts against the
// one-active-experiment-per-subject invariant.
func (s Status) IsActive() bool {
	switch s {
	case StatusPendingBaseline, StatusRunning, StatusAwaitingReview:
		return true
	default:
		return false
	}
}

// Verdict classifies an experiment outcome.
type Verdict string

const (
	VerdictSuccess Verdict = "SUCCESS"
	VerdictFailed  Verdict = "FAILED"
	VerdictNeutral Verdict = "NEUTRAL"
)

// Metrics is a point-in-time snapshot of metric name to value.
type Metrics map[string]float64

// Clone returns a copy of the metrics map.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Experiment is the central entity: a tracked, time-boxed change to a
// marketplace subject with a captured baseline and an adjudicated outcome.
//
// Experiments are append-only audit records; they are never deleted. Baseline
// is write-once after capture, result and verdict are write-once after review,
// and no field changes once the experiment reaches a terminal status.
type Experiment struct {
	// ID is assigned at creation and immutable.
	ID string `json:"id"`

	// Kind selects the metric set and action schema.
	Kind Kind `json:"kind"`

	// SubjectRef identifies the affected marketplace entity (product id,
	// campaign id). The engine references the subject but never owns it.
	SubjectRef string `json:"subject_ref"`

	// Action is the requested change. The engine passes it through opaquely;
	// the action executor validates and interprets it.
	Action json.RawMessage `json:"action"`

	// RollbackAction is the inverse of Action when derivable at proposal
	// time, nil otherwise. A nil rollback action must be supplied manually
	// before Rollback can proceed.
	RollbackAction json.RawMessage `json:"rollback_action,omitempty"`

	// DurationDays is the experiment window requested at proposal time.
	DurationDays int `json:"duration_days"`

	Status Status `json:"status"`

	// Baseline is captured once, when the action takes effect. Immutable
	// afterwards.
	Baseline           Metrics    `json:"baseline,omitempty"`
	BaselineCapturedAt *time.Time `json:"baseline_captured_at,omitempty"`

	// BaselineIncomplete marks a Running experiment whose baseline snapshot
	// failed after the action already took effect. A follow-up snapshot is
	// required before review is meaningful.
	BaselineIncomplete bool `json:"baseline_incomplete,omitempty"`

	// ReviewDueAt is set when the experiment starts running and never
	// recomputed. Re-dating an experiment means creating a new one.
	ReviewDueAt *time.Time `json:"review_due_at,omitempty"`

	// Result is captured at review time; nil until reviewed.
	Result Metrics `json:"result,omitempty"`

	// Verdict is the computed outcome, a pure function of baseline, result,
	// and kind thresholds. Never hand-edited.
	Verdict Verdict `json:"verdict,omitempty"`

	// OperatorVerdict is the operator-confirmed verdict recorded at
	// completion. It may differ from Verdict when the operator overrides.
	OperatorVerdict Verdict `json:"operator_verdict,omitempty"`

	// Advisories carry secondary-metric observations surfaced when the
	// primary metric is neutral. Context for the operator, never a status
	// override.
	Advisories []string `json:"advisories,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency counter. Every successful store
	// update increments it; updates carrying a stale version lose the race.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the experiment.
func (e *Experiment) Clone() *Experiment {
	out := *e
	out.Action = append(json.RawMessage(nil), e.Action...)
	out.RollbackAction = append(json.RawMessage(nil), e.RollbackAction...)
	out.Baseline = e.Baseline.Clone()
	out.Result = e.Result.Clone()
	out.Advisories = append([]string(nil), e.Advisories...)
	if e.BaselineCapturedAt != nil {
		t := *e.BaselineCapturedAt
		out.BaselineCapturedAt = &t
	}
	if e.ReviewDueAt != nil {
		t := *e.ReviewDueAt
		out.ReviewDueAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Event is the structured transition notification delivered to the operator.
type Event struct {
	ExperimentID string   `json:"experiment_id"`
	Kind         Kind     `json:"kind"`
	SubjectRef   string   `json:"subject_ref"`
	From         Status   `json:"from_status"`
	To           Status   `json:"to_status"`
	Verdict      Verdict  `json:"verdict,omitempty"`
	Advisories   []string `json:"advisories,omitempty"`
}
