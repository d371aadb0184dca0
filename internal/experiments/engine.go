package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sellerlab/sellerlab/internal/observability"
)

// SnapshotProvider returns point-in-time metrics for a subject. Implemented
// by the marketplace clients.
type SnapshotProvider interface {
	// Snapshot returns current metrics for the subject. Fails with
	// ErrUnavailable on transient API failure and ErrSubjectNotFound when
	// the subject no longer exists.
	Snapshot(ctx context.Context, kind Kind, subjectRef string) (Metrics, error)
}

// ExecResult describes a successfully applied action.
type ExecResult struct {
	// AppliedDetails carries executor-specific details of what was applied.
	AppliedDetails map[string]any `json:"applied_details,omitempty"`
}

// ActionExecutor performs the side-effecting action against the marketplace.
// The engine treats action payloads as opaque data; the executor validates
// and interprets them.
type ActionExecutor interface {
	// Execute applies the action. Fails with ErrRejected on business-rule
	// refusal (terminal for the transition) and ErrTransient on network or
	// rate-limit failure (state left unchanged for retry).
	Execute(ctx context.Context, kind Kind, subjectRef string, action json.RawMessage) (*ExecResult, error)

	// Invert derives the logical inverse of the action from current
	// marketplace state (previous price, previous bid). Returns (nil, nil)
	// when no inverse is derivable.
	Invert(ctx context.Context, kind Kind, subjectRef string, action json.RawMessage) (json.RawMessage, error)

	// Verify re-queries actual marketplace state and reports whether the
	// action is in effect. Used after an action call times out, so the
	// engine never assumes success on an unknown outcome.
	Verify(ctx context.Context, kind Kind, subjectRef string, action json.RawMessage) (bool, error)
}

// Notifier delivers transition events to the operator. Delivery failures are
// logged, never allowed to fail a transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Config holds engine tunables.
type Config struct {
	// Thresholds configure verdict computation per kind.
	Thresholds Thresholds

	// DefaultDurationDays is used when a proposal does not specify one.
	DefaultDurationDays int

	// ActionTimeout bounds action executor calls.
	ActionTimeout time.Duration

	// SnapshotTimeout bounds metric snapshot calls.
	SnapshotTimeout time.Duration
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:          DefaultThresholds(),
		DefaultDurationDays: 7,
		ActionTimeout:       30 * time.Second,
		SnapshotTimeout:     30 * time.Second,
	}
}

// Engine orchestrates the experiment lifecycle. It performs no background
// work of its own; the scheduler and operator commands drive it.
type Engine struct {
	store     Store
	snapshots SnapshotProvider
	executor  ActionExecutor
	notifier  Notifier
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	// now is swappable for tests.
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an experiment lifecycle engine.
func NewEngine(store Store, snapshots SnapshotProvider, executor ActionExecutor, notifier Notifier, config Config, opts ...Option) *Engine {
	if config.DefaultDurationDays <= 0 {
		config.DefaultDurationDays = 7
	}
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = 30 * time.Second
	}
	if config.SnapshotTimeout <= 0 {
		config.SnapshotTimeout = 30 * time.Second
	}
	if config.Thresholds.Primary == nil {
		config.Thresholds = DefaultThresholds()
	}

	e := &Engine{
		store:     store,
		snapshots: snapshots,
		executor:  executor,
		notifier:  notifier,
		config:    config,
		logger:    slog.Default().With("component", "experiments"),
		tracer:    otel.Tracer("experiments"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetNotifier installs the notifier after construction. The operator channel
// needs the engine to handle commands and the engine needs the channel to
// deliver events; the channel is wired second. Call before any transitions
// run.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Propose creates an experiment in Proposed for operator approval. It fails
// with ErrConflict when an active experiment already exists for the subject,
// and derives the rollback action from current marketplace state when the
// executor can invert the action.
func (e *Engine) Propose(ctx context.Context, kind Kind, subjectRef string, action json.RawMessage, durationDays int) (*Experiment, error) {
	ctx, span := e.startSpan(ctx, "Propose", kind, subjectRef)
	defer span.End()

	if !kind.Valid() {
		return nil, fmt.Errorf("propose: unknown kind %q", kind)
	}
	if subjectRef == "" {
		return nil, fmt.Errorf("propose: subject ref is required")
	}
	if len(action) == 0 {
		return nil, fmt.Errorf("propose: action is required")
	}
	if durationDays <= 0 {
		durationDays = e.config.DefaultDurationDays
	}

	// The store enforces the invariant authoritatively at the transition to
	// an active status; this early check gives proposals a clean error
	// before any marketplace call.
	if _, err := e.store.GetActiveFor(ctx, subjectRef, kind); err == nil {
		return nil, fmt.Errorf("propose %s/%s: %w", kind, subjectRef, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("propose %s/%s: %w", kind, subjectRef, err)
	}

	rollback, err := e.executor.Invert(ctx, kind, subjectRef, action)
	if err != nil {
		// Not fatal: the experiment proposes fine, rollback just has to be
		// supplied manually later.
		e.logger.Warn("rollback action not derivable",
			"kind", kind, "subject", subjectRef, "error", err)
		rollback = nil
	}

	exp := &Experiment{
		ID:             uuid.NewString(),
		Kind:           kind,
		SubjectRef:     subjectRef,
		Action:         append(json.RawMessage(nil), action...),
		RollbackAction: rollback,
		DurationDays:   durationDays,
		Status:         StatusProposed,
		CreatedAt:      e.now().UTC(),
	}

	if err := e.store.Create(ctx, exp); err != nil {
		return nil, fmt.Errorf("propose %s/%s: %w", kind, subjectRef, err)
	}

	e.recordTransition(ctx, exp, "", StatusProposed)
	return exp, nil
}

// Approve executes the action and starts the experiment. The ordering is
// execute-then-snapshot so the baseline reflects the new regime: on executor
// failure nothing is committed, and a baseline is never captured for an
// action that did not take effect.
func (e *Engine) Approve(ctx context.Context, id string) (*Experiment, error) {
	ctx, span := e.startSpan(ctx, "Approve", "", id)
	defer span.End()

	exp, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("approve experiment %s: %w", id, err)
	}
	if exp.Status != StatusProposed {
		return nil, fmt.Errorf("approve experiment %s in status %s: %w", id, exp.Status, ErrInvalidTransition)
	}

	// An active experiment for the same slot must refuse the approval before
	// the marketplace is touched: executing first would mutate the running
	// experiment's subject and leave the applied change untracked. The
	// store's unique constraint still closes the concurrent race.
	if _, err := e.store.GetActiveFor(ctx, exp.SubjectRef, exp.Kind); err == nil {
		return nil, fmt.Errorf("approve experiment %s: %s/%s: %w", id, exp.Kind, exp.SubjectRef, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("approve experiment %s: %w", id, err)
	}

	if err := e.executeAction(ctx, exp.Kind, exp.SubjectRef, exp.Action); err != nil {
		// Status stays Proposed; the error kind (rejected vs transient)
		// reaches the operator unchanged.
		return nil, fmt.Errorf("approve experiment %s: execute action: %w", id, err)
	}

	from := exp.Status
	exp.Status = StatusPendingBaseline
	if err := e.store.Update(ctx, exp); err != nil {
		return nil, fmt.Errorf("approve experiment %s: %w", id, err)
	}
	e.recordTransition(ctx, exp, from, StatusPendingBaseline)

	now := e.now().UTC()
	due := now.Add(time.Duration(exp.DurationDays) * 24 * time.Hour)
	exp.ReviewDueAt = &due

	baseline, snapErr := e.takeSnapshot(ctx, exp.Kind, exp.SubjectRef)
	if snapErr != nil {
		// The action already took effect, so the experiment runs anyway with
		// the baseline flagged incomplete; the retry sweep fills it in.
		e.logger.Warn("baseline capture failed after action",
			"experiment_id", exp.ID, "kind", exp.Kind, "subject", exp.SubjectRef, "error", snapErr)
		exp.BaselineIncomplete = true
	} else {
		exp.Baseline = baseline
		exp.BaselineCapturedAt = &now
	}

	exp.Status = StatusRunning
	if err := e.store.Update(ctx, exp); err != nil {
		return nil, fmt.Errorf("approve experiment %s: %w", id, err)
	}
	e.recordTransition(ctx, exp, StatusPendingBaseline, StatusRunning)
	return exp, nil
}

// Reject cancels a proposal. The action was never executed, so there are no
// marketplace side effects.
func (e *Engine) Reject(ctx context.Context, id string) (*Experiment, error) {
	ctx, span := e.startSpan(ctx, "Reject", "", id)
	defer span.End()

	exp, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reject experiment %s: %w", id, err)
	}
	if exp.Status != StatusProposed {
		return nil, fmt.Errorf("reject experiment %s in status %s: %w", id, exp.Status, ErrInvalidTransition)
	}

	from := exp.Status
	now := e.now().UTC()
	exp.Status = StatusCancelled
	exp.CompletedAt = &now
	if err := e.store.Update(ctx, exp); err != nil {
		return nil, fmt.Errorf("reject experiment %s: %w", id, err)
	}
	e.recordTransition(ctx, exp, from, StatusCancelled)
	return exp, nil
}

// ReviewDue sweeps Running experiments whose review date has elapsed,
// captures results, computes verdicts, and moves them to AwaitingReview.
// The sweep is idempotent per experiment: once a result is recorded the
// store stops returning the row, so duplicate scheduler firings are no-ops,
// and a lost version race on an individual row is skipped, not an error.
func (e *Engine) ReviewDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := e.startSpan(ctx, "ReviewDue", "", "")
	defer span.End()

	due, err := e.store.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("review sweep: %w", err)
	}

	reviewed := 0
	for _, exp := range due {
		if exp.BaselineIncomplete {
			// Review against a missing baseline is meaningless; the baseline
			// retry sweep has to succeed first. Skips do not count as reviews.
			e.logger.Warn("skipping review, baseline incomplete", "experiment_id", exp.ID)
			continue
		}
		if err := e.reviewOne(ctx, exp); err != nil {
			e.logger.Error("review failed",
				"experiment_id", exp.ID, "kind", exp.Kind, "subject", exp.SubjectRef, "error", err)
			continue
		}
		reviewed++
	}
	return reviewed, nil
}

func (e *Engine) reviewOne(ctx context.Context, exp *Experiment) error {
	result, err := e.takeSnapshot(ctx, exp.Kind, exp.SubjectRef)
	if err != nil {
		// Leave the experiment Running; the next sweep retries.
		return fmt.Errorf("review experiment %s: snapshot: %w", exp.ID, err)
	}

	outcome := ComputeVerdict(exp.Kind, exp.Baseline, result, e.config.Thresholds)

	from := exp.Status
	exp.Result = result
	exp.Verdict = outcome.Verdict
	exp.Advisories = outcome.Advisories
	exp.Status = StatusAwaitingReview

	if err := e.store.Update(ctx, exp); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			// A concurrent sweep or rollback won the row; nothing to do.
			e.logger.Debug("lost review race", "experiment_id", exp.ID)
			return nil
		}
		return fmt.Errorf("review experiment %s: %w", exp.ID, err)
	}

	if e.metrics != nil {
		e.metrics.VerdictComputed(string(exp.Kind), string(outcome.Verdict))
	}
	e.recordTransition(ctx, exp, from, StatusAwaitingReview)
	return nil
}

// RetryBaselines attempts the follow-up snapshot for experiments whose
// baseline capture failed after a successful action.
func (e *Engine) RetryBaselines(ctx context.Context) (int, error) {
	ctx, span := e.startSpan(ctx, "RetryBaselines", "", "")
	defer span.End()

	incomplete, err := e.store.ListIncompleteBaselines(ctx)
	if err != nil {
		return 0, fmt.Errorf("baseline retry sweep: %w", err)
	}

	captured := 0
	for _, exp := range incomplete {
		baseline, err := e.takeSnapshot(ctx, exp.Kind, exp.SubjectRef)
		if err != nil {
			e.logger.Warn("baseline retry failed",
				"experiment_id", exp.ID, "subject", exp.SubjectRef, "error", err)
			continue
		}

		now := e.now().UTC()
		exp.Baseline = baseline
		exp.BaselineCapturedAt = &now
		exp.BaselineIncomplete = false
		if err := e.store.Update(ctx, exp); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return captured, fmt.Errorf("baseline retry for experiment %s: %w", exp.ID, err)
		}
		e.logger.Info("baseline captured on retry", "experiment_id", exp.ID)
		captured++
	}
	return captured, nil
}

// Complete closes a reviewed experiment. The computed verdict is retained;
// when the operator confirms a different one, both are kept. The action
// stays in effect.
func (e *Engine) Complete(ctx context.Context, id string, acceptedVerdict Verdict) (*Experiment, error) {
	ctx, span := e.startSpan(ctx, "Complete", "", id)
	defer span.End()

	exp, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("complete experiment %s: %w", id, err)
	}
	if exp.Status != StatusAwaitingReview {
		return nil, fmt.Errorf("complete experiment %s in status %s: %w", id, exp.Status, ErrInvalidTransition)
	}

	if acceptedVerdict == "" {
		acceptedVerdict = exp.Verdict
	}

	from := exp.Status
	now := e.now().UTC()
	exp.OperatorVerdict = acceptedVerdict
	exp.Status = StatusCompleted
	exp.CompletedAt = &now
	if err := e.store.Update(ctx, exp); err != nil {
		return nil, fmt.Errorf("complete experiment %s: %w", id, err)
	}
	e.recordTransition(ctx, exp, from, StatusCompleted)
	return exp, nil
}

// Rollback reverses the experiment's action. Allowed from AwaitingReview and,
// for early aborts, from Running. A manual rollback action may be supplied
// when none was derivable at proposal time; otherwise the stored one is used.
// On executor failure the status is unchanged and the error surfaces — the
// operator retries, the engine never silently abandons a rollback.
func (e *Engine) Rollback(ctx context.Context, id string, manual json.RawMessage) (*Experiment, error) {
	ctx, span := e.startSpan(ctx, "Rollback", "", id)
	defer span.End()

	exp, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rollback experiment %s: %w", id, err)
	}
	if exp.Status != StatusAwaitingReview && exp.Status != StatusRunning {
		return nil, fmt.Errorf("rollback experiment %s in status %s: %w", id, exp.Status, ErrInvalidTransition)
	}

	action := exp.RollbackAction
	if len(manual) > 0 {
		action = manual
	}
	if len(action) == 0 {
		return nil, fmt.Errorf("rollback experiment %s: %w", id, ErrRollbackUnavailable)
	}

	if err := e.executeAction(ctx, exp.Kind, exp.SubjectRef, action); err != nil {
		return nil, fmt.Errorf("rollback experiment %s: execute rollback: %w", id, err)
	}

	from := exp.Status
	now := e.now().UTC()
	exp.RollbackAction = append(json.RawMessage(nil), action...)
	exp.Status = StatusRolledBack
	exp.CompletedAt = &now
	if err := e.store.Update(ctx, exp); err != nil {
		return nil, fmt.Errorf("rollback experiment %s: %w", id, err)
	}
	e.recordTransition(ctx, exp, from, StatusRolledBack)
	return exp, nil
}

// Get returns an experiment by id.
func (e *Engine) Get(ctx context.Context, id string) (*Experiment, error) {
	return e.store.GetByID(ctx, id)
}

// List returns experiments matching the options.
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]*Experiment, error) {
	return e.store.List(ctx, opts)
}

// executeAction runs the executor under the configured timeout. A timeout is
// an unknown outcome: actual marketplace state is re-queried before deciding,
// so the engine never commits a transition for an action that may not have
// taken effect.
func (e *Engine) executeAction(ctx context.Context, kind Kind, subjectRef string, action json.RawMessage) error {
	execCtx, cancel := context.WithTimeout(ctx, e.config.ActionTimeout)
	defer cancel()

	_, err := e.executor.Execute(execCtx, kind, subjectRef, action)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	applied, verr := e.executor.Verify(ctx, kind, subjectRef, action)
	if verr != nil {
		return fmt.Errorf("action outcome unknown after timeout, verify failed: %w: %w", verr, ErrTransient)
	}
	if !applied {
		return fmt.Errorf("action not applied after timeout: %w", ErrTransient)
	}
	e.logger.Warn("action call timed out but took effect",
		"kind", kind, "subject", subjectRef)
	return nil
}

func (e *Engine) takeSnapshot(ctx context.Context, kind Kind, subjectRef string) (Metrics, error) {
	snapCtx, cancel := context.WithTimeout(ctx, e.config.SnapshotTimeout)
	defer cancel()
	return e.snapshots.Snapshot(snapCtx, kind, subjectRef)
}

// recordTransition emits metrics and the operator notification for a
// committed transition. Notifier failures are logged only.
func (e *Engine) recordTransition(ctx context.Context, exp *Experiment, from, to Status) {
	if e.metrics != nil {
		e.metrics.ExperimentTransition(string(exp.Kind), string(to))
	}

	e.logger.Info("experiment transition",
		"experiment_id", exp.ID,
		"kind", exp.Kind,
		"subject", exp.SubjectRef,
		"from", string(from),
		"to", string(to),
	)

	if e.notifier == nil {
		return
	}
	event := Event{
		ExperimentID: exp.ID,
		Kind:         exp.Kind,
		SubjectRef:   exp.SubjectRef,
		From:         from,
		To:           to,
		Verdict:      exp.Verdict,
		Advisories:   exp.Advisories,
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("notify failed", "experiment_id", exp.ID, "error", err)
	}
}

func (e *Engine) startSpan(ctx context.Context, op string, kind Kind, ref string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "experiments."+op)
	if kind != "" {
		span.SetAttributes(attribute.String("experiment.kind", string(kind)))
	}
	if ref != "" {
		span.SetAttributes(attribute.String("experiment.ref", ref))
	}
	return ctx, span
}
