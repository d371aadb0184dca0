package experiments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index when a second active experiment is inserted for a (subject, kind).
const uniqueViolation = "23505"

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres. The one-active-experiment
// invariant is a partial unique index over the active statuses, so the
// check-then-insert race between concurrent proposals is closed by the
// database. Per-row exclusivity is an optimistic version column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store from an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreFromDSN opens a connection pool and verifies connectivity.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the experiments table and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject_ref TEXT NOT NULL,
			action JSONB NOT NULL,
			rollback_action JSONB,
			duration_days INT NOT NULL,
			status TEXT NOT NULL,
			baseline JSONB,
			baseline_captured_at TIMESTAMPTZ,
			baseline_incomplete BOOLEAN NOT NULL DEFAULT FALSE,
			review_due_at TIMESTAMPTZ,
			result JSONB,
			verdict TEXT,
			operator_verdict TEXT,
			advisories JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_active
			ON experiments (subject_ref, kind)
			WHERE status IN ('pending_baseline', 'running', 'awaiting_review')`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_due
			ON experiments (status, review_due_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate experiments: %w", err)
		}
	}
	return nil
}

const experimentColumns = `id, kind, subject_ref, action, rollback_action, duration_days,
	status, baseline, baseline_captured_at, baseline_incomplete, review_due_at,
	result, verdict, operator_verdict, advisories, created_at, completed_at, version`

// Create inserts a new experiment. The partial unique index turns a
// concurrent second active insert into ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, exp *Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment with id is required")
	}

	baselineJSON, err := marshalMetrics(exp.Baseline)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	resultJSON, err := marshalMetrics(exp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	advisoriesJSON, err := marshalAdvisories(exp.Advisories)
	if err != nil {
		return fmt.Errorf("marshal advisories: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
	`,
		exp.ID,
		string(exp.Kind),
		exp.SubjectRef,
		[]byte(exp.Action),
		nullableBytes(exp.RollbackAction),
		exp.DurationDays,
		string(exp.Status),
		baselineJSON,
		nullableTime(exp.BaselineCapturedAt),
		exp.BaselineIncomplete,
		nullableTime(exp.ReviewDueAt),
		resultJSON,
		nullableString(string(exp.Verdict)),
		nullableString(string(exp.OperatorVerdict)),
		advisoriesJSON,
		exp.CreatedAt,
		nullableTime(exp.CompletedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("subject %s kind %s: %w", exp.SubjectRef, exp.Kind, ErrConflict)
		}
		return fmt.Errorf("create experiment: %w", err)
	}

	exp.Version = 1
	return nil
}

// GetByID retrieves an experiment by id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+experimentColumns+` FROM experiments WHERE id = $1
	`, id)

	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return exp, nil
}

// GetActiveFor returns the active experiment for (subject, kind).
func (s *PostgresStore) GetActiveFor(ctx context.Context, subjectRef string, kind Kind) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE subject_ref = $1 AND kind = $2
		  AND status IN ('pending_baseline', 'running', 'awaiting_review')
	`, subjectRef, string(kind))

	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %s kind %s: %w", subjectRef, kind, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active experiment: %w", err)
	}
	return exp, nil
}

// ListDue returns Running experiments past their review date whose result is
// not yet recorded.
func (s *PostgresStore) ListDue(ctx context.Context, before time.Time) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE status = $1 AND result IS NULL AND review_due_at <= $2
		ORDER BY review_due_at ASC
	`, string(StatusRunning), before)
	if err != nil {
		return nil, fmt.Errorf("list due experiments: %w", err)
	}
	defer rows.Close()

	return collectExperiments(rows)
}

// ListIncompleteBaselines returns non-terminal experiments with a missing
// baseline snapshot.
func (s *PostgresStore) ListIncompleteBaselines(ctx context.Context) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE baseline_incomplete = TRUE
		  AND status NOT IN ('completed', 'rolled_back', 'cancelled')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list incomplete baselines: %w", err)
	}
	defer rows.Close()

	return collectExperiments(rows)
}

// Update persists mutable fields under the optimistic version check. Rows in
// a terminal status never match the guard, so writes to them surface as
// ErrImmutableState after disambiguation.
func (s *PostgresStore) Update(ctx context.Context, exp *Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment with id is required")
	}

	baselineJSON, err := marshalMetrics(exp.Baseline)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	resultJSON, err := marshalMetrics(exp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	advisoriesJSON, err := marshalAdvisories(exp.Advisories)
	if err != nil {
		return fmt.Errorf("marshal advisories: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET
			rollback_action = $2,
			status = $3,
			baseline = $4,
			baseline_captured_at = $5,
			baseline_incomplete = $6,
			review_due_at = $7,
			result = $8,
			verdict = $9,
			operator_verdict = $10,
			advisories = $11,
			completed_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $13
		  AND status NOT IN ('completed', 'rolled_back', 'cancelled')
	`,
		exp.ID,
		nullableBytes(exp.RollbackAction),
		string(exp.Status),
		baselineJSON,
		nullableTime(exp.BaselineCapturedAt),
		exp.BaselineIncomplete,
		nullableTime(exp.ReviewDueAt),
		resultJSON,
		nullableString(string(exp.Verdict)),
		nullableString(string(exp.OperatorVerdict)),
		advisoriesJSON,
		nullableTime(exp.CompletedAt),
		exp.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("subject %s kind %s: %w", exp.SubjectRef, exp.Kind, ErrConflict)
		}
		return fmt.Errorf("update experiment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	if affected > 0 {
		exp.Version++
		return nil
	}

	// The guard did not match: figure out which precondition failed.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id = $1`, exp.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("experiment %s: %w", exp.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	if Status(status).IsTerminal() {
		return fmt.Errorf("experiment %s is %s: %w", exp.ID, status, ErrImmutableState)
	}
	return fmt.Errorf("experiment %s version %d: %w", exp.ID, exp.Version, ErrConcurrentModification)
}

// List returns experiments matching the options, newest first.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE 1=1`
	args := []any{}
	argPos := 1

	if opts.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argPos)
		args = append(args, string(opts.Kind))
		argPos++
	}
	if opts.SubjectRef != "" {
		query += fmt.Sprintf(" AND subject_ref = $%d", argPos)
		args = append(args, opts.SubjectRef)
		argPos++
	}
	if opts.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*opts.Status))
		argPos++
	}
	if opts.ActiveOnly {
		query += " AND status IN ('pending_baseline', 'running', 'awaiting_review')"
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	return collectExperiments(rows)
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func collectExperiments(rows *sql.Rows) ([]*Experiment, error) {
	var out []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	return out, nil
}

func scanExperiment(s scanner) (*Experiment, error) {
	var exp Experiment
	var (
		kind               string
		action             []byte
		rollbackAction     []byte
		status             string
		baselineJSON       []byte
		baselineCapturedAt sql.NullTime
		reviewDueAt        sql.NullTime
		resultJSON         []byte
		verdict            sql.NullString
		operatorVerdict    sql.NullString
		advisoriesJSON     []byte
		completedAt        sql.NullTime
	)

	err := s.Scan(
		&exp.ID,
		&kind,
		&exp.SubjectRef,
		&action,
		&rollbackAction,
		&exp.DurationDays,
		&status,
		&baselineJSON,
		&baselineCapturedAt,
		&exp.BaselineIncomplete,
		&reviewDueAt,
		&resultJSON,
		&verdict,
		&operatorVerdict,
		&advisoriesJSON,
		&exp.CreatedAt,
		&completedAt,
		&exp.Version,
	)
	if err != nil {
		return nil, err
	}

	exp.Kind = Kind(kind)
	exp.Status = Status(status)
	exp.Action = json.RawMessage(action)
	if len(rollbackAction) > 0 {
		exp.RollbackAction = json.RawMessage(rollbackAction)
	}
	if baselineCapturedAt.Valid {
		exp.BaselineCapturedAt = &baselineCapturedAt.Time
	}
	if reviewDueAt.Valid {
		exp.ReviewDueAt = &reviewDueAt.Time
	}
	if completedAt.Valid {
		exp.CompletedAt = &completedAt.Time
	}
	if verdict.Valid {
		exp.Verdict = Verdict(verdict.String)
	}
	if operatorVerdict.Valid {
		exp.OperatorVerdict = Verdict(operatorVerdict.String)
	}
	if len(baselineJSON) > 0 {
		if err := json.Unmarshal(baselineJSON, &exp.Baseline); err != nil {
			return nil, fmt.Errorf("unmarshal baseline: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &exp.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(advisoriesJSON) > 0 {
		if err := json.Unmarshal(advisoriesJSON, &exp.Advisories); err != nil {
			return nil, fmt.Errorf("unmarshal advisories: %w", err)
		}
	}

	return &exp, nil
}

func marshalMetrics(m Metrics) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func marshalAdvisories(a []string) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
