package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openharness/openharness/pkg/engine"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

// PostgresStore implements engine.Store using PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

// PostgresConfig holds Postgres store configuration.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new Postgres store instance.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	return &PostgresStore{dsn: cfg.DSN}, nil
}

// Init opens the connection pool and runs migrations.
func (s *PostgresStore) Init(ctx context.Context) error {
	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) migrate() error {
	sourceDriver, err := iofs.New(pgMigrationsFS, "pgmigrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRunIfAbsent implements engine.Store. The idempotency key row is
// locked FOR UPDATE so concurrent submitters with the same key serialize
// on it and exactly one wins.
func (s *PostgresStore) CreateRunIfAbsent(ctx context.Context, run *engine.Run, steps []*engine.Step, entry *engine.AuditEntry) (*engine.Run, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existingID string
		expiresAt  time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT run_id, expires_at FROM idempotency_keys WHERE key = $1 FOR UPDATE`,
		run.IdempotencyKey,
	).Scan(&existingID, &expiresAt)
	switch {
	case err == nil:
		if time.Now().Before(expiresAt) {
			existing, err := s.getRunTx(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("failed to commit: %w", err)
			}
			return existing, false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE idempotency_keys SET run_id = $1, expires_at = $2 WHERE key = $3`,
			run.ID, run.KeyExpiresAt, run.IdempotencyKey,
		); err != nil {
			return nil, false, fmt.Errorf("failed to repoint idempotency key: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, run_id, expires_at) VALUES ($1, $2, $3)`,
			run.IdempotencyKey, run.ID, run.KeyExpiresAt,
		); err != nil {
			return nil, false, fmt.Errorf("failed to insert idempotency key: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if err := s.insertRunTx(ctx, tx, run); err != nil {
		return nil, false, err
	}
	for _, step := range steps {
		if err := s.insertStepTx(ctx, tx, step); err != nil {
			return nil, false, err
		}
	}
	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return run, true, nil
}

func (s *PostgresStore) insertRunTx(ctx context.Context, tx *sql.Tx, run *engine.Run) error {
	actor, err := json.Marshal(run.Actor)
	if err != nil {
		return fmt.Errorf("failed to encode actor: %w", err)
	}
	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, idempotency_key, key_expires_at, status, version,
			actor, payload, current_step, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.IdempotencyKey, run.KeyExpiresAt, run.Status, run.Version,
		string(actor), string(payload), run.CurrentStep, run.Error,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertStepTx(ctx context.Context, tx *sql.Tx, step *engine.Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, idx, name, target, dedupe_key, payload,
			compensation, requires_approval, attempts, outcome, result, error,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		step.ID, step.RunID, step.Index, step.Name, step.Target, step.DedupeKey,
		string(step.Payload), nullableRaw(step.Compensation),
		step.RequiresApproval, step.Attempts, step.Outcome,
		nullableRaw(step.Result), step.Error, step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertAuditTx(ctx context.Context, tx *sql.Tx, entry *engine.AuditEntry) error {
	if entry == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit (seq, ts, actor, event, run_id, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Seq, entry.Timestamp, entry.Actor, entry.Event, entry.RunID,
		nullableRaw(entry.Payload), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) getRunTx(ctx context.Context, tx *sql.Tx, id string) (*engine.Run, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetRun implements engine.Store.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if engine.IsNotFound(err) {
		return nil, notFound("run", id)
	}
	return run, err
}

// ListRuns implements engine.Store.
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ApplyTransition implements engine.Store.
func (s *PostgresStore) ApplyTransition(ctx context.Context, runID string, fromVersion int64, to engine.RunStatus, errText string, currentStep int, entry *engine.AuditEntry) (*engine.Run, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, version = version + 1, error = $2, current_step = $3, updated_at = $4
		WHERE id = $5 AND version = $6`,
		to, errText, currentStep, time.Now().UTC(), runID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.getRunTx(ctx, tx, runID); err != nil {
			return nil, notFound("run", runID)
		}
		return nil, engine.NewConflictError(
			fmt.Sprintf("run %s moved past version %d", runID, fromVersion), nil).
			WithRun(runID)
	}

	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	run, err := s.getRunTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return run, nil
}

// GetStep implements engine.Store.
func (s *PostgresStore) GetStep(ctx context.Context, id string) (*engine.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = $1`, id)
	step, err := scanStep(row)
	if engine.IsNotFound(err) {
		return nil, notFound("step", id)
	}
	return step, err
}

// UpdateStep implements engine.Store.
func (s *PostgresStore) UpdateStep(ctx context.Context, step *engine.Step) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET attempts = $1, outcome = $2, result = $3, error = $4, updated_at = $5
		WHERE id = $6`,
		step.Attempts, step.Outcome, nullableRaw(step.Result), step.Error,
		time.Now().UTC(), step.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return notFound("step", step.ID)
	}
	return nil
}

// ListStepsByRun implements engine.Store.
func (s *PostgresStore) ListStepsByRun(ctx context.Context, runID string) ([]*engine.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.Step{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// RecordSideEffect implements engine.Store.
func (s *PostgresStore) RecordSideEffect(ctx context.Context, effect *engine.SideEffect) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO side_effects (dedupe_key, run_id, step_id, outcome, applied_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		effect.DedupeKey, effect.RunID, effect.StepID, string(effect.Outcome), effect.AppliedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record side effect: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetSideEffect implements engine.Store.
func (s *PostgresStore) GetSideEffect(ctx context.Context, dedupeKey string) (*engine.SideEffect, error) {
	var (
		effect  engine.SideEffect
		outcome string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT dedupe_key, run_id, step_id, outcome, applied_at
		FROM side_effects WHERE dedupe_key = $1`, dedupeKey,
	).Scan(&effect.DedupeKey, &effect.RunID, &effect.StepID, &outcome, &effect.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get side effect: %w", err)
	}
	effect.Outcome = json.RawMessage(outcome)
	return &effect, nil
}

// CreateApproval implements engine.Store.
func (s *PostgresStore) CreateApproval(ctx context.Context, approval *engine.Approval, entry *engine.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (id, run_id, step_id, requested_at, decision, decider, decided_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		approval.ID, approval.RunID, approval.StepID, approval.RequestedAt,
		approval.Decision, approval.Decider, approval.DecidedAt, approval.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DecideApproval implements engine.Store.
func (s *PostgresStore) DecideApproval(ctx context.Context, id string, decision engine.ApprovalDecision, decider, reason string, at time.Time, entry *engine.AuditEntry) (*engine.Approval, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET decision = $1, decider = $2, reason = $3, decided_at = $4
		WHERE id = $5 AND decision = $6`,
		decision, decider, reason, at, id, engine.ApprovalPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.getApprovalTx(ctx, tx, id)
		if err != nil {
			return nil, notFound("approval", id)
		}
		return nil, engine.NewPermanentError(
			fmt.Sprintf("approval %s already decided: %s", id, existing.Decision), nil).
			WithCode(engine.ErrCodeAlreadyDecided)
	}

	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	approval, err := s.getApprovalTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return approval, nil
}

func (s *PostgresStore) getApprovalTx(ctx context.Context, tx *sql.Tx, id string) (*engine.Approval, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	return scanApproval(row)
}

// GetApproval implements engine.Store.
func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*engine.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	approval, err := scanApproval(row)
	if engine.IsNotFound(err) {
		return nil, notFound("approval", id)
	}
	return approval, err
}

// ListApprovalsByRun implements engine.Store.
func (s *PostgresStore) ListApprovalsByRun(ctx context.Context, runID string) ([]*engine.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = $1 ORDER BY requested_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	approvals := []*engine.Approval{}
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return approvals, nil
}

// CreateArtifact implements engine.Store.
func (s *PostgresStore) CreateArtifact(ctx context.Context, artifact *engine.Artifact, entry *engine.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, name, content_ref, state, created_at, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		artifact.ID, artifact.RunID, artifact.Name, artifact.ContentRef,
		artifact.State, artifact.CreatedAt, artifact.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CommitArtifact implements engine.Store.
func (s *PostgresStore) CommitArtifact(ctx context.Context, id string, at time.Time, entry *engine.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET state = $1, committed_at = $2 WHERE id = $3`,
		engine.ArtifactCommitted, at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return notFound("artifact", id)
	}
	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListArtifactsByRun implements engine.Store.
func (s *PostgresStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*engine.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, content_ref, state, created_at, committed_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*engine.Artifact{}
	for rows.Next() {
		var artifact engine.Artifact
		err := rows.Scan(
			&artifact.ID, &artifact.RunID, &artifact.Name, &artifact.ContentRef,
			&artifact.State, &artifact.CreatedAt, &artifact.CommittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, &artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}

// AppendAudit implements engine.Store.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (seq, ts, actor, event, run_id, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Seq, entry.Timestamp, entry.Actor, entry.Event, entry.RunID,
		nullableRaw(entry.Payload), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// GetAuditRange implements engine.Store.
func (s *PostgresStore) GetAuditRange(ctx context.Context, from, to uint64) ([]*engine.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, actor, event, run_id, payload, prev_hash, hash
		FROM audit WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit range: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// LatestAudit implements engine.Store.
func (s *PostgresStore) LatestAudit(ctx context.Context) (*engine.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, ts, actor, event, run_id, payload, prev_hash, hash
		FROM audit ORDER BY seq DESC LIMIT 1`)
	entry, err := scanAudit(row)
	if engine.IsNotFound(err) {
		return nil, nil
	}
	return entry, err
}

// HealthCheck verifies the database connection is healthy.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
