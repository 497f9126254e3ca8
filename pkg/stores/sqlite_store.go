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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openharness/openharness/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
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
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// beginTx starts a write transaction. The DSN's immediate txlock serializes
// writers, which is what makes the idempotency critical section atomic.
func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// CreateRunIfAbsent implements engine.Store.
func (s *SQLiteStore) CreateRunIfAbsent(ctx context.Context, run *engine.Run, steps []*engine.Step, entry *engine.AuditEntry) (*engine.Run, bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existingID string
		expiresAt  time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT run_id, expires_at FROM idempotency_keys WHERE key = ?`,
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
		// Key expired: repoint it at the new run. The old run stays.
		if _, err := tx.ExecContext(ctx,
			`UPDATE idempotency_keys SET run_id = ?, expires_at = ? WHERE key = ?`,
			run.ID, run.KeyExpiresAt, run.IdempotencyKey,
		); err != nil {
			return nil, false, fmt.Errorf("failed to repoint idempotency key: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, run_id, expires_at) VALUES (?, ?, ?)`,
			run.IdempotencyKey, run.ID, run.KeyExpiresAt,
		); err != nil {
			return nil, false, fmt.Errorf("failed to insert idempotency key: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if err := insertRunTx(ctx, tx, run); err != nil {
		return nil, false, err
	}
	for _, step := range steps {
		if err := insertStepTx(ctx, tx, step); err != nil {
			return nil, false, err
		}
	}
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return run, true, nil
}

func insertRunTx(ctx context.Context, tx *sql.Tx, run *engine.Run) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IdempotencyKey, run.KeyExpiresAt, run.Status, run.Version,
		string(actor), string(payload), run.CurrentStep, run.Error,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func insertStepTx(ctx context.Context, tx *sql.Tx, step *engine.Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, idx, name, target, dedupe_key, payload,
			compensation, requires_approval, attempts, outcome, result, error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Index, step.Name, step.Target, step.DedupeKey,
		string(step.Payload), nullableRaw(step.Compensation),
		boolToInt(step.RequiresApproval), step.Attempts, step.Outcome,
		nullableRaw(step.Result), step.Error, step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx *sql.Tx, entry *engine.AuditEntry) error {
	if entry == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit (seq, ts, actor, event, run_id, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.Timestamp, entry.Actor, entry.Event, entry.RunID,
		nullableRaw(entry.Payload), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

const runColumns = `id, idempotency_key, key_expires_at, status, version,
	actor, payload, current_step, error, created_at, updated_at`

func (s *SQLiteStore) getRunTx(ctx context.Context, tx *sql.Tx, id string) (*engine.Run, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	var (
		run         engine.Run
		actorJSON   string
		payloadJSON string
	)
	err := row.Scan(
		&run.ID, &run.IdempotencyKey, &run.KeyExpiresAt, &run.Status,
		&run.Version, &actorJSON, &payloadJSON, &run.CurrentStep, &run.Error,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(actorJSON), &run.Actor); err != nil {
		return nil, fmt.Errorf("failed to decode actor: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &run.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &run, nil
}

// GetRun implements engine.Store.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if engine.IsNotFound(err) {
		return nil, notFound("run", id)
	}
	return run, err
}

// ListRuns implements engine.Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`,
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
func (s *SQLiteStore) ApplyTransition(ctx context.Context, runID string, fromVersion int64, to engine.RunStatus, errText string, currentStep int, entry *engine.AuditEntry) (*engine.Run, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, version = version + 1, error = ?, current_step = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
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
		// Not found or stale version; distinguish for the caller.
		if _, err := s.getRunTx(ctx, tx, runID); err != nil {
			return nil, notFound("run", runID)
		}
		return nil, engine.NewConflictError(
			fmt.Sprintf("run %s moved past version %d", runID, fromVersion), nil).
			WithRun(runID)
	}

	if err := insertAuditTx(ctx, tx, entry); err != nil {
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

const stepColumns = `id, run_id, idx, name, target, dedupe_key, payload,
	compensation, requires_approval, attempts, outcome, result, error,
	created_at, updated_at`

func scanStep(row rowScanner) (*engine.Step, error) {
	var (
		step         engine.Step
		payload      string
		compensation sql.NullString
		result       sql.NullString
		requires     int
	)
	err := row.Scan(
		&step.ID, &step.RunID, &step.Index, &step.Name, &step.Target,
		&step.DedupeKey, &payload, &compensation, &requires, &step.Attempts,
		&step.Outcome, &result, &step.Error, &step.CreatedAt, &step.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("step", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}
	step.Payload = json.RawMessage(payload)
	if compensation.Valid {
		step.Compensation = json.RawMessage(compensation.String)
	}
	if result.Valid {
		step.Result = json.RawMessage(result.String)
	}
	step.RequiresApproval = requires != 0
	return &step, nil
}

// GetStep implements engine.Store.
func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*engine.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if engine.IsNotFound(err) {
		return nil, notFound("step", id)
	}
	return step, err
}

// UpdateStep implements engine.Store.
func (s *SQLiteStore) UpdateStep(ctx context.Context, step *engine.Step) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET attempts = ?, outcome = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`,
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
func (s *SQLiteStore) ListStepsByRun(ctx context.Context, runID string) ([]*engine.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY idx ASC`, runID)
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

// RecordSideEffect implements engine.Store. INSERT OR IGNORE gives the
// at-most-once guarantee directly from the primary key.
func (s *SQLiteStore) RecordSideEffect(ctx context.Context, effect *engine.SideEffect) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO side_effects (dedupe_key, run_id, step_id, outcome, applied_at)
		VALUES (?, ?, ?, ?, ?)`,
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
func (s *SQLiteStore) GetSideEffect(ctx context.Context, dedupeKey string) (*engine.SideEffect, error) {
	var (
		effect  engine.SideEffect
		outcome string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT dedupe_key, run_id, step_id, outcome, applied_at
		FROM side_effects WHERE dedupe_key = ?`, dedupeKey,
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
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *engine.Approval, entry *engine.AuditEntry) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (id, run_id, step_id, requested_at, decision, decider, decided_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.RunID, approval.StepID, approval.RequestedAt,
		approval.Decision, approval.Decider, approval.DecidedAt, approval.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DecideApproval implements engine.Store. The WHERE decision = 'pending'
// predicate is what makes the decision single-shot.
func (s *SQLiteStore) DecideApproval(ctx context.Context, id string, decision engine.ApprovalDecision, decider, reason string, at time.Time, entry *engine.AuditEntry) (*engine.Approval, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET decision = ?, decider = ?, reason = ?, decided_at = ?
		WHERE id = ? AND decision = ?`,
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
		existing, err := scanApprovalTx(ctx, tx, id)
		if err != nil {
			return nil, notFound("approval", id)
		}
		return nil, engine.NewPermanentError(
			fmt.Sprintf("approval %s already decided: %s", id, existing.Decision), nil).
			WithCode(engine.ErrCodeAlreadyDecided)
	}

	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	approval, err := scanApprovalTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return approval, nil
}

const approvalColumns = `id, run_id, step_id, requested_at, decision, decider, decided_at, reason`

func scanApproval(row rowScanner) (*engine.Approval, error) {
	var approval engine.Approval
	err := row.Scan(
		&approval.ID, &approval.RunID, &approval.StepID, &approval.RequestedAt,
		&approval.Decision, &approval.Decider, &approval.DecidedAt, &approval.Reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("approval", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	return &approval, nil
}

func scanApprovalTx(ctx context.Context, tx *sql.Tx, id string) (*engine.Approval, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// GetApproval implements engine.Store.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*engine.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	approval, err := scanApproval(row)
	if engine.IsNotFound(err) {
		return nil, notFound("approval", id)
	}
	return approval, err
}

// ListApprovalsByRun implements engine.Store.
func (s *SQLiteStore) ListApprovalsByRun(ctx context.Context, runID string) ([]*engine.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? ORDER BY requested_at ASC`, runID)
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
func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact *engine.Artifact, entry *engine.AuditEntry) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, name, content_ref, state, created_at, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.Name, artifact.ContentRef,
		artifact.State, artifact.CreatedAt, artifact.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CommitArtifact implements engine.Store.
func (s *SQLiteStore) CommitArtifact(ctx context.Context, id string, at time.Time, entry *engine.AuditEntry) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET state = ?, committed_at = ? WHERE id = ?`,
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
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListArtifactsByRun implements engine.Store.
func (s *SQLiteStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*engine.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, content_ref, state, created_at, committed_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
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
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (seq, ts, actor, event, run_id, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.Timestamp, entry.Actor, entry.Event, entry.RunID,
		nullableRaw(entry.Payload), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// GetAuditRange implements engine.Store.
func (s *SQLiteStore) GetAuditRange(ctx context.Context, from, to uint64) ([]*engine.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, actor, event, run_id, payload, prev_hash, hash
		FROM audit WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
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
func (s *SQLiteStore) LatestAudit(ctx context.Context) (*engine.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, ts, actor, event, run_id, payload, prev_hash, hash
		FROM audit ORDER BY seq DESC LIMIT 1`)
	entry, err := scanAudit(row)
	if engine.IsNotFound(err) {
		return nil, nil
	}
	return entry, err
}

func scanAudit(row rowScanner) (*engine.AuditEntry, error) {
	var (
		entry   engine.AuditEntry
		payload sql.NullString
	)
	err := row.Scan(
		&entry.Seq, &entry.Timestamp, &entry.Actor, &entry.Event, &entry.RunID,
		&payload, &entry.PrevHash, &entry.Hash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("audit entry", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	return &entry, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
