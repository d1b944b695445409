package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Runs ---

func (s *PostgresStore) StartRun(ctx context.Context, run *models.Run) error {
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, import_path, trials, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.ImportPath, run.Trials, run.Status, run.StartedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// validTransitions lists the statuses a run may move to from each status.
var validTransitions = map[string][]string{
	models.RunStatusRunning: {models.RunStatusPassed, models.RunStatusFailed},
}

func (s *PostgresStore) FinishRun(ctx context.Context, id uuid.UUID, status string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}

	valid := false
	for _, a := range validTransitions[current] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid run status transition: %s -> %s", current, status)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, finished_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var r models.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, import_path, trials, status, started_at, finished_at FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.ImportPath, &r.Trials, &r.Status, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, import_path, trials, status, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.ImportPath, &r.Trials, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// --- Stage results ---

func (s *PostgresStore) RecordStage(ctx context.Context, rec *models.StageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_results (id, run_id, trial, label, stage, kind, handle, outcome,
		   elapsed_ms, budget_ms, budget_pct, polls, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.RunID, rec.Trial, rec.Label, rec.Stage, string(rec.Kind), string(rec.Handle),
		rec.Outcome, rec.ElapsedMS, rec.BudgetMS, rec.BudgetPct, rec.Polls, rec.Error, rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("record stage: %w", err)
	}
	return nil
}

// ListStages returns a run's stage results in trial, then insertion order.
func (s *PostgresStore) ListStages(ctx context.Context, runID uuid.UUID, filter StageFilter) ([]*models.StageRecord, error) {
	conditions := []string{"run_id = $1"}
	args := []any{runID}
	argIdx := 2

	if filter.Trial != nil {
		conditions = append(conditions, fmt.Sprintf("trial = $%d", argIdx))
		args = append(args, *filter.Trial)
		argIdx++
	}
	if filter.Stage != "" {
		conditions = append(conditions, fmt.Sprintf("stage = $%d", argIdx))
		args = append(args, filter.Stage)
		argIdx++
	}
	if filter.Outcome != "" {
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", argIdx))
		args = append(args, filter.Outcome)
	}

	query := `SELECT id, run_id, trial, label, stage, kind, handle, outcome,
	            elapsed_ms, budget_ms, budget_pct, polls, error_message, created_at
	          FROM stage_results WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY trial, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var recs []*models.StageRecord
	for rows.Next() {
		var (
			r            models.StageRecord
			kind, handle string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Trial, &r.Label, &r.Stage, &kind, &handle, &r.Outcome,
			&r.ElapsedMS, &r.BudgetMS, &r.BudgetPct, &r.Polls, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		r.Kind = models.JobKind(kind)
		r.Handle = models.JobHandle(handle)
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
