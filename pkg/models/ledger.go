package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusRunning = "running"
	RunStatusPassed  = "passed"
	RunStatusFailed  = "failed"
)

// Run is the ledger row for one harness run.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	ImportPath string     `json:"import_path"`
	Trials     int        `json:"trials"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StageRecord is the ledger row for one stage execution. Label is nil for
// the import and parse stages.
type StageRecord struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Trial     int       `json:"trial"`
	Label     *int      `json:"label,omitempty"`
	Stage     string    `json:"stage"`
	Kind      JobKind   `json:"kind"`
	Handle    JobHandle `json:"handle,omitempty"`
	Outcome   string    `json:"outcome"`
	ElapsedMS int64     `json:"elapsed_ms"`
	BudgetMS  int64     `json:"budget_ms"`
	BudgetPct float64   `json:"budget_pct"`
	Polls     int       `json:"polls"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStageRecord builds a ledger row from a stage summary.
func NewStageRecord(runID uuid.UUID, trial int, label *int, r StageReport) *StageRecord {
	return &StageRecord{
		ID:        uuid.New(),
		RunID:     runID,
		Trial:     trial,
		Label:     label,
		Stage:     r.Stage,
		Kind:      r.Kind,
		Handle:    r.Handle,
		Outcome:   r.Outcome,
		ElapsedMS: r.Elapsed.Milliseconds(),
		BudgetMS:  r.Budget.Milliseconds(),
		BudgetPct: r.BudgetPct,
		Polls:     r.Polls,
		Error:     r.Error,
		CreatedAt: time.Now().UTC(),
	}
}
