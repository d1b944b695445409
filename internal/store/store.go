package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the run ledger. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	StartRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, id uuid.UUID, status string) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)

	RecordStage(ctx context.Context, rec *models.StageRecord) error
	ListStages(ctx context.Context, runID uuid.UUID, filter StageFilter) ([]*models.StageRecord, error)
}

// StageFilter narrows ListStages. Zero values match everything.
type StageFilter struct {
	Trial   *int
	Stage   string
	Outcome string
}
