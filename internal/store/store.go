// Package store persists investigations, detection runs and anomaly events.
package store

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Store is the persistence contract used by the orchestrator, scheduler and state service.
// Investigation writes are optimistic: UpdateInvestigation only succeeds when the stored
// version equals expectedVersion, and inv.Version must be expectedVersion+1.
type Store interface {
	CreateInvestigation(ctx context.Context, inv *models.Investigation) error
	GetInvestigation(ctx context.Context, id string) (*models.Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *models.Investigation, expectedVersion int64) error
	ListInvestigations(ctx context.Context, filter InvestigationFilter) ([]*models.Investigation, error)

	CreateRun(ctx context.Context, run *models.DetectionRun) error
	FinishRun(ctx context.Context, run *models.DetectionRun) error
	ListRuns(ctx context.Context, detectorID string, limit int) ([]*models.DetectionRun, error)

	CreateAnomaly(ctx context.Context, ev *models.AnomalyEvent) error
	GetAnomaly(ctx context.Context, id string) (*models.AnomalyEvent, error)
	UpdateAnomalyStatus(ctx context.Context, id string, status models.AnomalyStatus, at time.Time) error
	UpdateAnomalyPersistence(ctx context.Context, id string, persistedN int, at time.Time) error
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]*models.AnomalyEvent, error)
	LatestOpenAnomaly(ctx context.Context, cohortKey, metric string) (*models.AnomalyEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// InvestigationFilter narrows ListInvestigations. Zero fields match everything.
type InvestigationFilter struct {
	OwnerID string
	Status  models.Status
	Limit   int
}

// AnomalyFilter narrows ListAnomalies. Zero fields match everything.
type AnomalyFilter struct {
	DetectorID string
	Status     models.AnomalyStatus
	Since      time.Time
	Limit      int
}

const defaultListLimit = 100

func limitOr(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}
