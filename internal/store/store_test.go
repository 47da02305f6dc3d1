package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

var now = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "risk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func newInvestigation(id string) *models.Investigation {
	return &models.Investigation{
		ID:        id,
		OwnerID:   "analyst-1",
		Entity:    models.EntityRef{Type: "ip", Value: "203.0.113.7"},
		Window:    models.TimeWindow{From: now.Add(-time.Hour), To: now},
		Domains:   []models.Domain{models.DomainNetwork, models.DomainDevice},
		Status:    models.StatusPending,
		Findings:  map[models.Domain]models.DomainResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInvestigationOptimisticUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inv := newInvestigation("inv-" + name)
			require.NoError(t, s.CreateInvestigation(ctx, inv))

			next := inv.Clone()
			next.Version = 1
			next.Status = models.StatusRunning
			next.Findings[models.DomainNetwork] = models.DomainResult{RiskScore: models.SomeScore(0.8), Confidence: 0.9, Attempts: 1}
			next.Findings[models.DomainDevice] = models.AbsentResult("vendor rejected request", 1, now)
			require.NoError(t, s.UpdateInvestigation(ctx, next, 0))

			stale := inv.Clone()
			stale.Version = 1
			err := s.UpdateInvestigation(ctx, stale, 0)
			require.Error(t, err)
			assert.True(t, utils.IsKind(err, utils.KindConflict), "got %v", err)

			skip := next.Clone()
			skip.Version = 5
			err = s.UpdateInvestigation(ctx, skip, 1)
			assert.True(t, utils.IsKind(err, utils.KindValidation), "got %v", err)

			got, err := s.GetInvestigation(ctx, inv.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, models.StatusRunning, got.Status)
			v, ok := got.Findings[models.DomainNetwork].RiskScore.Get()
			require.True(t, ok)
			assert.Equal(t, 0.8, v)
			assert.False(t, got.Findings[models.DomainDevice].RiskScore.Present())
			assert.True(t, got.Window.From.Equal(inv.Window.From))
		})
	}
}

func TestGetMissingInvestigation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetInvestigation(context.Background(), "nope")
			assert.True(t, utils.IsKind(err, utils.KindNotFound), "got %v", err)
		})
	}
}

func TestConcurrentUpdatesOnlyOneWins(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inv := newInvestigation("race-" + name)
			require.NoError(t, s.CreateInvestigation(ctx, inv))

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					next := inv.Clone()
					next.Version = 1
					if err := s.UpdateInvestigation(ctx, next, 0); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestListInvestigationsFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newInvestigation("a")
			b := newInvestigation("b")
			b.OwnerID = "analyst-2"
			b.CreatedAt = now.Add(time.Minute)
			require.NoError(t, s.CreateInvestigation(ctx, a))
			require.NoError(t, s.CreateInvestigation(ctx, b))

			all, err := s.ListInvestigations(ctx, InvestigationFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "b", all[0].ID)

			mine, err := s.ListInvestigations(ctx, InvestigationFilter{OwnerID: "analyst-1"})
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, "a", mine[0].ID)
		})
	}
}

func TestRunsAreImmutableOnceFinished(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := &models.DetectionRun{ID: "run-1", DetectorID: "decline-cusum", WindowFrom: now.Add(-time.Hour), WindowTo: now, Status: models.RunRunning, StartedAt: now}
			require.NoError(t, s.CreateRun(ctx, run))

			run.Status = models.RunPartial
			run.CohortsEvaluated = 4
			run.CohortsFailed = 1
			run.Anomalies = 2
			run.FinishedAt = now.Add(time.Second)
			require.NoError(t, s.FinishRun(ctx, run))

			run.Status = models.RunFailed
			assert.Error(t, s.FinishRun(ctx, run))

			runs, err := s.ListRuns(ctx, "decline-cusum", 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, models.RunPartial, runs[0].Status)
			assert.Equal(t, 4, runs[0].CohortsEvaluated)
			assert.True(t, runs[0].FinishedAt.Equal(now.Add(time.Second)))
		})
	}
}

func TestAnomalyLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cohort := models.Cohort{"merchant": "m1", "channel": "web"}
			ev := &models.AnomalyEvent{
				ID: "anom-1", RunID: "run-1", DetectorID: "decline-cusum", Cohort: cohort,
				WindowFrom: now.Add(-time.Hour), WindowTo: now, Metric: "decline_rate",
				Observed: 0.31, Expected: 0.12, Score: 1.7, Severity: models.SeverityWarning,
				Status: models.AnomalyNew, PersistedN: 3, CreatedAt: now, UpdatedAt: now,
			}
			require.NoError(t, s.CreateAnomaly(ctx, ev))

			open, err := s.LatestOpenAnomaly(ctx, cohort.Key(), "decline_rate")
			require.NoError(t, err)
			assert.Equal(t, "anom-1", open.ID)
			assert.Equal(t, cohort, open.Cohort)
			assert.Equal(t, "decline-cusum", open.DetectorID, "lookup is by cohort and metric only")

			require.NoError(t, s.UpdateAnomalyPersistence(ctx, "anom-1", 4, now.Add(time.Minute)))
			require.NoError(t, s.UpdateAnomalyStatus(ctx, "anom-1", models.AnomalyTriaged, now.Add(2*time.Minute)))

			got, err := s.GetAnomaly(ctx, "anom-1")
			require.NoError(t, err)
			assert.Equal(t, 4, got.PersistedN)
			assert.Equal(t, models.AnomalyTriaged, got.Status)

			require.NoError(t, s.UpdateAnomalyStatus(ctx, "anom-1", models.AnomalyClosed, now.Add(3*time.Minute)))
			_, err = s.LatestOpenAnomaly(ctx, cohort.Key(), "decline_rate")
			assert.True(t, utils.IsKind(err, utils.KindNotFound))

			listed, err := s.ListAnomalies(ctx, AnomalyFilter{Status: models.AnomalyClosed})
			require.NoError(t, err)
			assert.Len(t, listed, 1)

			err = s.UpdateAnomalyStatus(ctx, "missing", models.AnomalyClosed, now)
			assert.True(t, utils.IsKind(err, utils.KindNotFound))
		})
	}
}

func TestMemoryStoreUnavailable(t *testing.T) {
	s := NewMemoryStore()
	s.SetUnavailable(assert.AnError)
	err := s.CreateInvestigation(context.Background(), newInvestigation("x"))
	assert.True(t, utils.IsKind(err, utils.KindPersistence))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	assert.True(t, utils.IsKind(err, utils.KindValidation))
}
