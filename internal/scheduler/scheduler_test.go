package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/guardrail"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func points(values ...float64) []models.SeriesPoint {
	out := make([]models.SeriesPoint, len(values))
	for i, v := range values {
		start := t0.Add(time.Duration(i-len(values)) * 5 * time.Minute)
		out[i] = models.SeriesPoint{WindowStart: start, WindowEnd: start.Add(5 * time.Minute), Value: v}
	}
	return out
}

var (
	quiet = []float64{10, 11, 9, 10, 11, 9, 10, 11, 9, 10, 11, 9}
	spike = []float64{10, 11, 9, 10, 11, 9, 10, 11, 9, 10, 11, 100}
)

func declineDetector() models.Detector {
	return models.Detector{
		ID:       "z-declines",
		Type:     "zscore",
		CohortBy: []string{"merchant"},
		Metrics:  []string{"decline_rate"},
		Params: models.DetectorParams{
			KThreshold:          1,
			ThresholdSigma:      2.5,
			PersistenceRequired: 1,
			Cooldown:            time.Hour,
		},
		Schedule: "@every 1m",
		Enabled:  true,
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	events []*models.AnomalyEvent
}

func (h *recordingHandler) OnAnomaly(_ context.Context, ev *models.AnomalyEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func newScheduler(t *testing.T, st store.Store, source DataSource, opts ...Option) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock)}, opts...)
	s := New(Config{MisfireGrace: 30 * time.Second}, st, source, guardrail.NewEngine(nil), opts...)
	return s, clock
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 5m", "*/5 * * * *", "@hourly"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"", "every five minutes", "* * *"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}

	sched, err := ParseSchedule("@every 5m")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), sched.Next(t0))
}

func TestParseCatalog(t *testing.T) {
	doc := []byte(`
detectors:
  - id: cusum-declines
    type: cusum
    cohort_by: [merchant]
    metrics: [decline_rate]
    schedule: "@every 5m"
    enabled: true
    params:
      k_threshold: 1.2
      persistence_required: 3
      cooldown: 30m
      window: 5m
`)
	detectors, err := ParseCatalog(doc)
	require.NoError(t, err)
	require.Len(t, detectors, 1)
	assert.Equal(t, 30*time.Minute, detectors[0].Params.Cooldown)
	assert.Equal(t, 3, detectors[0].Params.PersistenceRequired)
}

func TestParseCatalogReportsEveryProblem(t *testing.T) {
	doc := []byte(`
detectors:
  - id: a
    type: cusum
    metrics: [m]
    schedule: "@every 1m"
  - id: a
    type: cusum
    metrics: [m]
    schedule: "@every 1m"
  - id: b
    type: prophet
    metrics: [m]
    schedule: "@every 1m"
  - id: c
    type: mad
    schedule: "@every 1m"
  - id: d
    type: mad
    metrics: [m]
    schedule: "sometimes"
`)
	_, err := ParseCatalog(doc)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "detector a: duplicate id")
	assert.Contains(t, msg, "unknown detector type")
	assert.Contains(t, msg, "detector c: at least one metric is required")
	assert.Contains(t, msg, "detector d: parse schedule")
}

func TestLoadCatalogMissingFile(t *testing.T) {
	detectors, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, detectors)
}

func TestShippedCatalogIsValid(t *testing.T) {
	detectors, err := LoadCatalog(filepath.Join("..", "..", "configs", "detectors", "default.yaml"))
	require.NoError(t, err)
	require.Len(t, detectors, 3)

	s := New(Config{}, store.NewMemoryStore(), StaticSource{}, guardrail.NewEngine(guardrail.NewShardedStore(4)))
	require.NoError(t, s.Load(detectors))
	assert.Len(t, s.Detectors(), 3)
}

func TestRunNowRaisesIsolatesFailuresAndNotifies(t *testing.T) {
	st := store.NewMemoryStore()
	source := StaticSource{"decline_rate": {
		{Cohort: models.Cohort{"merchant": "m1"}, Points: points(spike...)},
		{Cohort: models.Cohort{"merchant": "m2"}, Points: points(quiet...)},
		{Cohort: models.Cohort{"merchant": "m3"}, Points: nil},
	}}
	handler := &recordingHandler{}
	s, _ := newScheduler(t, st, source, WithAnomalyHandler(handler))
	require.NoError(t, s.Load([]models.Detector{declineDetector()}))

	run, err := s.RunNow(context.Background(), "z-declines")
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 3, run.CohortsEvaluated)
	assert.Equal(t, 1, run.CohortsFailed)
	assert.Equal(t, 1, run.Anomalies)

	anomalies, err := st.ListAnomalies(context.Background(), store.AnomalyFilter{DetectorID: "z-declines"})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	ev := anomalies[0]
	assert.Equal(t, "merchant=m1", ev.Cohort.Key())
	assert.Equal(t, run.ID, ev.RunID)
	assert.Equal(t, 100.0, ev.Observed)
	assert.InDelta(t, 10.0, ev.Expected, 1e-9)
	assert.Equal(t, models.SeverityCritical, ev.Severity)
	assert.Equal(t, models.AnomalyNew, ev.Status)

	require.Len(t, handler.events, 1)
	assert.Equal(t, ev.ID, handler.events[0].ID)

	runs, err := st.ListRuns(context.Background(), "z-declines", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPartial, runs[0].Status)
}

func TestSustainedAnomalyUpdatesPersistenceInsteadOfRaising(t *testing.T) {
	st := store.NewMemoryStore()
	source := StaticSource{"decline_rate": {{Cohort: models.Cohort{"merchant": "m1"}, Points: points(spike...)}}}
	s, clock := newScheduler(t, st, source)
	require.NoError(t, s.Load([]models.Detector{declineDetector()}))

	_, err := s.RunNow(context.Background(), "z-declines")
	require.NoError(t, err)
	clock.Set(t0.Add(5 * time.Minute))
	run, err := s.RunNow(context.Background(), "z-declines")
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 0, run.Anomalies)

	anomalies, err := st.ListAnomalies(context.Background(), store.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 2, anomalies[0].PersistedN)
}

func TestDetectorsOnSameCohortShareCooldown(t *testing.T) {
	st := store.NewMemoryStore()
	source := StaticSource{"decline_rate": {{Cohort: models.Cohort{"merchant": "m1"}, Points: points(spike...)}}}
	s, _ := newScheduler(t, st, source)
	second := declineDetector()
	second.ID = "z-declines-fast"
	require.NoError(t, s.Load([]models.Detector{declineDetector(), second}))

	first, err := s.RunNow(context.Background(), "z-declines")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Anomalies)
	other, err := s.RunNow(context.Background(), "z-declines-fast")
	require.NoError(t, err)
	assert.Equal(t, 0, other.Anomalies)

	anomalies, err := st.ListAnomalies(context.Background(), store.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "z-declines", anomalies[0].DetectorID)
	assert.Equal(t, 2, anomalies[0].PersistedN, "second detector sustains the shared event")
}

type failingSource struct{}

func (failingSource) Query(context.Context, models.Detector, string, time.Time, time.Time) ([]models.CohortSeries, error) {
	return nil, utils.RetryableError("test.Query", "series backend down", errors.New("503"))
}

func TestRunFailsWhenNoMetricCouldBeQueried(t *testing.T) {
	st := store.NewMemoryStore()
	s, _ := newScheduler(t, st, failingSource{})
	require.NoError(t, s.Load([]models.Detector{declineDetector()}))

	run, err := s.RunNow(context.Background(), "z-declines")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Contains(t, run.Error, "series backend down")
}

func TestRunNowUnknownDetector(t *testing.T) {
	s, _ := newScheduler(t, store.NewMemoryStore(), StaticSource{})
	_, err := s.RunNow(context.Background(), "missing")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

type gatedSource struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Query(ctx context.Context, _ models.Detector, _ string, _, _ time.Time) ([]models.CohortSeries, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestTickSkipsInsteadOfQueueingOverlappingRuns(t *testing.T) {
	st := store.NewMemoryStore()
	source := &gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s, clock := newScheduler(t, st, source)
	require.NoError(t, s.Load([]models.Detector{declineDetector()}))

	ctx := context.Background()
	clock.Set(t0.Add(time.Minute))
	s.Tick(ctx)
	<-source.entered

	clock.Set(t0.Add(2 * time.Minute))
	s.Tick(ctx)

	close(source.release)
	s.wg.Wait()

	runs, err := st.ListRuns(ctx, "z-declines", 10)
	require.NoError(t, err)
	statuses := map[models.RunStatus]int{}
	for _, r := range runs {
		statuses[r.Status]++
	}
	assert.Equal(t, map[models.RunStatus]int{models.RunSkipped: 1, models.RunSucceeded: 1}, statuses)
}

func TestTickDropsMisfiredTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	s, clock := newScheduler(t, st, StaticSource{})
	require.NoError(t, s.Load([]models.Detector{declineDetector()}))

	clock.Set(t0.Add(10 * time.Minute))
	s.Tick(context.Background())
	s.wg.Wait()

	runs, err := st.ListRuns(context.Background(), "z-declines", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	clock.Set(t0.Add(11 * time.Minute))
	s.Tick(context.Background())
	s.wg.Wait()
	runs, err = st.ListRuns(context.Background(), "z-declines", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestLeasesRunEachFiringOnce(t *testing.T) {
	st := store.NewMemoryStore()
	leases := cache.NewMemoryProvider()
	a, clockA := newScheduler(t, st, StaticSource{}, WithLeases(leases, "replica-a"))
	b, clockB := newScheduler(t, st, StaticSource{}, WithLeases(leases, "replica-b"))
	require.NoError(t, a.Load([]models.Detector{declineDetector()}))
	require.NoError(t, b.Load([]models.Detector{declineDetector()}))

	clockA.Set(t0.Add(time.Minute))
	clockB.Set(t0.Add(time.Minute))
	a.Tick(context.Background())
	b.Tick(context.Background())
	a.wg.Wait()
	b.wg.Wait()

	runs, err := st.ListRuns(context.Background(), "z-declines", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestLoadKeepsScheduleStateForUnchangedDetectors(t *testing.T) {
	s, clock := newScheduler(t, store.NewMemoryStore(), StaticSource{})
	d := declineDetector()
	require.NoError(t, s.Load([]models.Detector{d}))
	before := s.jobs[d.ID]

	clock.Set(t0.Add(30 * time.Second))
	d.Params.KThreshold = 2
	disabled := declineDetector()
	disabled.ID = "off"
	disabled.Enabled = false
	require.NoError(t, s.Load([]models.Detector{d, disabled}))

	after := s.jobs[d.ID]
	assert.Same(t, before, after)
	assert.Equal(t, t0.Add(time.Minute), after.next)
	assert.Equal(t, 2.0, after.detector.Params.KThreshold)
	assert.Len(t, s.Detectors(), 1)

	bad := declineDetector()
	bad.Schedule = ""
	err := s.Load([]models.Detector{bad})
	assert.True(t, utils.IsKind(err, utils.KindValidation))
	assert.Len(t, s.Detectors(), 1, "invalid catalog leaves the active one in place")
}

func TestRestoreSeedsFromAnomalyHistory(t *testing.T) {
	st := store.NewMemoryStore()
	cohort := models.Cohort{"merchant": "m1"}
	require.NoError(t, st.CreateAnomaly(context.Background(), &models.AnomalyEvent{
		ID: "a-1", DetectorID: "z-declines", Cohort: cohort, Metric: "decline_rate",
		Status: models.AnomalyTriaged, PersistedN: 3, CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0.Add(-time.Hour),
	}))
	s, _ := newScheduler(t, st, StaticSource{})
	require.NoError(t, s.Restore(context.Background()))

	state, ok := s.engine.Store().Get(models.GuardrailKey(cohort, "decline_rate"))
	require.True(t, ok)
	assert.True(t, state.Alerting)
	assert.Equal(t, 3, state.Consecutive)
}

func TestRestorePrefersSnapshot(t *testing.T) {
	provider := cache.NewMemoryProvider()
	snap := guardrail.NewSnapshotter(provider, "", time.Hour)
	source := StaticSource{"decline_rate": {{Cohort: models.Cohort{"merchant": "m1"}, Points: points(spike...)}}}

	first, _ := newScheduler(t, store.NewMemoryStore(), source, WithSnapshotter(snap))
	require.NoError(t, first.Load([]models.Detector{declineDetector()}))
	_, err := first.RunNow(context.Background(), "z-declines")
	require.NoError(t, err)

	second, _ := newScheduler(t, store.NewMemoryStore(), source, WithSnapshotter(snap))
	require.NoError(t, second.Restore(context.Background()))
	state, ok := second.engine.Store().Get(models.GuardrailKey(models.Cohort{"merchant": "m1"}, "decline_rate"))
	require.True(t, ok)
	assert.True(t, state.Alerting)
	assert.Equal(t, t0, state.LastRaise.UTC())
}

func TestTriageAndCloseAnomaly(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateAnomaly(context.Background(), &models.AnomalyEvent{
		ID: "a-1", DetectorID: "z-declines", Cohort: models.Cohort{"merchant": "m1"}, Metric: "decline_rate",
		Status: models.AnomalyNew, CreatedAt: t0, UpdatedAt: t0,
	}))
	s, _ := newScheduler(t, st, StaticSource{})
	ctx := context.Background()

	_, err := s.TriageAnomaly(ctx, "a-1", "")
	assert.True(t, utils.IsKind(err, utils.KindAuthorization))

	ev, err := s.TriageAnomaly(ctx, "a-1", "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyTriaged, ev.Status)

	ev, err = s.TriageAnomaly(ctx, "a-1", "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyTriaged, ev.Status)

	ev, err = s.CloseAnomaly(ctx, "a-1", "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyClosed, ev.Status)

	_, err = s.TriageAnomaly(ctx, "a-1", "analyst-1")
	assert.True(t, utils.IsKind(err, utils.KindConflict))

	_, err = s.CloseAnomaly(ctx, "missing", "analyst-1")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))

	stored, err := st.GetAnomaly(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyClosed, stored.Status)
}

type fakeStarter struct {
	reqs []orchestrator.StartRequest
}

func (f *fakeStarter) Start(_ context.Context, req orchestrator.StartRequest) (*models.Investigation, error) {
	f.reqs = append(f.reqs, req)
	return &models.Investigation{ID: "inv-1"}, nil
}

func TestInvestigationTrigger(t *testing.T) {
	starter := &fakeStarter{}
	trigger := &InvestigationTrigger{
		Starter:          starter,
		MinSeverity:      models.SeverityWarning,
		EntityDimensions: []string{"ip", "merchant"},
	}
	ctx := context.Background()

	trigger.OnAnomaly(ctx, &models.AnomalyEvent{ID: "low", Severity: models.SeverityInfo, Cohort: models.Cohort{"merchant": "m1"}})
	trigger.OnAnomaly(ctx, &models.AnomalyEvent{ID: "anon", Severity: models.SeverityCritical, Cohort: models.Cohort{"country": "NL"}})
	trigger.OnAnomaly(ctx, &models.AnomalyEvent{
		ID: "a-1", DetectorID: "z-declines", Metric: "decline_rate", Severity: models.SeverityCritical,
		Cohort: models.Cohort{"merchant": "m1", "country": "NL"}, WindowFrom: t0, WindowTo: t0.Add(5 * time.Minute),
	})

	require.Len(t, starter.reqs, 1)
	req := starter.reqs[0]
	assert.Equal(t, "system:detection", req.OwnerID)
	assert.Equal(t, models.EntityRef{Type: "merchant", Value: "m1"}, req.Entity)
	assert.Equal(t, "a-1", req.TriggerAnomalyID)
	assert.Equal(t, "NL", req.Context["country"])
	assert.Equal(t, t0, req.Window.From)
}

func TestWatchCatalogAppliesValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detectors: []\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan []models.Detector, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchCatalog(ctx, path, utils.Component(nil, "test"), func(d []models.Detector) { applied <- d })
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("detectors:\n  - id: broken\n"), 0o644))
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`detectors:
  - id: z
    type: zscore
    metrics: [m]
    schedule: "@every 1m"
    enabled: true
`), 0o644))

	select {
	case got := <-applied:
		require.Len(t, got, 1)
		assert.Equal(t, "z", got[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("catalog edit was not applied")
	}
	cancel()
	assert.NoError(t, <-done)
}
