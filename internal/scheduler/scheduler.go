// Package scheduler runs detector definitions on their triggers, gates candidates through the
// guardrail engine and persists runs and anomaly events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/miradorstack/mirador-risk/internal/audit"
	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/detect"
	"github.com/miradorstack/mirador-risk/internal/guardrail"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

const (
	defaultWindow   = 5 * time.Minute
	defaultLookback = 24 * time.Hour
	leaseTTL        = 15 * time.Minute
	leasePrefix     = "mirador-risk:lease:"
)

// ParseSchedule accepts a five-field cron expression or a descriptor such as "@every 5m" or
// "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// AnomalyHandler reacts to newly raised anomaly events.
type AnomalyHandler interface {
	OnAnomaly(ctx context.Context, ev *models.AnomalyEvent)
}

// Config tunes trigger evaluation and startup recovery.
type Config struct {
	// Tick is the trigger resolution.
	Tick time.Duration
	// MisfireGrace is how late a trigger may fire before it is dropped.
	MisfireGrace time.Duration
	// SeedLookback bounds the anomaly history replayed into the guardrail engine on startup.
	SeedLookback time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 30 * time.Second
	}
	if c.SeedLookback <= 0 {
		c.SeedLookback = 24 * time.Hour
	}
	return c
}

type job struct {
	detector models.Detector
	schedule cron.Schedule
	next     time.Time
	running  atomic.Bool
}

// Scheduler owns the active detector catalog.
type Scheduler struct {
	cfg       Config
	store     store.Store
	source    DataSource
	engine    *guardrail.Engine
	snapshots *guardrail.Snapshotter
	handler   AnomalyHandler
	leases    cache.Provider
	holder    string
	auditor   audit.Auditor
	logger    *slog.Logger
	clock     utils.Clock

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = utils.Component(logger, "scheduler") }
}

// WithAuditor records anomaly lifecycle and catalog loads.
func WithAuditor(a audit.Auditor) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.auditor = a
		}
	}
}

// WithClock overrides the time source.
func WithClock(c utils.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSnapshotter persists guardrail state after every run and restores it on startup.
func WithSnapshotter(snap *guardrail.Snapshotter) Option {
	return func(s *Scheduler) { s.snapshots = snap }
}

// WithAnomalyHandler is notified of every raised anomaly.
func WithAnomalyHandler(h AnomalyHandler) Option {
	return func(s *Scheduler) { s.handler = h }
}

// WithLeases claims every scheduled firing in provider so that replicas sharing it run each
// detector window once. holder identifies this instance in the lease value.
func WithLeases(provider cache.Provider, holder string) Option {
	return func(s *Scheduler) {
		s.leases = provider
		s.holder = holder
	}
}

// New creates a scheduler with an empty catalog.
func New(cfg Config, st store.Store, source DataSource, engine *guardrail.Engine, opts ...Option) *Scheduler {
	if engine == nil {
		engine = guardrail.NewEngine(nil)
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   st,
		source:  source,
		engine:  engine,
		auditor: audit.Noop{},
		logger:  utils.Component(nil, "scheduler"),
		clock:   utils.SystemClock{},
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the catalog. Detectors whose schedule is unchanged keep their next fire time
// and in-flight state. Disabled detectors are dropped.
func (s *Scheduler) Load(detectors []models.Detector) error {
	if err := ValidateCatalog(detectors); err != nil {
		return utils.NewKindError(utils.KindValidation, "scheduler.Load", "invalid detector catalog", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	next := make(map[string]*job, len(detectors))
	for _, d := range detectors {
		if !d.Enabled {
			continue
		}
		sched, _ := ParseSchedule(d.Schedule)
		if prev, ok := s.jobs[d.ID]; ok && prev.detector.Schedule == d.Schedule {
			prev.detector = d
			next[d.ID] = prev
			continue
		}
		next[d.ID] = &job{detector: d, schedule: sched, next: sched.Next(now)}
	}
	s.jobs = next
	active := len(next)
	s.mu.Unlock()

	s.logger.Info("detector catalog applied", slog.Int("defined", len(detectors)), slog.Int("active", active))
	s.auditor.Record(audit.Event{
		Type:      audit.EventDetectorsLoaded,
		Actor:     "system",
		Metadata:  map[string]any{"defined": len(detectors), "active": active},
		Timestamp: now,
	})
	return nil
}

// Detectors lists the active detectors ordered by id.
func (s *Scheduler) Detectors() []models.Detector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Detector, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.detector)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Restore rebuilds guardrail state, preferring the cached snapshot and falling back to recent
// anomaly events.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.snapshots != nil {
		n, err := s.snapshots.Load(ctx, s.engine.Store())
		switch {
		case err == nil && n > 0:
			s.logger.Info("guardrail state restored from snapshot", slog.Int("keys", n))
			return nil
		case err != nil:
			s.logger.Warn("guardrail snapshot unavailable", slog.Any("error", err))
		}
	}

	events, err := s.store.ListAnomalies(ctx, store.AnomalyFilter{
		Since: s.clock.Now().Add(-s.cfg.SeedLookback),
		Limit: 1000,
	})
	if err != nil {
		return fmt.Errorf("seed guardrail state: %w", err)
	}
	seed := make([]models.AnomalyEvent, 0, len(events))
	for _, ev := range events {
		seed = append(seed, *ev)
	}
	n := s.engine.Seed(seed)
	s.logger.Info("guardrail state seeded from anomaly history", slog.Int("events", len(events)), slog.Int("keys", n))
	return nil
}

// Run restores guardrail state and fires triggers until ctx is cancelled. In-flight runs are
// awaited before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Restore(ctx); err != nil {
		s.logger.Error("guardrail restore failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.saveSnapshot(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

type firing struct {
	job       *job
	scheduled time.Time
}

// Tick fires every trigger that is due at the current clock time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	var due []firing

	s.mu.Lock()
	for id, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		scheduled := j.next
		j.next = j.schedule.Next(now)
		if late := now.Sub(scheduled); late > s.cfg.MisfireGrace {
			s.logger.Warn("detector trigger misfired",
				slog.String("detector_id", id),
				slog.Time("scheduled", scheduled),
				slog.Duration("late", late),
			)
			metrics.DetectionRun(id, "misfired")
			continue
		}
		due = append(due, firing{job: j, scheduled: scheduled})
	}
	s.mu.Unlock()

	for _, f := range due {
		s.launch(ctx, f.job, f.scheduled)
	}
}

func (s *Scheduler) launch(ctx context.Context, j *job, scheduled time.Time) {
	if !j.running.CompareAndSwap(false, true) {
		s.skip(ctx, j.detector, scheduled)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		if !s.claim(ctx, j.detector.ID, scheduled) {
			return
		}
		if _, err := s.execute(ctx, j.detector, scheduled); err != nil {
			s.logger.Error("detection run failed", slog.String("detector_id", j.detector.ID), slog.Any("error", err))
		}
	}()
}

// claim reports whether this instance owns the firing. Lease store failures fail open.
func (s *Scheduler) claim(ctx context.Context, detectorID string, scheduled time.Time) bool {
	if s.leases == nil {
		return true
	}
	key := leasePrefix + detectorID + ":" + strconv.FormatInt(scheduled.Unix(), 10)
	ok, err := s.leases.SetNX(ctx, key, []byte(s.holder), leaseTTL)
	if err != nil {
		s.logger.Warn("run lease unavailable, running anyway", slog.String("detector_id", detectorID), slog.Any("error", err))
		return true
	}
	if !ok {
		s.logger.Debug("firing claimed by another instance", slog.String("detector_id", detectorID), slog.Time("scheduled", scheduled))
		metrics.DetectionRun(detectorID, "claimed_elsewhere")
	}
	return ok
}

// RunNow executes detectorID synchronously. It refuses to overlap a run already in flight.
func (s *Scheduler) RunNow(ctx context.Context, detectorID string) (*models.DetectionRun, error) {
	const op = "scheduler.RunNow"
	s.mu.Lock()
	j, ok := s.jobs[detectorID]
	s.mu.Unlock()
	if !ok {
		return nil, utils.NewKindError(utils.KindNotFound, op, "detector not active", utils.ErrNotFound).With("detector_id", detectorID)
	}
	if !j.running.CompareAndSwap(false, true) {
		return nil, utils.NewKindError(utils.KindConflict, op, "detector run already in progress", nil).With("detector_id", detectorID)
	}
	defer j.running.Store(false)
	return s.execute(ctx, j.detector, s.clock.Now())
}

func (s *Scheduler) skip(ctx context.Context, d models.Detector, scheduled time.Time) {
	now := s.clock.Now()
	from, to := windowFor(d, scheduled)
	run := &models.DetectionRun{
		ID:         uuid.NewString(),
		DetectorID: d.ID,
		WindowFrom: from,
		WindowTo:   to,
		Status:     models.RunSkipped,
		Error:      "previous run still in progress",
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Warn("record skipped run", slog.String("detector_id", d.ID), slog.Any("error", err))
	}
	s.logger.Warn("detector trigger skipped, previous run still in progress", slog.String("detector_id", d.ID))
	metrics.DetectionRun(d.ID, string(models.RunSkipped))
}

func windowFor(d models.Detector, at time.Time) (time.Time, time.Time) {
	lookback := d.Params.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	window := d.Params.Window
	if window <= 0 {
		window = defaultWindow
	}
	to := at.Truncate(window)
	return to.Add(-lookback), to
}

// execute performs one run. A failing cohort or metric query marks the run PARTIAL without
// affecting the others; the run is FAILED only when nothing could be evaluated.
func (s *Scheduler) execute(ctx context.Context, d models.Detector, scheduled time.Time) (*models.DetectionRun, error) {
	const op = "scheduler.execute"
	from, to := windowFor(d, scheduled)
	run := &models.DetectionRun{
		ID:         uuid.NewString(),
		DetectorID: d.ID,
		WindowFrom: from,
		WindowTo:   to,
		Status:     models.RunRunning,
		StartedAt:  s.clock.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		metrics.DetectionRun(d.ID, string(models.RunFailed))
		return nil, utils.PersistenceError(op, err)
	}
	logger := s.logger.With(slog.String("detector_id", d.ID), slog.String("run_id", run.ID))

	algo, err := detect.New(d.Type, d.Params)
	if err != nil {
		return s.finishRun(ctx, run, models.RunFailed, err.Error())
	}

	var failures []string
	for _, metric := range d.Metrics {
		series, err := s.source.Query(ctx, d, metric, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return s.finishRun(context.WithoutCancel(ctx), run, models.RunFailed, ctx.Err().Error())
			}
			logger.Warn("metric query failed", slog.String("metric", metric), slog.Any("error", err))
			failures = append(failures, fmt.Sprintf("%s: %v", metric, err))
			continue
		}
		for _, cs := range series {
			run.CohortsEvaluated++
			raised, err := s.evaluate(ctx, run, d, algo, metric, cs)
			if err != nil {
				run.CohortsFailed++
				logger.Debug("cohort skipped",
					slog.String("metric", metric),
					slog.String("cohort", cs.Cohort.Key()),
					slog.Any("error", err),
				)
				continue
			}
			if raised {
				run.Anomalies++
			}
		}
	}

	status := models.RunSucceeded
	switch {
	case run.CohortsEvaluated == 0 && len(failures) > 0:
		status = models.RunFailed
	case run.CohortsFailed > 0 || len(failures) > 0:
		status = models.RunPartial
	}
	if run.CohortsFailed > 0 {
		failures = append(failures, fmt.Sprintf("%d cohort(s) failed", run.CohortsFailed))
	}
	finished, err := s.finishRun(ctx, run, status, strings.Join(failures, "; "))
	s.saveSnapshot(ctx)
	return finished, err
}

// evaluate scores one cohort series and applies the guardrail decision. It reports whether a
// new anomaly event was raised.
func (s *Scheduler) evaluate(ctx context.Context, run *models.DetectionRun, d models.Detector, algo detect.Detector, metric string, cs models.CohortSeries) (bool, error) {
	values := cs.Values()
	res, err := algo.Detect(values)
	if err != nil {
		return false, err
	}
	score := res.Latest()
	now := s.clock.Now()
	key := models.GuardrailKey(cs.Cohort, metric)
	decision := s.engine.Evaluate(key, score, d.Params, now)
	metrics.GuardrailDecision(string(decision.Action))

	switch decision.Action {
	case guardrail.ActionRaise:
		window := cs.Points[len(cs.Points)-1]
		ev := &models.AnomalyEvent{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			DetectorID: d.ID,
			Cohort:     cs.Cohort,
			WindowFrom: window.WindowStart,
			WindowTo:   window.WindowEnd,
			Metric:     metric,
			Observed:   values[len(values)-1],
			Expected:   expectedFrom(res.Evidence),
			Score:      score,
			Severity:   models.SeverityFor(score, d.Params.KThreshold),
			Status:     models.AnomalyNew,
			PersistedN: decision.PersistedN,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.CreateAnomaly(ctx, ev); err != nil {
			return false, utils.PersistenceError("scheduler.raise", err)
		}
		metrics.AnomalyRaised(d.ID, string(ev.Severity))
		s.auditor.Record(audit.Event{
			Type:      audit.EventAnomalyRaised,
			AnomalyID: ev.ID,
			Actor:     "detector:" + d.ID,
			Metadata: map[string]any{
				"metric":   metric,
				"cohort":   cs.Cohort.Key(),
				"score":    score,
				"severity": string(ev.Severity),
			},
			Timestamp: now,
		})
		s.logger.Info("anomaly raised",
			slog.String("anomaly_id", ev.ID),
			slog.String("detector_id", d.ID),
			slog.String("metric", metric),
			slog.String("cohort", cs.Cohort.Key()),
			slog.Float64("score", score),
		)
		if s.handler != nil {
			s.handler.OnAnomaly(ctx, ev)
		}
		return true, nil

	case guardrail.ActionSustain:
		open, err := s.store.LatestOpenAnomaly(ctx, cs.Cohort.Key(), metric)
		if err != nil {
			if utils.IsKind(err, utils.KindNotFound) {
				return false, nil
			}
			return false, err
		}
		if err := s.store.UpdateAnomalyPersistence(ctx, open.ID, decision.PersistedN, now); err != nil {
			return false, utils.PersistenceError("scheduler.sustain", err)
		}

	case guardrail.ActionClear:
		s.logger.Info("anomaly condition cleared",
			slog.String("detector_id", d.ID),
			slog.String("metric", metric),
			slog.String("cohort", cs.Cohort.Key()),
			slog.String("reason", decision.Reason),
		)

	case guardrail.ActionSuppressPersistence, guardrail.ActionSuppressCooldown:
		s.logger.Debug("candidate suppressed",
			slog.String("detector_id", d.ID),
			slog.String("cohort", cs.Cohort.Key()),
			slog.String("decision", string(decision.Action)),
			slog.String("reason", decision.Reason),
		)
	}
	return false, nil
}

func expectedFrom(evidence map[string]any) float64 {
	for _, k := range []string{"mu", "median"} {
		if v, ok := evidence[k].(float64); ok {
			return v
		}
	}
	return 0
}

func (s *Scheduler) finishRun(ctx context.Context, run *models.DetectionRun, status models.RunStatus, reason string) (*models.DetectionRun, error) {
	run.Status = status
	run.Error = reason
	run.FinishedAt = s.clock.Now()
	metrics.DetectionRun(run.DetectorID, string(status))
	if err := s.store.FinishRun(ctx, run); err != nil {
		return run, utils.PersistenceError("scheduler.finishRun", err).With("run_id", run.ID)
	}
	s.logger.Debug("detection run finished",
		slog.String("detector_id", run.DetectorID),
		slog.String("run_id", run.ID),
		slog.String("status", string(status)),
		slog.Int("cohorts", run.CohortsEvaluated),
		slog.Int("anomalies", run.Anomalies),
	)
	return run, nil
}

func (s *Scheduler) saveSnapshot(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(ctx, s.engine.Store(), s.clock.Now()); err != nil {
		s.logger.Warn("guardrail snapshot save failed", slog.Any("error", err))
	}
}
