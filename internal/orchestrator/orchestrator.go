// Package orchestrator runs investigations: it fans domain agents out under bounded
// concurrency, merges their results through one writer per investigation, and fuses the
// final risk score.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-risk/internal/agents"
	"github.com/miradorstack/mirador-risk/internal/audit"
	"github.com/miradorstack/mirador-risk/internal/fusion"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

const (
	persistTimeout = 5 * time.Second
	// percent reported once every domain has landed but before fusion
	analyzedPercent = 95.0
)

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Config bounds the orchestrator's resource usage.
type Config struct {
	Domains                    []models.Domain
	MaxDomainsPerInvestigation int
	MaxInvestigations          int
	CallTimeout                time.Duration
	Retry                      RetryPolicy
}

// DefaultConfig dispatches every domain with 5 concurrent tasks, 50 concurrent investigations
// and a 10s per-call timeout.
func DefaultConfig() Config {
	return Config{
		Domains:                    models.AllDomains(),
		MaxDomainsPerInvestigation: 5,
		MaxInvestigations:          50,
		CallTimeout:                10 * time.Second,
		Retry:                      DefaultRetryPolicy(),
	}
}

// ProgressSink receives one event per accepted investigation mutation.
type ProgressSink interface {
	Publish(ev models.ProgressEvent)
}

// NoopSink drops progress events.
type NoopSink struct{}

func (NoopSink) Publish(models.ProgressEvent) {}

// StartRequest describes a new investigation.
type StartRequest struct {
	OwnerID          string
	Entity           models.EntityRef
	Window           models.TimeWindow
	Segment          string
	Domains          []models.Domain
	Context          map[string]any
	TriggerAnomalyID string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = utils.Component(logger, "orchestrator") }
}

// WithSink sets the progress sink.
func WithSink(sink ProgressSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithAuditor sets the audit trail.
func WithAuditor(a audit.Auditor) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.audit = a
		}
	}
}

// Recommender derives analyst recommendations from a finalized investigation.
type Recommender interface {
	Recommend(inv *models.Investigation) []string
}

// WithRecommender attaches recommendations to completed investigations.
func WithRecommender(rec Recommender) Option {
	return func(o *Orchestrator) { o.recommender = rec }
}

// WithClock overrides the wall clock.
func WithClock(c utils.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// Orchestrator owns every RUNNING investigation. All mutations of one investigation are applied
// by that investigation's actor goroutine, so versions advance strictly by one without a global lock.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	agents      *agents.Registry
	weights     *fusion.WeightTable
	sink        ProgressSink
	recommender Recommender
	audit       audit.Auditor
	logger      *slog.Logger
	clock       utils.Clock
	tracer      trace.Tracer
	slots       *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New constructs an orchestrator. weights must already be validated.
func New(cfg Config, st store.Store, registry *agents.Registry, weights *fusion.WeightTable, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if len(cfg.Domains) == 0 {
		cfg.Domains = def.Domains
	}
	if cfg.MaxDomainsPerInvestigation <= 0 {
		cfg.MaxDomainsPerInvestigation = def.MaxDomainsPerInvestigation
	}
	if cfg.MaxInvestigations <= 0 {
		cfg.MaxInvestigations = def.MaxInvestigations
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		agents:     registry,
		weights:    weights,
		sink:       NoopSink{},
		audit:      audit.Noop{},
		logger:     utils.Component(nil, "orchestrator"),
		clock:      utils.SystemClock{},
		tracer:     otel.Tracer("github.com/miradorstack/mirador-risk/internal/orchestrator"),
		slots:      semaphore.NewWeighted(int64(cfg.MaxInvestigations)),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) validate(req StartRequest) ([]models.Domain, error) {
	const op = "orchestrator.Start"
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, utils.ValidationError(op, "owner id is required")
	}
	if strings.TrimSpace(req.Entity.Type) == "" || strings.TrimSpace(req.Entity.Value) == "" {
		return nil, utils.ValidationError(op, "entity type and value are required")
	}
	if !req.Window.Valid() {
		return nil, utils.ValidationError(op, "time window must have from < to")
	}

	domains := req.Domains
	if len(domains) == 0 {
		domains = o.cfg.Domains
	}
	seen := make(map[models.Domain]struct{}, len(domains))
	out := make([]models.Domain, 0, len(domains))
	for _, d := range domains {
		if _, dup := seen[d]; dup {
			continue
		}
		if _, err := o.agents.Lookup(d); err != nil {
			return nil, utils.ValidationError(op, fmt.Sprintf("unknown domain %q", d))
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// Start persists a new investigation and begins dispatching its domains. When a platform slot is
// free the returned snapshot is RUNNING; otherwise it is PENDING and starts as soon as a slot frees.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*models.Investigation, error) {
	domains, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	inv := &models.Investigation{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Entity:           req.Entity,
		Window:           req.Window,
		Segment:          strings.ToLower(strings.TrimSpace(req.Segment)),
		Domains:          domains,
		Status:           models.StatusPending,
		Findings:         make(map[models.Domain]models.DomainResult, len(domains)),
		Progress:         models.Progress{Phase: models.PhaseCreated},
		TriggerAnomalyID: req.TriggerAnomalyID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, utils.RetryableError("orchestrator.Start", "not accepting investigations", ErrShuttingDown)
	}
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.store.CreateInvestigation(ctx, inv); err != nil {
		o.wg.Done()
		return nil, err
	}
	o.audit.Record(audit.Event{Type: audit.EventInvestigationStarted, InvestigationID: inv.ID, Actor: inv.OwnerID, Timestamp: now})

	runCtx, cancel := context.WithCancel(o.baseCtx)
	runCtx, span := o.tracer.Start(runCtx, "orchestrator.investigation", trace.WithAttributes(
		attribute.String("investigation.id", inv.ID),
		attribute.String("entity.type", inv.Entity.Type),
		attribute.Int("domains", len(domains)),
	))
	r := &run{
		o:       o,
		id:      inv.ID,
		ownerID: inv.OwnerID,
		ctx:     runCtx,
		cancel:  cancel,
		span:    span,
		ops:     make(chan op, len(domains)+1),
		done:    make(chan struct{}),
		cur:     inv,
		req: agents.AnalyzeRequest{
			EntityType: inv.Entity.Type,
			EntityID:   inv.Entity.Value,
			Window:     inv.Window,
			Context:    req.Context,
		},
		started: now,
		logger:  o.logger.With(slog.String("investigation_id", inv.ID)),
	}
	r.group.SetLimit(o.cfg.MaxDomainsPerInvestigation)

	o.mu.Lock()
	o.runs[inv.ID] = r
	o.mu.Unlock()

	if o.slots.TryAcquire(1) {
		if err := r.onSlot(); err != nil {
			go r.loop(nil)
			return nil, err
		}
		snapshot := r.cur.Clone()
		go r.loop(nil)
		return snapshot, nil
	}

	r.logger.Info("platform at capacity, investigation queued", slog.Int("max_investigations", o.cfg.MaxInvestigations))
	acquired := make(chan error, 1)
	go func() { acquired <- o.slots.Acquire(runCtx, 1) }()
	snapshot := r.cur.Clone()
	go r.loop(acquired)
	return snapshot, nil
}

func (o *Orchestrator) active(id string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return r, ok
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
	o.wg.Done()
}

// Cancel moves an investigation to CANCELLED and stops its in-flight work. Cancelling an already
// cancelled investigation is a no-op that returns the current snapshot.
func (o *Orchestrator) Cancel(ctx context.Context, id, ownerID string) (*models.Investigation, error) {
	const opName = "orchestrator.Cancel"
	if r, ok := o.active(id); ok {
		if r.ownerID != ownerID {
			return nil, utils.AuthorizationError(opName, "caller does not own investigation").With("investigation_id", id)
		}
		if rep, ok := r.submit(ctx, op{kind: opCancel, actor: ownerID}); ok {
			return rep.inv, rep.err
		}
	}

	inv, err := o.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.OwnerID != ownerID {
		return nil, utils.AuthorizationError(opName, "caller does not own investigation").With("investigation_id", id)
	}
	if inv.Status == models.StatusCancelled {
		return inv, nil
	}
	if inv.Status.Terminal() {
		return nil, utils.NewKindError(utils.KindConflict, opName, fmt.Sprintf("investigation already %s", inv.Status), utils.ErrVersionConflict).
			With("investigation_id", id)
	}

	// no live actor: the investigation was orphaned by a restart
	next := inv.Clone()
	now := o.clock.Now()
	next.Status = models.StatusCancelled
	next.Error = "cancelled by owner"
	next.Version = inv.Version + 1
	next.UpdatedAt = now
	next.CompletedAt = now
	if err := o.store.UpdateInvestigation(ctx, next, inv.Version); err != nil {
		return nil, err
	}
	o.sink.Publish(models.ProgressEventFor(next))
	o.audit.Record(audit.Event{Type: audit.EventInvestigationCancelled, InvestigationID: id, Actor: ownerID, Version: next.Version, Timestamp: now})
	return next, nil
}

// RerunDomain dispatches domain again on a RUNNING investigation. The new result overwrites the
// previous one, so repeating the call leaves the result set unchanged.
func (o *Orchestrator) RerunDomain(ctx context.Context, id string, domain models.Domain) (*models.Investigation, error) {
	if r, ok := o.active(id); ok {
		if rep, ok := r.submit(ctx, op{kind: opRerun, domain: domain}); ok {
			return rep.inv, rep.err
		}
	}
	return nil, o.notRunning(ctx, "orchestrator.RerunDomain", id)
}

// AddEvidence appends an immutable evidence record to a live investigation.
func (o *Orchestrator) AddEvidence(ctx context.Context, id string, ev models.Evidence) (*models.Investigation, error) {
	const opName = "orchestrator.AddEvidence"
	if strings.TrimSpace(ev.Type) == "" || strings.TrimSpace(ev.Content) == "" {
		return nil, utils.ValidationError(opName, "evidence type and content are required")
	}
	if r, ok := o.active(id); ok {
		if rep, ok := r.submit(ctx, op{kind: opEvidence, evidence: ev}); ok {
			return rep.inv, rep.err
		}
	}
	return nil, o.notRunning(ctx, opName, id)
}

func (o *Orchestrator) notRunning(ctx context.Context, opName, id string) error {
	inv, err := o.store.GetInvestigation(ctx, id)
	if err != nil {
		return err
	}
	return utils.NewKindError(utils.KindConflict, opName, fmt.Sprintf("investigation is %s", inv.Status), utils.ErrVersionConflict).
		With("investigation_id", id)
}

// Get returns the latest committed snapshot.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Investigation, error) {
	return o.store.GetInvestigation(ctx, id)
}

// Wait blocks until the investigation reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.Investigation, error) {
	r, ok := o.active(id)
	if !ok {
		return o.store.GetInvestigation(ctx, id)
	}
	select {
	case <-r.done:
		return r.final.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting new investigations and waits for running ones to finish. When ctx
// expires first, remaining runs are interrupted and end FAILED.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	active := len(o.runs)
	o.mu.Unlock()

	o.logger.Info("draining investigations", slog.Int("active", active))
	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		o.baseCancel()
		return nil
	case <-ctx.Done():
		o.logger.Warn("shutdown deadline reached, interrupting investigations")
		o.baseCancel()
		<-drained
		return ctx.Err()
	}
}

// domainTask calls one agent under the retry policy and always produces exactly one result op.
func (o *Orchestrator) domainTask(ctx context.Context, r *run, domain models.Domain) op {
	ctx, span := o.tracer.Start(ctx, "orchestrator.domain", trace.WithAttributes(
		attribute.String("investigation.id", r.id),
		attribute.String("domain", string(domain)),
	))
	defer span.End()

	logger := r.logger.With(slog.String("domain", string(domain)))
	var execs []models.ToolExecution

	agent, err := o.agents.Lookup(domain)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("domain has no agent, marking absent", slog.Any("error", err))
		return op{kind: opResult, domain: domain, result: models.AbsentResult(err.Error(), 0, o.clock.Now())}
	}

	var result models.DomainResult
	attempts, err := o.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		metrics.DomainAttempt(string(domain))
		started := o.clock.Now()
		res, callErr := o.callAgent(ctx, agent, r.req)
		outcome := "ok"
		if callErr != nil {
			outcome = string(utils.KindOf(callErr))
			if outcome == "" {
				outcome = "error"
			}
			logger.Debug("domain attempt failed", slog.Int("attempt", attempt), slog.Any("error", callErr))
		}
		execs = append(execs, models.ToolExecution{
			Domain:    domain,
			Attempt:   attempt,
			Outcome:   outcome,
			Duration:  o.clock.Now().Sub(started),
			Timestamp: started,
		})
		if callErr == nil {
			result = res
		}
		return callErr
	})
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reason := fmt.Sprintf("%s unavailable after %d attempt(s): %v", domain, attempts, err)
		if ctx.Err() != nil {
			reason = fmt.Sprintf("%s interrupted: %v", domain, ctx.Err())
		} else {
			logger.Warn("domain degraded to absent", slog.Int("attempt", attempts), slog.Any("error", err))
		}
		return op{kind: opResult, domain: domain, result: models.AbsentResult(reason, attempts, o.clock.Now()), execs: execs}
	}

	result.Attempts = attempts
	if result.CompletedAt.IsZero() {
		result.CompletedAt = o.clock.Now()
	}
	return op{kind: opResult, domain: domain, result: result, execs: execs}
}

// callAgent enforces the hard per-call timeout even when an agent ignores its context.
func (o *Orchestrator) callAgent(ctx context.Context, agent agents.Agent, req agents.AnalyzeRequest) (models.DomainResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		res models.DomainResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := agent.Analyze(callCtx, req)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return models.DomainResult{}, timeoutError(o.cfg.CallTimeout, out.err)
		}
		return out.res, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return models.DomainResult{}, err
		}
		return models.DomainResult{}, timeoutError(o.cfg.CallTimeout, callCtx.Err())
	}
}

func timeoutError(timeout time.Duration, err error) error {
	return utils.RetryableError("orchestrator.callAgent", "agent call timed out", err).With("timeout", timeout.String())
}

func percentFor(done, total int) float64 {
	if total == 0 {
		return analyzedPercent
	}
	return math.Round(analyzedPercent*float64(done)/float64(total)*100) / 100
}
