package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-risk/internal/agents"
	"github.com/miradorstack/mirador-risk/internal/audit"
	"github.com/miradorstack/mirador-risk/internal/fusion"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

var errInterrupted = errors.New("interrupted by shutdown")

type opKind int

const (
	opResult opKind = iota
	opCancel
	opRerun
	opEvidence
)

type op struct {
	kind     opKind
	domain   models.Domain
	result   models.DomainResult
	execs    []models.ToolExecution
	evidence models.Evidence
	actor    string
	reply    chan reply
}

type reply struct {
	inv *models.Investigation
	err error
}

// run is the actor that owns one investigation. Only the loop goroutine touches cur, pending
// and slotHeld once loop has started.
type run struct {
	o       *Orchestrator
	id      string
	ownerID string
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	ops     chan op
	done    chan struct{}
	group   errgroup.Group
	req     agents.AnalyzeRequest
	started time.Time
	logger  *slog.Logger

	cur      *models.Investigation
	pending  int
	slotHeld bool
	final    *models.Investigation
}

// submit hands o to the actor and waits for its reply. ok is false when the actor exited
// before handling the op, in which case the caller falls back to the store.
func (r *run) submit(ctx context.Context, o op) (rep reply, ok bool) {
	o.reply = make(chan reply, 1)
	select {
	case r.ops <- o:
	case <-r.done:
		return reply{}, false
	case <-ctx.Done():
		return reply{err: ctx.Err()}, true
	}

	select {
	case rep = <-o.reply:
		return rep, true
	case <-r.done:
		select {
		case rep = <-o.reply:
			return rep, true
		default:
			return reply{}, false
		}
	case <-ctx.Done():
		return reply{err: ctx.Err()}, true
	}
}

func (r *run) loop(acquired <-chan error) {
	defer r.exit()

	ctxDone := r.ctx.Done()
	for {
		if r.cur.Status.Terminal() && r.pending == 0 && acquired == nil {
			return
		}
		select {
		case err := <-acquired:
			acquired = nil
			r.onAcquired(err)
		case o := <-r.ops:
			r.handle(o)
		case <-ctxDone:
			ctxDone = nil
			if !r.cur.Status.Terminal() {
				r.fail(errInterrupted)
			}
		}
	}
}

func (r *run) exit() {
	r.final = r.cur
	r.cancel()
	r.span.End()
	close(r.done)
	r.o.forget(r.id)
}

func (r *run) onAcquired(err error) {
	if err != nil {
		if !r.cur.Status.Terminal() {
			r.fail(errInterrupted)
		}
		return
	}
	if r.cur.Status.Terminal() {
		r.o.slots.Release(1)
		return
	}
	_ = r.onSlot()
}

// onSlot moves the investigation to RUNNING and dispatches every domain.
func (r *run) onSlot() error {
	r.slotHeld = true
	metrics.InvestigationSlot(1)

	next := r.cur.Clone()
	next.Status = models.StatusRunning
	next.Progress.Phase = models.PhaseDispatching
	if err := r.commit(next); err != nil {
		r.fail(err)
		return err
	}
	r.o.audit.Record(audit.Event{Type: audit.EventInvestigationRunning, InvestigationID: r.id, Version: r.cur.Version, Timestamp: r.cur.UpdatedAt})
	r.logger.Info("investigation running", slog.Int("domains", len(r.cur.Domains)))

	r.dispatch(r.cur.Domains...)
	if r.pending == 0 {
		r.finalize()
	}
	return nil
}

func (r *run) dispatch(domains ...models.Domain) {
	r.pending += len(domains)
	ctx := r.ctx
	go func() {
		for _, d := range domains {
			r.group.Go(func() error {
				r.ops <- r.o.domainTask(ctx, r, d)
				return nil
			})
		}
	}()
}

func (r *run) handle(o op) {
	switch o.kind {
	case opResult:
		r.onResult(o)
	case opCancel:
		o.reply <- r.onCancel(o.actor)
	case opRerun:
		o.reply <- r.onRerun(o.domain)
	case opEvidence:
		o.reply <- r.onEvidence(o.evidence)
	}
}

func (r *run) onResult(o op) {
	r.pending--
	if r.cur.Status == models.StatusRunning && r.ctx.Err() != nil {
		r.fail(errInterrupted)
	}
	if r.cur.Status != models.StatusRunning {
		metrics.DomainTask(string(o.domain), metrics.TaskDiscarded)
		r.logger.Warn("discarding late domain result",
			slog.String("domain", string(o.domain)),
			slog.String("status", string(r.cur.Status)),
		)
		return
	}

	outcome := metrics.TaskSuccess
	if !o.result.RiskScore.Present() {
		outcome = metrics.TaskAbsent
	}

	next := r.cur.Clone()
	next.Findings[o.domain] = o.result
	next.Progress.ToolExecutions = append(next.Progress.ToolExecutions, o.execs...)
	next.Progress.DomainsCompleted = next.CompletedDomains()
	next.Progress.PercentComplete = percentFor(len(next.Progress.DomainsCompleted), len(next.Domains))
	next.Progress.Phase = models.PhaseAnalyzing
	if err := r.commit(next); err != nil {
		r.fail(err)
		return
	}
	metrics.DomainTask(string(o.domain), outcome)
	r.logger.Debug("domain result merged",
		slog.String("domain", string(o.domain)),
		slog.String("risk_score", o.result.RiskScore.String()),
		slog.Int("attempt", o.result.Attempts),
		slog.Int64("version", r.cur.Version),
	)

	if r.pending == 0 {
		r.finalize()
	}
}

func (r *run) finalize() {
	weights := r.o.weights.Resolve(r.cur.Segment)
	fused := fusion.Compute(r.cur.Findings, weights)

	next := r.cur.Clone()
	next.FinalRiskScore = fused.Score
	next.Breakdown = fused.Breakdown
	if r.o.recommender != nil {
		next.Recommendations = r.o.recommender.Recommend(next)
	}
	next.Status = models.StatusCompleted
	next.Progress.Phase = models.PhaseFinalized
	next.Progress.PercentComplete = 100
	next.Progress.DomainsCompleted = next.CompletedDomains()
	next.CompletedAt = r.o.clock.Now()
	if err := r.commit(next); err != nil {
		r.fail(err)
		return
	}
	r.span.SetAttributes(
		attribute.Float64("final_risk_score", fused.Score),
		attribute.Int("contributing_domains", fused.Contributing),
	)
	r.finish(metrics.OutcomeCompleted, audit.EventInvestigationCompleted, nil)
}

func (r *run) onCancel(actor string) reply {
	const opName = "orchestrator.Cancel"
	if r.cur.Status == models.StatusCancelled {
		return reply{inv: r.cur.Clone()}
	}
	if r.cur.Status.Terminal() {
		return reply{err: utils.NewKindError(utils.KindConflict, opName, fmt.Sprintf("investigation already %s", r.cur.Status), utils.ErrVersionConflict).
			With("investigation_id", r.id)}
	}

	next := r.cur.Clone()
	next.Status = models.StatusCancelled
	next.Error = "cancelled by owner"
	next.CompletedAt = r.o.clock.Now()
	if err := r.commit(next); err != nil {
		r.fail(err)
		return reply{err: err}
	}
	r.logger.Info("investigation cancelled", slog.String("actor", actor), slog.Int("pending_tasks", r.pending))
	r.finish(metrics.OutcomeCancelled, audit.EventInvestigationCancelled, nil)
	return reply{inv: r.cur.Clone()}
}

func (r *run) onRerun(domain models.Domain) reply {
	const opName = "orchestrator.RerunDomain"
	if r.cur.Status != models.StatusRunning {
		return reply{err: utils.NewKindError(utils.KindConflict, opName, fmt.Sprintf("investigation is %s", r.cur.Status), utils.ErrVersionConflict).
			With("investigation_id", r.id)}
	}
	if !slices.Contains(r.cur.Domains, domain) {
		return reply{err: utils.ValidationError(opName, fmt.Sprintf("domain %q is not part of this investigation", domain))}
	}
	r.dispatch(domain)
	r.o.audit.Record(audit.Event{
		Type:            audit.EventDomainRerun,
		InvestigationID: r.id,
		Version:         r.cur.Version,
		Metadata:        map[string]any{"domain": string(domain)},
		Timestamp:       r.o.clock.Now(),
	})
	r.logger.Info("domain rerun dispatched", slog.String("domain", string(domain)))
	return reply{inv: r.cur.Clone()}
}

func (r *run) onEvidence(ev models.Evidence) reply {
	const opName = "orchestrator.AddEvidence"
	if r.cur.Status.Terminal() {
		return reply{err: utils.NewKindError(utils.KindConflict, opName, fmt.Sprintf("investigation is %s", r.cur.Status), utils.ErrVersionConflict).
			With("investigation_id", r.id)}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.o.clock.Now()
	}

	next := r.cur.Clone()
	next.Progress.Evidence = append(next.Progress.Evidence, ev)
	if err := r.commit(next); err != nil {
		r.fail(err)
		return reply{err: err}
	}
	r.o.audit.Record(audit.Event{
		Type:            audit.EventEvidenceAdded,
		InvestigationID: r.id,
		Version:         r.cur.Version,
		Metadata:        map[string]any{"evidence_id": ev.ID, "type": ev.Type, "source": ev.Source},
		Timestamp:       ev.Timestamp,
	})
	return reply{inv: r.cur.Clone()}
}

// commit persists next as version cur+1 and publishes progress. cur only advances on success.
func (r *run) commit(next *models.Investigation) error {
	next.Version = r.cur.Version + 1
	next.UpdatedAt = r.o.clock.Now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), persistTimeout)
	defer cancel()
	if err := r.o.store.UpdateInvestigation(ctx, next, r.cur.Version); err != nil {
		return err
	}
	r.cur = next
	r.o.sink.Publish(models.ProgressEventFor(next))
	return nil
}

// fail marks the investigation FAILED. When storage itself is down the FAILED state is kept in
// memory so Wait still observes it.
func (r *run) fail(cause error) {
	if r.cur.Status.Terminal() {
		return
	}
	next := r.cur.Clone()
	next.Status = models.StatusFailed
	next.Error = cause.Error()
	next.CompletedAt = r.o.clock.Now()
	if err := r.commit(next); err != nil {
		r.logger.Error("failed to persist FAILED state", slog.Any("error", err), slog.Any("cause", cause))
		r.cur = next
	}
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, cause.Error())
	r.finish(metrics.OutcomeFailed, audit.EventInvestigationFailed, cause)
}

func (r *run) finish(outcome string, event audit.EventType, cause error) {
	if r.slotHeld {
		r.o.slots.Release(1)
		r.slotHeld = false
		metrics.InvestigationSlot(-1)
	}
	now := r.o.clock.Now()
	metrics.ObserveInvestigation(now.Sub(r.started), outcome)

	ev := audit.Event{Type: event, InvestigationID: r.id, Version: r.cur.Version, Timestamp: now}
	attrs := []any{
		slog.String("status", string(r.cur.Status)),
		slog.Int64("version", r.cur.Version),
		slog.Float64("final_risk_score", r.cur.FinalRiskScore),
		slog.Duration("elapsed", now.Sub(r.started)),
	}
	if cause != nil {
		ev.Error = cause.Error()
		attrs = append(attrs, slog.Any("error", cause))
		r.logger.Error("investigation failed", attrs...)
	} else {
		r.logger.Info("investigation finished", attrs...)
	}
	r.o.audit.Record(ev)
	r.span.SetAttributes(attribute.String("status", string(r.cur.Status)))
	r.cancel()
}
