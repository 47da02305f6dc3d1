package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-risk/internal/audit"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// TriageAnomaly moves a NEW anomaly to TRIAGED. Triaging an already triaged anomaly is a no-op.
func (s *Scheduler) TriageAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error) {
	return s.transition(ctx, "scheduler.TriageAnomaly", id, actor, models.AnomalyTriaged, audit.EventAnomalyTriaged)
}

// CloseAnomaly closes a NEW or TRIAGED anomaly. Closing twice is a no-op.
func (s *Scheduler) CloseAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error) {
	return s.transition(ctx, "scheduler.CloseAnomaly", id, actor, models.AnomalyClosed, audit.EventAnomalyClosed)
}

func (s *Scheduler) transition(ctx context.Context, op, id, actor string, to models.AnomalyStatus, event audit.EventType) (*models.AnomalyEvent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, utils.ValidationError(op, "anomaly id is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, utils.AuthorizationError(op, "actor is required")
	}
	ev, err := s.store.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status == to {
		return ev, nil
	}
	if ev.Status == models.AnomalyClosed {
		return nil, utils.NewKindError(utils.KindConflict, op, fmt.Sprintf("anomaly is %s", ev.Status), nil).With("anomaly_id", id)
	}

	now := s.clock.Now()
	if err := s.store.UpdateAnomalyStatus(ctx, id, to, now); err != nil {
		return nil, utils.PersistenceError(op, err)
	}
	ev.Status = to
	ev.UpdatedAt = now
	s.auditor.Record(audit.Event{
		Type:      event,
		AnomalyID: id,
		Actor:     actor,
		Timestamp: now,
	})
	s.logger.Info("anomaly status changed", slog.String("anomaly_id", id), slog.String("status", string(to)), slog.String("actor", actor))
	return ev, nil
}

// Starter begins investigations. *orchestrator.Orchestrator satisfies it.
type Starter interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*models.Investigation, error)
}

// InvestigationTrigger starts an investigation for anomalies at or above MinSeverity whose
// cohort names an entity.
type InvestigationTrigger struct {
	Starter     Starter
	OwnerID     string
	MinSeverity models.Severity
	// EntityDimensions are cohort dimensions, in priority order, that identify an entity.
	EntityDimensions []string
	Logger           *slog.Logger
}

var severityRank = map[models.Severity]int{
	models.SeverityInfo:     0,
	models.SeverityWarning:  1,
	models.SeverityCritical: 2,
}

// OnAnomaly implements AnomalyHandler.
func (t *InvestigationTrigger) OnAnomaly(ctx context.Context, ev *models.AnomalyEvent) {
	logger := utils.Component(t.Logger, "scheduler.trigger")
	if severityRank[ev.Severity] < severityRank[t.MinSeverity] {
		return
	}
	entity, ok := t.entityFor(ev.Cohort)
	if !ok {
		logger.Debug("anomaly cohort names no entity", slog.String("anomaly_id", ev.ID), slog.String("cohort", ev.Cohort.Key()))
		return
	}
	owner := t.OwnerID
	if owner == "" {
		owner = "system:detection"
	}

	reqCtx := map[string]any{
		"anomaly_id":  ev.ID,
		"detector_id": ev.DetectorID,
		"metric":      ev.Metric,
		"score":       ev.Score,
		"severity":    string(ev.Severity),
	}
	for k, v := range ev.Cohort {
		reqCtx[k] = v
	}
	inv, err := t.Starter.Start(ctx, orchestrator.StartRequest{
		OwnerID:          owner,
		Entity:           entity,
		Window:           models.TimeWindow{From: ev.WindowFrom, To: ev.WindowTo},
		Context:          reqCtx,
		TriggerAnomalyID: ev.ID,
	})
	if err != nil {
		logger.Warn("anomaly investigation not started", slog.String("anomaly_id", ev.ID), slog.Any("error", err))
		return
	}
	logger.Info("anomaly investigation started", slog.String("anomaly_id", ev.ID), slog.String("investigation_id", inv.ID))
}

func (t *InvestigationTrigger) entityFor(cohort models.Cohort) (models.EntityRef, bool) {
	for _, dim := range t.EntityDimensions {
		if v := strings.TrimSpace(cohort[dim]); v != "" {
			return models.EntityRef{Type: dim, Value: v}, true
		}
	}
	return models.EntityRef{}, false
}
