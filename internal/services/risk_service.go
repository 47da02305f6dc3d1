package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/state"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// Investigations is the subset of the orchestrator the facade drives.
type Investigations interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*models.Investigation, error)
	Cancel(ctx context.Context, id, ownerID string) (*models.Investigation, error)
	RerunDomain(ctx context.Context, id string, domain models.Domain) (*models.Investigation, error)
	AddEvidence(ctx context.Context, id string, ev models.Evidence) (*models.Investigation, error)
}

// StateReader answers ownership-checked polls.
type StateReader interface {
	GetIfNoneMatch(ctx context.Context, id, userID, ifNoneMatch string) (state.Snapshot, bool, error)
	Authorize(ctx context.Context, id, userID string) error
}

// Detection is the subset of the scheduler the facade drives.
type Detection interface {
	RunNow(ctx context.Context, detectorID string) (*models.DetectionRun, error)
	Detectors() []models.Detector
	TriageAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error)
	CloseAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error)
}

// RiskService is the transport-neutral facade behind the gRPC and HTTP surfaces.
type RiskService struct {
	logger         *slog.Logger
	investigations Investigations
	state          StateReader
	detection      Detection
	store          store.Store
	latencies      *utils.LatencyTracker
}

// NewRiskService constructs the facade. detection may be nil when scheduled detection is disabled.
func NewRiskService(logger *slog.Logger, investigations Investigations, reader StateReader, detection Detection, st store.Store) *RiskService {
	return &RiskService{
		logger:         utils.Component(logger, "service"),
		investigations: investigations,
		state:          reader,
		detection:      detection,
		store:          st,
		latencies:      utils.NewLatencyTracker(1024),
	}
}

// StartInvestigation creates an investigation owned by req.OwnerID.
func (s *RiskService) StartInvestigation(ctx context.Context, req orchestrator.StartRequest) (*models.Investigation, error) {
	inv, err := s.investigations.Start(ctx, req)
	if err != nil {
		s.logger.Warn("start investigation rejected", slog.String("owner_id", req.OwnerID), slog.Any("error", err))
		return nil, err
	}
	s.logger.Debug("investigation accepted", slog.String("investigation_id", inv.ID), slog.String("status", string(inv.Status)))
	return inv, nil
}

// InvestigationState returns the caller's snapshot and whether ifNoneMatch is still current.
func (s *RiskService) InvestigationState(ctx context.Context, id, userID, ifNoneMatch string) (state.Snapshot, bool, error) {
	start := time.Now()
	snap, notModified, err := s.state.GetIfNoneMatch(ctx, id, userID, ifNoneMatch)
	if err != nil {
		return state.Snapshot{}, false, err
	}
	if n := s.latencies.Observe(time.Since(start)); n%100 == 0 {
		sum := s.latencies.Summary()
		s.logger.Info("state poll latency",
			slog.Duration("p50", sum.P50),
			slog.Duration("p95", sum.P95),
			slog.Duration("max", sum.Max),
			slog.Uint64("observed", sum.Observed))
	}
	return snap, notModified, nil
}

// CancelInvestigation cancels an investigation owned by userID.
func (s *RiskService) CancelInvestigation(ctx context.Context, id, userID string) (*models.Investigation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, utils.AuthorizationError("services.CancelInvestigation", "user id is required")
	}
	return s.investigations.Cancel(ctx, id, userID)
}

// RerunDomain dispatches domain again after checking ownership.
func (s *RiskService) RerunDomain(ctx context.Context, id, userID string, domain models.Domain) (*models.Investigation, error) {
	if strings.TrimSpace(string(domain)) == "" {
		return nil, utils.ValidationError("services.RerunDomain", "domain is required")
	}
	if err := s.state.Authorize(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.investigations.RerunDomain(ctx, id, domain)
}

// AddEvidence appends evidence after checking ownership. The caller is recorded as the source
// when none is given.
func (s *RiskService) AddEvidence(ctx context.Context, id, userID string, ev models.Evidence) (*models.Investigation, error) {
	if err := s.state.Authorize(ctx, id, userID); err != nil {
		return nil, err
	}
	if ev.Source == "" {
		ev.Source = userID
	}
	return s.investigations.AddEvidence(ctx, id, ev)
}

// ListInvestigations lists the caller's investigations, newest first.
func (s *RiskService) ListInvestigations(ctx context.Context, userID string, status models.Status, limit int) ([]*models.Investigation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, utils.AuthorizationError("services.ListInvestigations", "user id is required")
	}
	return s.store.ListInvestigations(ctx, store.InvestigationFilter{OwnerID: userID, Status: status, Limit: limit})
}

// ListAnomalies lists raised anomalies matching filter.
func (s *RiskService) ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]*models.AnomalyEvent, error) {
	return s.store.ListAnomalies(ctx, filter)
}

// GetAnomaly returns one anomaly event.
func (s *RiskService) GetAnomaly(ctx context.Context, id string) (*models.AnomalyEvent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, utils.ValidationError("services.GetAnomaly", "anomaly id is required")
	}
	return s.store.GetAnomaly(ctx, id)
}

func (s *RiskService) TriageAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error) {
	if err := s.detectionEnabled("services.TriageAnomaly"); err != nil {
		return nil, err
	}
	return s.detection.TriageAnomaly(ctx, id, actor)
}

func (s *RiskService) CloseAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error) {
	if err := s.detectionEnabled("services.CloseAnomaly"); err != nil {
		return nil, err
	}
	return s.detection.CloseAnomaly(ctx, id, actor)
}

// RunDetector executes a detector immediately, outside its schedule.
func (s *RiskService) RunDetector(ctx context.Context, detectorID string) (*models.DetectionRun, error) {
	if err := s.detectionEnabled("services.RunDetector"); err != nil {
		return nil, err
	}
	run, err := s.detection.RunNow(ctx, detectorID)
	if err != nil {
		s.logger.Warn("manual detector run failed", slog.String("detector_id", detectorID), slog.Any("error", err))
		return run, err
	}
	return run, nil
}

// ListRuns returns recent runs of one detector, or of all detectors when detectorID is empty.
func (s *RiskService) ListRuns(ctx context.Context, detectorID string, limit int) ([]*models.DetectionRun, error) {
	return s.store.ListRuns(ctx, detectorID, limit)
}

// Detectors returns the loaded detector catalog.
func (s *RiskService) Detectors() []models.Detector {
	if s.detection == nil {
		return nil
	}
	return s.detection.Detectors()
}

// Ping reports whether storage is reachable.
func (s *RiskService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *RiskService) detectionEnabled(op string) error {
	if s.detection == nil {
		return utils.TerminalError(op, "scheduled detection is disabled", nil)
	}
	return nil
}
