package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// MemoryStore keeps everything in process. Reads and writes copy values so callers never share state.
type MemoryStore struct {
	mu             sync.RWMutex
	investigations map[string]*models.Investigation
	runs           map[string]*models.DetectionRun
	anomalies      map[string]*models.AnomalyEvent
	unavailable    error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		investigations: make(map[string]*models.Investigation),
		runs:           make(map[string]*models.DetectionRun),
		anomalies:      make(map[string]*models.AnomalyEvent),
	}
}

// SetUnavailable makes every subsequent call fail with err; nil restores service.
func (m *MemoryStore) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

func (m *MemoryStore) check(op string) error {
	if m.unavailable != nil {
		return utils.PersistenceError(op, m.unavailable)
	}
	return nil
}

func (m *MemoryStore) CreateInvestigation(_ context.Context, inv *models.Investigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("store.CreateInvestigation"); err != nil {
		return err
	}
	if _, ok := m.investigations[inv.ID]; ok {
		return utils.NewKindError(utils.KindConflict, "store.CreateInvestigation", "investigation exists", utils.ErrVersionConflict).With("investigation_id", inv.ID)
	}
	m.investigations[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) GetInvestigation(_ context.Context, id string) (*models.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("store.GetInvestigation"); err != nil {
		return nil, err
	}
	inv, ok := m.investigations[id]
	if !ok {
		return nil, fmt.Errorf("investigation %s: %w", id, utils.ErrNotFound)
	}
	return inv.Clone(), nil
}

func (m *MemoryStore) UpdateInvestigation(_ context.Context, inv *models.Investigation, expectedVersion int64) error {
	if err := checkNextVersion(inv, expectedVersion); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("store.UpdateInvestigation"); err != nil {
		return err
	}
	cur, ok := m.investigations[inv.ID]
	if !ok {
		return fmt.Errorf("investigation %s: %w", inv.ID, utils.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return conflict(inv.ID, expectedVersion, cur.Version)
	}
	m.investigations[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) ListInvestigations(_ context.Context, filter InvestigationFilter) ([]*models.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("store.ListInvestigations"); err != nil {
		return nil, err
	}
	out := make([]*models.Investigation, 0)
	for _, inv := range m.investigations {
		if filter.OwnerID != "" && inv.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOr(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.DetectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("store.CreateRun"); err != nil {
		return err
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, run *models.DetectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("store.FinishRun"); err != nil {
		return err
	}
	cur, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, utils.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return utils.NewKindError(utils.KindConflict, "store.FinishRun", "run already finished", nil).With("run_id", run.ID)
	}
	cur.Status = run.Status
	cur.CohortsEvaluated = run.CohortsEvaluated
	cur.CohortsFailed = run.CohortsFailed
	cur.Anomalies = run.Anomalies
	cur.Error = run.Error
	cur.FinishedAt = run.FinishedAt
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, detectorID string, limit int) ([]*models.DetectionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("store.ListRuns"); err != nil {
		return nil, err
	}
	out := make([]*models.DetectionRun, 0)
	for _, run := range m.runs {
		if detectorID != "" && run.DetectorID != detectorID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if l := limitOr(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *MemoryStore) CreateAnomaly(_ context.Context, ev *models.AnomalyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("store.CreateAnomaly"); err != nil {
		return err
	}
	m.anomalies[ev.ID] = copyAnomaly(ev)
	return nil
}

func (m *MemoryStore) GetAnomaly(_ context.Context, id string) (*models.AnomalyEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("store.GetAnomaly"); err != nil {
		return nil, err
	}
	ev, ok := m.anomalies[id]
	if !ok {
		return nil, fmt.Errorf("anomaly %s: %w", id, utils.ErrNotFound)
	}
	return copyAnomaly(ev), nil
}

func (m *MemoryStore) UpdateAnomalyStatus(_ context.Context, id string, status models.AnomalyStatus, at time.Time) error {
	return m.mutateAnomaly("store.UpdateAnomalyStatus", id, func(ev *models.AnomalyEvent) {
		ev.Status = status
		ev.UpdatedAt = at
	})
}

func (m *MemoryStore) UpdateAnomalyPersistence(_ context.Context, id string, persistedN int, at time.Time) error {
	return m.mutateAnomaly("store.UpdateAnomalyPersistence", id, func(ev *models.AnomalyEvent) {
		ev.PersistedN = persistedN
		ev.UpdatedAt = at
	})
}

func (m *MemoryStore) mutateAnomaly(op, id string, fn func(*models.AnomalyEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(op); err != nil {
		return err
	}
	ev, ok := m.anomalies[id]
	if !ok {
		return fmt.Errorf("anomaly %s: %w", id, utils.ErrNotFound)
	}
	fn(ev)
	return nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, filter AnomalyFilter) ([]*models.AnomalyEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("store.ListAnomalies"); err != nil {
		return nil, err
	}
	out := make([]*models.AnomalyEvent, 0)
	for _, ev := range m.anomalies {
		if filter.DetectorID != "" && ev.DetectorID != filter.DetectorID {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && ev.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, copyAnomaly(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if l := limitOr(filter.Limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *MemoryStore) LatestOpenAnomaly(_ context.Context, cohortKey, metric string) (*models.AnomalyEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("store.LatestOpenAnomaly"); err != nil {
		return nil, err
	}
	var latest *models.AnomalyEvent
	for _, ev := range m.anomalies {
		if ev.Metric != metric || ev.Cohort.Key() != cohortKey {
			continue
		}
		if ev.Status == models.AnomalyClosed {
			continue
		}
		if latest == nil || ev.CreatedAt.After(latest.CreatedAt) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("open anomaly for %s/%s: %w", cohortKey, metric, utils.ErrNotFound)
	}
	return copyAnomaly(latest), nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("store.Ping")
}

func (m *MemoryStore) Close() error { return nil }

func copyAnomaly(ev *models.AnomalyEvent) *models.AnomalyEvent {
	cp := *ev
	cp.Cohort = make(models.Cohort, len(ev.Cohort))
	for k, v := range ev.Cohort {
		cp.Cohort[k] = v
	}
	return &cp
}

func checkNextVersion(inv *models.Investigation, expected int64) error {
	if inv.Version != expected+1 {
		return utils.ValidationError("store.UpdateInvestigation",
			fmt.Sprintf("version must advance by one: expected %d got %d", expected+1, inv.Version)).
			With("investigation_id", inv.ID)
	}
	return nil
}

func conflict(id string, expected, actual int64) error {
	return utils.NewKindError(utils.KindConflict, "store.UpdateInvestigation", "stale version", utils.ErrVersionConflict).
		With("investigation_id", id).
		With("expected_version", expected).
		With("actual_version", actual)
}
