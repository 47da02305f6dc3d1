package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// SQLStore implements Store on sqlite (modernc, no cgo) or postgres (lib/pq).
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open connects to driver/dsn and runs pending migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		db, err = openSQLite(dsn)
		driver = DriverSQLite
	case DriverPostgres, "postgresql":
		db, err = sqlx.ConnectContext(ctx, DriverPostgres, dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
		driver = DriverPostgres
	default:
		return nil, utils.ValidationError("store.Open", fmt.Sprintf("unsupported driver %q", driver))
	}
	if err != nil {
		return nil, utils.PersistenceError("store.Open", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, utils.PersistenceError("store.Open", fmt.Errorf("migrate: %w", err))
	}
	return s, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}
	raw, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	raw.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := raw.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := raw.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("busy timeout: %w", err)
	}
	return sqlx.NewDb(raw, DriverSQLite), nil
}

// Driver reports the normalized driver name.
func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return utils.PersistenceError("store.Ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type investigationRow struct {
	ID        string `db:"id"`
	OwnerID   string `db:"owner_id"`
	Status    string `db:"status"`
	Version   int64  `db:"version"`
	Segment   string `db:"segment"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func toInvestigationRow(inv *models.Investigation) (investigationRow, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return investigationRow{}, err
	}
	return investigationRow{
		ID:        inv.ID,
		OwnerID:   inv.OwnerID,
		Status:    string(inv.Status),
		Version:   inv.Version,
		Segment:   inv.Segment,
		Payload:   string(payload),
		CreatedAt: nanos(inv.CreatedAt),
		UpdatedAt: nanos(inv.UpdatedAt),
	}, nil
}

func (r investigationRow) decode() (*models.Investigation, error) {
	var inv models.Investigation
	if err := json.Unmarshal([]byte(r.Payload), &inv); err != nil {
		return nil, err
	}
	// columns are authoritative for the fields used in WHERE clauses
	inv.Version = r.Version
	inv.Status = models.Status(r.Status)
	if inv.Findings == nil {
		inv.Findings = map[models.Domain]models.DomainResult{}
	}
	return &inv, nil
}

func (s *SQLStore) CreateInvestigation(ctx context.Context, inv *models.Investigation) error {
	row, err := toInvestigationRow(inv)
	if err != nil {
		return utils.NewAppError("store.CreateInvestigation", "encode investigation", err)
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO investigations
		(id, owner_id, status, version, segment, payload, created_at, updated_at)
		VALUES (:id, :owner_id, :status, :version, :segment, :payload, :created_at, :updated_at)`, row)
	if err != nil {
		return utils.PersistenceError("store.CreateInvestigation", err).With("investigation_id", inv.ID)
	}
	return nil
}

func (s *SQLStore) GetInvestigation(ctx context.Context, id string) (*models.Investigation, error) {
	var row investigationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM investigations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("investigation %s: %w", id, utils.ErrNotFound)
	}
	if err != nil {
		return nil, utils.PersistenceError("store.GetInvestigation", err).With("investigation_id", id)
	}
	inv, err := row.decode()
	if err != nil {
		return nil, utils.PersistenceError("store.GetInvestigation", fmt.Errorf("decode payload: %w", err)).With("investigation_id", id)
	}
	return inv, nil
}

func (s *SQLStore) UpdateInvestigation(ctx context.Context, inv *models.Investigation, expectedVersion int64) error {
	if err := checkNextVersion(inv, expectedVersion); err != nil {
		return err
	}
	row, err := toInvestigationRow(inv)
	if err != nil {
		return utils.NewAppError("store.UpdateInvestigation", "encode investigation", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE investigations
		SET status = ?, version = ?, segment = ?, payload = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		row.Status, row.Version, row.Segment, row.Payload, row.UpdatedAt, row.ID, expectedVersion)
	if err != nil {
		return utils.PersistenceError("store.UpdateInvestigation", err).With("investigation_id", inv.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return utils.PersistenceError("store.UpdateInvestigation", err).With("investigation_id", inv.ID)
	}
	if n == 1 {
		return nil
	}
	var actual int64
	err = s.db.GetContext(ctx, &actual, s.db.Rebind(`SELECT version FROM investigations WHERE id = ?`), inv.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("investigation %s: %w", inv.ID, utils.ErrNotFound)
	}
	if err != nil {
		return utils.PersistenceError("store.UpdateInvestigation", err).With("investigation_id", inv.ID)
	}
	return conflict(inv.ID, expectedVersion, actual)
}

func (s *SQLStore) ListInvestigations(ctx context.Context, filter InvestigationFilter) ([]*models.Investigation, error) {
	query := `SELECT * FROM investigations WHERE 1=1`
	args := []any{}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit))

	var rows []investigationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, utils.PersistenceError("store.ListInvestigations", err)
	}
	out := make([]*models.Investigation, 0, len(rows))
	for _, row := range rows {
		inv, err := row.decode()
		if err != nil {
			return nil, utils.PersistenceError("store.ListInvestigations", fmt.Errorf("decode %s: %w", row.ID, err))
		}
		out = append(out, inv)
	}
	return out, nil
}

type runRow struct {
	ID               string `db:"id"`
	DetectorID       string `db:"detector_id"`
	WindowFrom       int64  `db:"window_from"`
	WindowTo         int64  `db:"window_to"`
	Status           string `db:"status"`
	CohortsEvaluated int    `db:"cohorts_evaluated"`
	CohortsFailed    int    `db:"cohorts_failed"`
	Anomalies        int    `db:"anomalies"`
	Error            string `db:"error"`
	StartedAt        int64  `db:"started_at"`
	FinishedAt       int64  `db:"finished_at"`
}

func toRunRow(run *models.DetectionRun) runRow {
	return runRow{
		ID:               run.ID,
		DetectorID:       run.DetectorID,
		WindowFrom:       nanos(run.WindowFrom),
		WindowTo:         nanos(run.WindowTo),
		Status:           string(run.Status),
		CohortsEvaluated: run.CohortsEvaluated,
		CohortsFailed:    run.CohortsFailed,
		Anomalies:        run.Anomalies,
		Error:            run.Error,
		StartedAt:        nanos(run.StartedAt),
		FinishedAt:       nanos(run.FinishedAt),
	}
}

func (r runRow) model() *models.DetectionRun {
	return &models.DetectionRun{
		ID:               r.ID,
		DetectorID:       r.DetectorID,
		WindowFrom:       fromNanos(r.WindowFrom),
		WindowTo:         fromNanos(r.WindowTo),
		Status:           models.RunStatus(r.Status),
		CohortsEvaluated: r.CohortsEvaluated,
		CohortsFailed:    r.CohortsFailed,
		Anomalies:        r.Anomalies,
		Error:            r.Error,
		StartedAt:        fromNanos(r.StartedAt),
		FinishedAt:       fromNanos(r.FinishedAt),
	}
}

func (s *SQLStore) CreateRun(ctx context.Context, run *models.DetectionRun) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO detection_runs
		(id, detector_id, window_from, window_to, status, cohorts_evaluated, cohorts_failed, anomalies, error, started_at, finished_at)
		VALUES (:id, :detector_id, :window_from, :window_to, :status, :cohorts_evaluated, :cohorts_failed, :anomalies, :error, :started_at, :finished_at)`,
		toRunRow(run))
	if err != nil {
		return utils.PersistenceError("store.CreateRun", err).With("run_id", run.ID)
	}
	return nil
}

// FinishRun records the terminal status and counters. Terminal runs are immutable.
func (s *SQLStore) FinishRun(ctx context.Context, run *models.DetectionRun) error {
	row := toRunRow(run)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE detection_runs
		SET status = ?, cohorts_evaluated = ?, cohorts_failed = ?, anomalies = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?`),
		row.Status, row.CohortsEvaluated, row.CohortsFailed, row.Anomalies, row.Error, row.FinishedAt,
		row.ID, string(models.RunRunning))
	if err != nil {
		return utils.PersistenceError("store.FinishRun", err).With("run_id", run.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewKindError(utils.KindConflict, "store.FinishRun", "run missing or already finished", nil).With("run_id", run.ID)
	}
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, detectorID string, limit int) ([]*models.DetectionRun, error) {
	query := `SELECT * FROM detection_runs`
	args := []any{}
	if detectorID != "" {
		query += ` WHERE detector_id = ?`
		args = append(args, detectorID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOr(limit))

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, utils.PersistenceError("store.ListRuns", err)
	}
	out := make([]*models.DetectionRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

type anomalyRow struct {
	ID         string  `db:"id"`
	RunID      string  `db:"run_id"`
	DetectorID string  `db:"detector_id"`
	Cohort     string  `db:"cohort"`
	CohortKey  string  `db:"cohort_key"`
	WindowFrom int64   `db:"window_from"`
	WindowTo   int64   `db:"window_to"`
	Metric     string  `db:"metric"`
	Observed   float64 `db:"observed"`
	Expected   float64 `db:"expected"`
	Score      float64 `db:"score"`
	Severity   string  `db:"severity"`
	Status     string  `db:"status"`
	PersistedN int     `db:"persisted_n"`
	CreatedAt  int64   `db:"created_at"`
	UpdatedAt  int64   `db:"updated_at"`
}

func toAnomalyRow(ev *models.AnomalyEvent) (anomalyRow, error) {
	cohort, err := json.Marshal(ev.Cohort)
	if err != nil {
		return anomalyRow{}, err
	}
	return anomalyRow{
		ID:         ev.ID,
		RunID:      ev.RunID,
		DetectorID: ev.DetectorID,
		Cohort:     string(cohort),
		CohortKey:  ev.Cohort.Key(),
		WindowFrom: nanos(ev.WindowFrom),
		WindowTo:   nanos(ev.WindowTo),
		Metric:     ev.Metric,
		Observed:   ev.Observed,
		Expected:   ev.Expected,
		Score:      ev.Score,
		Severity:   string(ev.Severity),
		Status:     string(ev.Status),
		PersistedN: ev.PersistedN,
		CreatedAt:  nanos(ev.CreatedAt),
		UpdatedAt:  nanos(ev.UpdatedAt),
	}, nil
}

func (r anomalyRow) model() (*models.AnomalyEvent, error) {
	var cohort models.Cohort
	if err := json.Unmarshal([]byte(r.Cohort), &cohort); err != nil {
		return nil, err
	}
	return &models.AnomalyEvent{
		ID:         r.ID,
		RunID:      r.RunID,
		DetectorID: r.DetectorID,
		Cohort:     cohort,
		WindowFrom: fromNanos(r.WindowFrom),
		WindowTo:   fromNanos(r.WindowTo),
		Metric:     r.Metric,
		Observed:   r.Observed,
		Expected:   r.Expected,
		Score:      r.Score,
		Severity:   models.Severity(r.Severity),
		Status:     models.AnomalyStatus(r.Status),
		PersistedN: r.PersistedN,
		CreatedAt:  fromNanos(r.CreatedAt),
		UpdatedAt:  fromNanos(r.UpdatedAt),
	}, nil
}

func (s *SQLStore) CreateAnomaly(ctx context.Context, ev *models.AnomalyEvent) error {
	row, err := toAnomalyRow(ev)
	if err != nil {
		return utils.NewAppError("store.CreateAnomaly", "encode cohort", err)
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO anomaly_events
		(id, run_id, detector_id, cohort, cohort_key, window_from, window_to, metric, observed, expected, score, severity, status, persisted_n, created_at, updated_at)
		VALUES (:id, :run_id, :detector_id, :cohort, :cohort_key, :window_from, :window_to, :metric, :observed, :expected, :score, :severity, :status, :persisted_n, :created_at, :updated_at)`,
		row)
	if err != nil {
		return utils.PersistenceError("store.CreateAnomaly", err).With("anomaly_id", ev.ID)
	}
	return nil
}

func (s *SQLStore) GetAnomaly(ctx context.Context, id string) (*models.AnomalyEvent, error) {
	var row anomalyRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM anomaly_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("anomaly %s: %w", id, utils.ErrNotFound)
	}
	if err != nil {
		return nil, utils.PersistenceError("store.GetAnomaly", err).With("anomaly_id", id)
	}
	ev, err := row.model()
	if err != nil {
		return nil, utils.PersistenceError("store.GetAnomaly", err).With("anomaly_id", id)
	}
	return ev, nil
}

func (s *SQLStore) UpdateAnomalyStatus(ctx context.Context, id string, status models.AnomalyStatus, at time.Time) error {
	return s.updateAnomaly(ctx, "store.UpdateAnomalyStatus", id,
		`UPDATE anomaly_events SET status = ?, updated_at = ? WHERE id = ?`, string(status), nanos(at), id)
}

func (s *SQLStore) UpdateAnomalyPersistence(ctx context.Context, id string, persistedN int, at time.Time) error {
	return s.updateAnomaly(ctx, "store.UpdateAnomalyPersistence", id,
		`UPDATE anomaly_events SET persisted_n = ?, updated_at = ? WHERE id = ?`, persistedN, nanos(at), id)
}

func (s *SQLStore) updateAnomaly(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return utils.PersistenceError(op, err).With("anomaly_id", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("anomaly %s: %w", id, utils.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]*models.AnomalyEvent, error) {
	query := `SELECT * FROM anomaly_events WHERE 1=1`
	args := []any{}
	if filter.DetectorID != "" {
		query += ` AND detector_id = ?`
		args = append(args, filter.DetectorID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, nanos(filter.Since))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	return s.selectAnomalies(ctx, "store.ListAnomalies", query, args...)
}

func (s *SQLStore) LatestOpenAnomaly(ctx context.Context, cohortKey, metric string) (*models.AnomalyEvent, error) {
	events, err := s.selectAnomalies(ctx, "store.LatestOpenAnomaly", `SELECT * FROM anomaly_events
		WHERE cohort_key = ? AND metric = ? AND status <> ?
		ORDER BY created_at DESC LIMIT 1`,
		cohortKey, metric, string(models.AnomalyClosed))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("open anomaly for %s/%s: %w", cohortKey, metric, utils.ErrNotFound)
	}
	return events[0], nil
}

func (s *SQLStore) selectAnomalies(ctx context.Context, op, query string, args ...any) ([]*models.AnomalyEvent, error) {
	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, utils.PersistenceError(op, err)
	}
	out := make([]*models.AnomalyEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.model()
		if err != nil {
			return nil, utils.PersistenceError(op, fmt.Errorf("decode %s: %w", r.ID, err))
		}
		out = append(out, ev)
	}
	return out, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
