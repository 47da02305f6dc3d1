package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/state"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

type fakeBackend struct {
	inv       *models.Investigation
	started   []orchestrator.StartRequest
	anomalies []*models.AnomalyEvent
	filter    store.AnomalyFilter
	triagedBy string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{inv: &models.Investigation{
		ID:      "inv-1",
		OwnerID: "alice",
		Status:  models.StatusRunning,
		Version: 4,
		Entity:  models.EntityRef{Type: "user", Value: "u-42"},
	}}
}

func (f *fakeBackend) own(op, id, userID string) error {
	if id != f.inv.ID {
		return fmt.Errorf("investigation %s: %w", id, utils.ErrNotFound)
	}
	if userID != f.inv.OwnerID {
		return utils.AuthorizationError(op, "caller does not own investigation")
	}
	return nil
}

func (f *fakeBackend) StartInvestigation(_ context.Context, req orchestrator.StartRequest) (*models.Investigation, error) {
	if req.OwnerID == "" {
		return nil, utils.ValidationError("fake.Start", "owner id is required")
	}
	f.started = append(f.started, req)
	return &models.Investigation{ID: "inv-2", OwnerID: req.OwnerID, Status: models.StatusRunning, Version: 1}, nil
}

func (f *fakeBackend) InvestigationState(_ context.Context, id, userID, ifNoneMatch string) (state.Snapshot, bool, error) {
	if err := f.own("fake.State", id, userID); err != nil {
		return state.Snapshot{}, false, err
	}
	snap := state.Snapshot{Investigation: f.inv.Clone(), ETag: state.ETag(id, f.inv.Version), PollInterval: 1500 * time.Millisecond}
	return snap, state.ETagMatches(ifNoneMatch, snap.ETag), nil
}

func (f *fakeBackend) CancelInvestigation(_ context.Context, id, userID string) (*models.Investigation, error) {
	if err := f.own("fake.Cancel", id, userID); err != nil {
		return nil, err
	}
	inv := f.inv.Clone()
	inv.Status = models.StatusCancelled
	return inv, nil
}

func (f *fakeBackend) RerunDomain(_ context.Context, id, userID string, _ models.Domain) (*models.Investigation, error) {
	if err := f.own("fake.Rerun", id, userID); err != nil {
		return nil, err
	}
	return f.inv.Clone(), nil
}

func (f *fakeBackend) AddEvidence(_ context.Context, id, userID string, ev models.Evidence) (*models.Investigation, error) {
	if err := f.own("fake.AddEvidence", id, userID); err != nil {
		return nil, err
	}
	inv := f.inv.Clone()
	inv.Progress.Evidence = append(inv.Progress.Evidence, ev)
	return inv, nil
}

func (f *fakeBackend) ListInvestigations(_ context.Context, userID string, _ models.Status, _ int) ([]*models.Investigation, error) {
	if userID != f.inv.OwnerID {
		return nil, nil
	}
	return []*models.Investigation{f.inv.Clone()}, nil
}

func (f *fakeBackend) ListAnomalies(_ context.Context, filter store.AnomalyFilter) ([]*models.AnomalyEvent, error) {
	f.filter = filter
	return f.anomalies, nil
}

func (f *fakeBackend) GetAnomaly(_ context.Context, id string) (*models.AnomalyEvent, error) {
	for _, ev := range f.anomalies {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, fmt.Errorf("anomaly %s: %w", id, utils.ErrNotFound)
}

func (f *fakeBackend) TriageAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error) {
	if actor == "" {
		return nil, utils.AuthorizationError("fake.Triage", "actor is required")
	}
	ev, err := f.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	f.triagedBy = actor
	ev.Status = models.AnomalyTriaged
	return ev, nil
}

func (f *fakeBackend) CloseAnomaly(ctx context.Context, id, _ string) (*models.AnomalyEvent, error) {
	ev, err := f.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status == models.AnomalyClosed {
		return nil, utils.NewKindError(utils.KindConflict, "fake.Close", "anomaly already closed", nil)
	}
	ev.Status = models.AnomalyClosed
	return ev, nil
}

func (f *fakeBackend) Detectors() []models.Detector {
	return []models.Detector{{ID: "spend", Type: "zscore", Metrics: []string{"amount"}, Schedule: "@every 1m", Enabled: true}}
}

func (f *fakeBackend) RunDetector(_ context.Context, id string) (*models.DetectionRun, error) {
	if id != "spend" {
		return nil, fmt.Errorf("detector %s: %w", id, utils.ErrNotFound)
	}
	return &models.DetectionRun{ID: "run-1", DetectorID: id, Status: models.RunSucceeded}, nil
}

func (f *fakeBackend) ListRuns(_ context.Context, detectorID string, _ int) ([]*models.DetectionRun, error) {
	return []*models.DetectionRun{{ID: "run-1", DetectorID: detectorID, Status: models.RunSucceeded}}, nil
}

func (f *fakeBackend) Ping(context.Context) error { return nil }

func doRequest(t *testing.T, h http.Handler, method, path, user, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStateConditionalGet(t *testing.T) {
	router := NewRouter(newFakeBackend(), nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/v1/investigations/inv-1/state", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("expected weak etag, got %q", etag)
	}
	if got := rec.Header().Get("X-Poll-Interval"); got != "2" {
		t.Fatalf("expected poll interval rounded up to 2s, got %q", got)
	}
	var body StateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Investigation == nil || body.Investigation.Version != 4 || body.ETag != etag {
		t.Fatalf("unexpected body: %+v", body)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/investigations/inv-1/state", "alice", "", map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("304 must not carry a body")
	}
	if rec.Header().Get("ETag") != etag {
		t.Fatalf("304 must repeat the etag")
	}
}

func TestStateDistinguishesForbiddenFromNotFound(t *testing.T) {
	router := NewRouter(newFakeBackend(), nil, nil)

	if rec := doRequest(t, router, http.MethodGet, "/v1/investigations/inv-1/state", "mallory", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/v1/investigations/missing/state", "alice", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartInvestigation(t *testing.T) {
	backend := newFakeBackend()
	router := NewRouter(backend, nil, nil)

	body := `{"entity_type":"user","entity_id":"u-42","from":"2026-03-01T10:00:00Z","to":"2026-03-01T11:00:00Z","segment":"High_Value","domains":["Network"," device "]}`
	rec := doRequest(t, router, http.MethodPost, "/v1/investigations", "alice", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/investigations/inv-2/state" {
		t.Fatalf("unexpected location %q", loc)
	}
	if len(backend.started) != 1 {
		t.Fatalf("expected one start, got %d", len(backend.started))
	}
	req := backend.started[0]
	if req.OwnerID != "alice" || req.Entity.Value != "u-42" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Domains) != 2 || req.Domains[0] != models.DomainNetwork || req.Domains[1] != models.DomainDevice {
		t.Fatalf("domains not normalised: %v", req.Domains)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/investigations", "alice", `{"entity_type":"user","entity_id":"u-42"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing window, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/v1/investigations", "alice", `{"entity":"oops"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestAnomalyRoutes(t *testing.T) {
	backend := newFakeBackend()
	backend.anomalies = []*models.AnomalyEvent{{ID: "an-1", DetectorID: "spend", Status: models.AnomalyNew}}
	router := NewRouter(backend, nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/v1/anomalies?detector_id=spend&status=new&limit=5&since=2026-03-01T00:00:00Z", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if backend.filter.Status != models.AnomalyNew || backend.filter.Limit != 5 || backend.filter.Since.IsZero() {
		t.Fatalf("unexpected filter: %+v", backend.filter)
	}
	if rec := doRequest(t, router, http.MethodGet, "/v1/anomalies?status=bogus", "", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}

	if rec := doRequest(t, router, http.MethodPost, "/v1/anomalies/an-1/triage", "", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without actor, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodPost, "/v1/anomalies/an-1/triage", "analyst", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if backend.triagedBy != "analyst" {
		t.Fatalf("expected actor recorded, got %q", backend.triagedBy)
	}
	if rec := doRequest(t, router, http.MethodPost, "/v1/anomalies/an-1/close", "analyst", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodPost, "/v1/anomalies/an-1/close", "analyst", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 closing twice, got %d", rec.Code)
	}
}

func TestDetectorRoutes(t *testing.T) {
	router := NewRouter(newFakeBackend(), nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/v1/detectors", "", "", nil)
	var detectors list[models.Detector]
	if err := json.Unmarshal(rec.Body.Bytes(), &detectors); err != nil || len(detectors.Items) != 1 {
		t.Fatalf("unexpected detectors: %s (%v)", rec.Body.String(), err)
	}
	if rec := doRequest(t, router, http.MethodPost, "/v1/detectors/spend/run", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodPost, "/v1/detectors/nope/run", "", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/v1/detectors/spend/runs?limit=-1", "", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestCORSPreflightExposesPollHeaders(t *testing.T) {
	handler := WithCORS(NewRouter(newFakeBackend(), nil, nil), []string{"https://console.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/v1/investigations/inv-1/state", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set(UserIDHeader, "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	exposed := rec.Header().Get("Access-Control-Expose-Headers")
	if !strings.Contains(exposed, "Etag") && !strings.Contains(exposed, "ETag") {
		t.Fatalf("etag not exposed: %q", exposed)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		http int
		grpc codes.Code
	}{
		{utils.ValidationError("op", "bad"), http.StatusBadRequest, codes.InvalidArgument},
		{utils.RetryableError("op", "later", nil), http.StatusServiceUnavailable, codes.Unavailable},
		{utils.TerminalError("op", "upstream", nil), http.StatusBadGateway, codes.FailedPrecondition},
		{utils.PersistenceError("op", nil), http.StatusInternalServerError, codes.Internal},
		{utils.AuthorizationError("op", "nope"), http.StatusForbidden, codes.PermissionDenied},
		{fmt.Errorf("x: %w", utils.ErrNotFound), http.StatusNotFound, codes.NotFound},
		{fmt.Errorf("x: %w", utils.ErrVersionConflict), http.StatusConflict, codes.Aborted},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.http {
			t.Fatalf("%v: http %d, want %d", tc.err, got, tc.http)
		}
		if got := GRPCCode(tc.err); got != tc.grpc {
			t.Fatalf("%v: grpc %s, want %s", tc.err, got, tc.grpc)
		}
	}
}

func TestGRPCGetState(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0"}, newFakeBackend(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := structpb.NewStruct(map[string]any{"investigation_id": "inv-1"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	out := &structpb.Struct{}
	authed := metadata.AppendToOutgoingContext(ctx, UserIDMetadataKey, "alice")
	if err := conn.Invoke(authed, "/"+ServiceName+"/GetState", in, out); err != nil {
		t.Fatalf("GetState: %v", err)
	}
	var resp StateResponse
	if err := decodeStruct(out, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Investigation == nil || resp.Investigation.ID != "inv-1" || resp.ETag == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	in.Fields["if_none_match"] = structpb.NewStringValue(resp.ETag)
	out = &structpb.Struct{}
	if err := conn.Invoke(authed, "/"+ServiceName+"/GetState", in, out); err != nil {
		t.Fatalf("conditional GetState: %v", err)
	}
	if nm := out.GetFields()["not_modified"]; !nm.GetBoolValue() {
		t.Fatalf("expected not_modified, got %v", out)
	}
	if _, ok := out.GetFields()["investigation"]; ok {
		t.Fatalf("not-modified reply must omit the investigation")
	}

	foreign := metadata.AppendToOutgoingContext(ctx, UserIDMetadataKey, "mallory")
	err = conn.Invoke(foreign, "/"+ServiceName+"/GetState", in, &structpb.Struct{})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
