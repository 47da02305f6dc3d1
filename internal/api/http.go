package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// UserIDHeader identifies the caller on HTTP requests.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

type httpHandler struct {
	backend Backend
	logger  *slog.Logger
}

// NewRouter builds the HTTP surface. ws serves progress subscriptions and may be nil.
func NewRouter(backend Backend, ws http.Handler, logger *slog.Logger) *mux.Router {
	h := &httpHandler{backend: backend, logger: utils.Component(logger, "http")}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/investigations", h.startInvestigation).Methods(http.MethodPost)
	v1.HandleFunc("/investigations", h.listInvestigations).Methods(http.MethodGet)
	v1.HandleFunc("/investigations/{id}/state", h.investigationState).Methods(http.MethodGet)
	v1.HandleFunc("/investigations/{id}/cancel", h.cancelInvestigation).Methods(http.MethodPost)
	v1.HandleFunc("/investigations/{id}/domains/{domain}/rerun", h.rerunDomain).Methods(http.MethodPost)
	v1.HandleFunc("/investigations/{id}/evidence", h.addEvidence).Methods(http.MethodPost)

	v1.HandleFunc("/anomalies", h.listAnomalies).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/{id}", h.getAnomaly).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/{id}/triage", h.triageAnomaly).Methods(http.MethodPost)
	v1.HandleFunc("/anomalies/{id}/close", h.closeAnomaly).Methods(http.MethodPost)

	v1.HandleFunc("/detectors", h.listDetectors).Methods(http.MethodGet)
	v1.HandleFunc("/detectors/{id}/run", h.runDetector).Methods(http.MethodPost)
	v1.HandleFunc("/detectors/{id}/runs", h.listRuns).Methods(http.MethodGet)

	r.Use(h.recoverPanics, h.logRequests)
	return r
}

// WithCORS wraps handler with the configured cross-origin policy.
func WithCORS(handler http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", UserIDHeader, "If-None-Match"},
		ExposedHeaders: []string{"ETag", "X-Poll-Interval"},
	})
	return c.Handler(handler)
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandler) startInvestigation(w http.ResponseWriter, r *http.Request) {
	var body StartInvestigationBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.ToStartRequest(userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	inv, err := h.backend.StartInvestigation(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/investigations/"+inv.ID+"/state")
	writeJSON(w, http.StatusAccepted, inv)
}

func (h *httpHandler) listInvestigations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := parseStatus(q.Get("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.backend.ListInvestigations(r.Context(), userID(r), status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (h *httpHandler) investigationState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, notModified, err := h.backend.InvestigationState(r.Context(), id, userID(r), r.Header.Get("If-None-Match"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("X-Poll-Interval", strconv.FormatInt(pollSeconds(snap.PollInterval), 10))
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, ToStateResponse(snap, false))
}

func (h *httpHandler) cancelInvestigation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.backend.CancelInvestigation(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *httpHandler) rerunDomain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	domain := models.Domain(strings.ToLower(vars["domain"]))
	inv, err := h.backend.RerunDomain(r.Context(), vars["id"], userID(r), domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inv)
}

func (h *httpHandler) addEvidence(w http.ResponseWriter, r *http.Request) {
	var body EvidenceBody
	if !h.decode(w, r, &body) {
		return
	}
	inv, err := h.backend.AddEvidence(r.Context(), mux.Vars(r)["id"], userID(r), body.ToEvidence())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *httpHandler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := AnomalyQuery{DetectorID: q.Get("detector_id"), Status: q.Get("status")}
	if raw := q.Get("since"); raw != "" {
		since, err := utils.ParseRFC3339(raw)
		if err != nil {
			h.writeError(w, r, utils.ValidationError("api.ListAnomalies", "since must be RFC3339"))
			return
		}
		query.Since = since
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	query.Limit = limit
	filter, err := query.ToFilter()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.backend.ListAnomalies(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (h *httpHandler) getAnomaly(w http.ResponseWriter, r *http.Request) {
	ev, err := h.backend.GetAnomaly(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *httpHandler) triageAnomaly(w http.ResponseWriter, r *http.Request) {
	ev, err := h.backend.TriageAnomaly(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *httpHandler) closeAnomaly(w http.ResponseWriter, r *http.Request) {
	ev, err := h.backend.CloseAnomaly(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *httpHandler) listDetectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newList(h.backend.Detectors()))
}

func (h *httpHandler) runDetector(w http.ResponseWriter, r *http.Request) {
	run, err := h.backend.RunDetector(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *httpHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.backend.ListRuns(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (h *httpHandler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		h.writeError(w, r, utils.ValidationError("api.decode", fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *httpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", code), slog.Any("error", err))
	} else {
		h.logger.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", code), slog.Any("error", err))
	}
	writeJSON(w, code, errorBody{Error: publicMessage(err, code), Kind: string(utils.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, utils.ValidationError("api.query", fmt.Sprintf("invalid limit %q", raw))
	}
	return n, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (h *httpHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func (h *httpHandler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic serving request", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// HTTPServer serves the REST surface.
type HTTPServer struct {
	cfg      config.ServerConfig
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer binds cfg.HTTPAddress and serves handler behind the CORS policy.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddress, err)
	}
	return &HTTPServer{
		cfg: cfg,
		server: &http.Server{
			Handler:           WithCORS(handler, cfg.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		listener: lis,
	}, nil
}

// Start serves until Shutdown is invoked.
func (s *HTTPServer) Start() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
