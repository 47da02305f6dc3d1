package main

import (
	"encoding/json"
	"flag"
	"hash/fnv"
	"log"
	"math"
	"net/http"
	"time"
)

type timeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type analyzeRequest struct {
	Domain     string         `json:"domain"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Window     timeWindow     `json:"time_window"`
	Context    map[string]any `json:"investigation_context"`
}

type analyzeResponse struct {
	RiskScore  *float64       `json:"risk_score"`
	Confidence float64        `json:"confidence"`
	Thoughts   string         `json:"thoughts"`
	RawSignals map[string]any `json:"raw_signals,omitempty"`
}

type seriesRequest struct {
	DetectorID string    `json:"detector_id"`
	Metric     string    `json:"metric"`
	CohortBy   []string  `json:"cohort_by"`
	Window     string    `json:"window"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

type seriesPoint struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Value       float64   `json:"metric_value"`
}

type cohortSeries struct {
	Cohort map[string]string `json:"cohort"`
	Points []seriesPoint     `json:"points"`
}

var cohortValues = map[string][]string{
	"merchant":  {"m-100", "m-200", "m-300"},
	"country":   {"US", "BR", "NG"},
	"ip":        {"203.0.113.7", "198.51.100.23"},
	"device_id": {"dev-a1", "dev-b2"},
	"user_id":   {"u-42", "u-77"},
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/agents/{domain}/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		domain := r.PathValue("domain")
		seed := hash(domain + "/" + req.EntityID)
		// roughly one call in eight comes back without a score, like an agent with no data
		if seed%8 == 0 {
			writeJSON(w, analyzeResponse{Thoughts: "no " + domain + " signals for entity in window"})
			return
		}
		score := float64(seed%1000) / 1000
		writeJSON(w, analyzeResponse{
			RiskScore:  &score,
			Confidence: 0.5 + float64(seed%500)/1000,
			Thoughts:   domain + " signals scored for " + req.EntityType + " " + req.EntityID,
			RawSignals: map[string]any{"seed": seed % 1000, "window_minutes": req.Window.To.Sub(req.Window.From).Minutes()},
		})
	})

	mux.HandleFunc("POST /v1/series", func(w http.ResponseWriter, r *http.Request) {
		var req seriesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		window, err := time.ParseDuration(req.Window)
		if err != nil || window <= 0 {
			window = 5 * time.Minute
		}
		writeJSON(w, map[string]any{"series": buildSeries(req, window)})
	})

	logger := log.New(log.Writer(), "agents-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// buildSeries returns a seasonal series per cohort. The first cohort spikes in its last window.
func buildSeries(req seriesRequest, window time.Duration) []cohortSeries {
	cohorts := []map[string]string{{}}
	for _, dim := range req.CohortBy {
		values := cohortValues[dim]
		if len(values) == 0 {
			values = []string{dim + "-1", dim + "-2"}
		}
		next := make([]map[string]string, 0, len(cohorts)*len(values))
		for _, c := range cohorts {
			for _, v := range values {
				cp := make(map[string]string, len(c)+1)
				for k, cv := range c {
					cp[k] = cv
				}
				cp[dim] = v
				next = append(next, cp)
			}
		}
		cohorts = next
	}

	out := make([]cohortSeries, 0, len(cohorts))
	for i, cohort := range cohorts {
		base := 50 + float64(hash(req.Metric)%50)
		var points []seriesPoint
		for start := req.From; !start.Add(window).After(req.To); start = start.Add(window) {
			n := len(points)
			v := base + 5*math.Sin(float64(n)/6) + float64(hash(req.Metric+start.String())%3)
			points = append(points, seriesPoint{WindowStart: start, WindowEnd: start.Add(window), Value: v})
		}
		if i == 0 && len(points) > 0 {
			points[len(points)-1].Value *= 4
		}
		out = append(out, cohortSeries{Cohort: cohort, Points: points})
	}
	return out
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
