package scheduler

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/repo"
)

// DataSource returns windowed metric series grouped by the detector's cohort dimensions.
type DataSource interface {
	Query(ctx context.Context, detector models.Detector, metric string, from, to time.Time) ([]models.CohortSeries, error)
}

// HTTPSource queries a series endpoint over HTTP.
type HTTPSource struct {
	client *repo.Client
}

// NewHTTPSource wraps client, which should already carry its rate limit.
func NewHTTPSource(client *repo.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

type seriesRequest struct {
	DetectorID string    `json:"detector_id"`
	Metric     string    `json:"metric"`
	CohortBy   []string  `json:"cohort_by"`
	Window     string    `json:"window"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

type seriesResponse struct {
	Series []models.CohortSeries `json:"series"`
}

// Query posts to /v1/series.
func (s *HTTPSource) Query(ctx context.Context, detector models.Detector, metric string, from, to time.Time) ([]models.CohortSeries, error) {
	window := detector.Params.Window
	if window <= 0 {
		window = defaultWindow
	}
	var resp seriesResponse
	err := s.client.PostJSON(ctx, "/v1/series", seriesRequest{
		DetectorID: detector.ID,
		Metric:     metric,
		CohortBy:   detector.CohortBy,
		Window:     window.String(),
		From:       from,
		To:         to,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Series, nil
}

// StaticSource serves fixed series keyed by metric. It backs local development and tests.
type StaticSource map[string][]models.CohortSeries

// Query ignores the window and returns the configured series for metric.
func (s StaticSource) Query(_ context.Context, _ models.Detector, metric string, _, _ time.Time) ([]models.CohortSeries, error) {
	return s[metric], nil
}
