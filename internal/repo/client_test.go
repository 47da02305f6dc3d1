package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-risk/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestClient(rt roundTripFunc) *http.Client { return &http.Client{Transport: rt} }

func jsonResponse(status int, body any) *http.Response {
	data, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestPostJSONDecodesResponse(t *testing.T) {
	client := NewClient("agent-network", "https://agents.example.com/base", time.Second,
		WithHTTPClient(newTestClient(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path != "/base/v1/analyze" {
				t.Fatalf("unexpected path: %s", req.URL.Path)
			}
			if req.Header.Get("Content-Type") != "application/json" {
				t.Fatalf("missing content type")
			}
			var payload map[string]string
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if payload["entity_id"] != "203.0.113.7" {
				t.Fatalf("unexpected payload: %+v", payload)
			}
			return jsonResponse(http.StatusOK, map[string]any{"risk_score": 0.4}), nil
		})))

	var out struct {
		RiskScore float64 `json:"risk_score"`
	}
	if err := client.PostJSON(context.Background(), "v1/analyze", map[string]string{"entity_id": "203.0.113.7"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.RiskScore != 0.4 {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestPostJSONClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		rt   roundTripFunc
		want utils.ErrorKind
	}{
		{"server error", func(*http.Request) (*http.Response, error) { return jsonResponse(http.StatusBadGateway, nil), nil }, utils.KindRetryable},
		{"throttled", func(*http.Request) (*http.Response, error) { return jsonResponse(http.StatusTooManyRequests, nil), nil }, utils.KindRetryable},
		{"transport", func(*http.Request) (*http.Response, error) { return nil, errors.New("connection reset") }, utils.KindRetryable},
		{"rejected", func(*http.Request) (*http.Response, error) { return jsonResponse(http.StatusUnprocessableEntity, nil), nil }, utils.KindTerminal},
		{"garbage body", func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString("{")), Header: make(http.Header)}, nil
		}, utils.KindTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewClient("upstream", "https://example.com", time.Second, WithHTTPClient(newTestClient(tc.rt)))
			var out map[string]any
			err := client.PostJSON(context.Background(), "/x", map[string]string{}, &out)
			if got := utils.KindOf(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestPostJSONUnconfigured(t *testing.T) {
	client := NewClient("upstream", "", time.Second)
	err := client.PostJSON(context.Background(), "/x", nil, nil)
	if !utils.IsKind(err, utils.KindTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestPostJSONRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient("upstream", "https://example.com", time.Second, WithRateLimit(1, 1),
		WithHTTPClient(newTestClient(func(req *http.Request) (*http.Response, error) {
			return nil, req.Context().Err()
		})))
	err := client.PostJSON(ctx, "/x", map[string]string{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
