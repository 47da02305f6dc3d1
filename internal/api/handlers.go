package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/state"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// Backend is the domain surface both transports expose.
type Backend interface {
	StartInvestigation(ctx context.Context, req orchestrator.StartRequest) (*models.Investigation, error)
	InvestigationState(ctx context.Context, id, userID, ifNoneMatch string) (state.Snapshot, bool, error)
	CancelInvestigation(ctx context.Context, id, userID string) (*models.Investigation, error)
	RerunDomain(ctx context.Context, id, userID string, domain models.Domain) (*models.Investigation, error)
	AddEvidence(ctx context.Context, id, userID string, ev models.Evidence) (*models.Investigation, error)
	ListInvestigations(ctx context.Context, userID string, status models.Status, limit int) ([]*models.Investigation, error)

	ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]*models.AnomalyEvent, error)
	GetAnomaly(ctx context.Context, id string) (*models.AnomalyEvent, error)
	TriageAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error)
	CloseAnomaly(ctx context.Context, id, actor string) (*models.AnomalyEvent, error)

	Detectors() []models.Detector
	RunDetector(ctx context.Context, detectorID string) (*models.DetectionRun, error)
	ListRuns(ctx context.Context, detectorID string, limit int) ([]*models.DetectionRun, error)

	Ping(ctx context.Context) error
}

// StartInvestigationBody is the request to open an investigation.
type StartInvestigationBody struct {
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	From             time.Time      `json:"from"`
	To               time.Time      `json:"to"`
	Segment          string         `json:"segment,omitempty"`
	Domains          []string       `json:"domains,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	TriggerAnomalyID string         `json:"trigger_anomaly_id,omitempty"`
}

// ToStartRequest maps the body to an orchestrator request owned by ownerID.
func (b StartInvestigationBody) ToStartRequest(ownerID string) (orchestrator.StartRequest, error) {
	if b.From.IsZero() || b.To.IsZero() {
		return orchestrator.StartRequest{}, utils.ValidationError("api.StartInvestigation", "from and to are required")
	}
	domains := make([]models.Domain, 0, len(b.Domains))
	for _, d := range b.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, models.Domain(d))
		}
	}
	return orchestrator.StartRequest{
		OwnerID:          ownerID,
		Entity:           models.EntityRef{Type: b.EntityType, Value: b.EntityID},
		Window:           models.TimeWindow{From: b.From.UTC(), To: b.To.UTC()},
		Segment:          b.Segment,
		Domains:          domains,
		Context:          b.Context,
		TriggerAnomalyID: b.TriggerAnomalyID,
	}, nil
}

// EvidenceBody is a client-supplied evidence record.
type EvidenceBody struct {
	Type     string            `json:"type"`
	Content  string            `json:"content"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToEvidence maps the body to a model. ID and timestamp are assigned on append.
func (b EvidenceBody) ToEvidence() models.Evidence {
	return models.Evidence{Type: b.Type, Content: b.Content, Source: b.Source, Metadata: b.Metadata}
}

// StateResponse is returned by state polls.
type StateResponse struct {
	Investigation       *models.Investigation `json:"investigation,omitempty"`
	ETag                string                `json:"etag"`
	PollIntervalSeconds int64                 `json:"poll_interval_seconds"`
	NotModified         bool                  `json:"not_modified,omitempty"`
}

// ToStateResponse renders snap. The investigation body is omitted when notModified.
func ToStateResponse(snap state.Snapshot, notModified bool) StateResponse {
	resp := StateResponse{
		ETag:                snap.ETag,
		PollIntervalSeconds: pollSeconds(snap.PollInterval),
		NotModified:         notModified,
	}
	if !notModified {
		resp.Investigation = snap.Investigation
	}
	return resp
}

func pollSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}

// AnomalyQuery narrows anomaly listings.
type AnomalyQuery struct {
	DetectorID string    `json:"detector_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// ToFilter validates the query and maps it to a store filter.
func (q AnomalyQuery) ToFilter() (store.AnomalyFilter, error) {
	status := models.AnomalyStatus(strings.ToUpper(strings.TrimSpace(q.Status)))
	switch status {
	case "", models.AnomalyNew, models.AnomalyTriaged, models.AnomalyClosed:
	default:
		return store.AnomalyFilter{}, utils.ValidationError("api.ListAnomalies", fmt.Sprintf("unknown anomaly status %q", q.Status))
	}
	return store.AnomalyFilter{DetectorID: q.DetectorID, Status: status, Since: q.Since, Limit: q.Limit}, nil
}

func parseStatus(raw string) (models.Status, error) {
	s := models.Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case "", models.StatusPending, models.StatusRunning, models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return s, nil
	}
	return "", utils.ValidationError("api.ListInvestigations", fmt.Sprintf("unknown status %q", raw))
}

// list wraps slices so they can travel as a structpb.Struct.
type list[T any] struct {
	Items []T `json:"items"`
}

func newList[T any](items []T) list[T] {
	if items == nil {
		items = []T{}
	}
	return list[T]{Items: items}
}

// decodeStruct maps a structpb.Struct onto a JSON-tagged value.
func decodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return utils.ValidationError("api.decode", err.Error())
	}
	return nil
}

// encodeStruct maps a JSON-tagged value onto a structpb.Struct.
func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode response struct: %w", err)
	}
	return out, nil
}
