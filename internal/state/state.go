// Package state serves investigation snapshots to polling clients with ETags and adaptive
// poll intervals.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/store"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

const (
	PollRunningActive  = time.Second
	PollRunningIdleMax = 5 * time.Second
	PollPending        = 2 * time.Second
	PollTerminal       = 30 * time.Second

	activeWindow  = 5 * time.Second
	cadenceSample = 8
)

// ETag returns the weak validator for one investigation version. It only changes when the
// version does.
func ETag(id string, version int64) string {
	sum := sha256.Sum256([]byte(id + ":" + strconv.FormatInt(version, 10)))
	return `W/"` + hex.EncodeToString(sum[:])[:16] + `"`
}

// ETagMatches applies weak comparison of an If-None-Match header value against etag.
func ETagMatches(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}

// PollInterval suggests how long a client should wait before polling again. updates holds
// recent mutation times for the investigation in any order.
func PollInterval(status models.Status, updates []time.Time, now time.Time) time.Duration {
	switch {
	case status.Terminal():
		return PollTerminal
	case status == models.StatusPending:
		return PollPending
	}

	var last time.Time
	for _, t := range updates {
		if t.After(last) {
			last = t
		}
	}
	if last.IsZero() {
		return PollRunningIdleMax
	}
	idle := now.Sub(last)
	if idle <= activeWindow {
		return PollRunningActive
	}
	d := (idle / 4).Round(time.Second)
	if d < PollRunningActive {
		return PollRunningActive
	}
	if d > PollRunningIdleMax {
		return PollRunningIdleMax
	}
	return d
}

// Snapshot is what a poller receives.
type Snapshot struct {
	Investigation *models.Investigation
	ETag          string
	PollInterval  time.Duration
}

type cadence struct {
	mu      sync.Mutex
	updates []time.Time
	version int64
}

func (c *cadence) observe(version int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version > c.version {
		c.version = version
	}
	c.updates = append(c.updates, at)
	if len(c.updates) > cadenceSample {
		c.updates = c.updates[len(c.updates)-cadenceSample:]
	}
}

func (c *cadence) read() ([]time.Time, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.updates...), c.version
}

// Config tunes the service.
type Config struct {
	CadenceEntries int
	CacheTTL       time.Duration
	CacheKeyPrefix string
}

// Service answers state polls. Concurrent loads of one id share a single store read.
type Service struct {
	store   store.Store
	cache   cache.Provider
	cfg     Config
	group   singleflight.Group
	cadence *lru.Cache[string, *cadence]
	clock   utils.Clock
	logger  *slog.Logger
}

// NewService creates a Service. provider may be nil to disable payload caching.
func NewService(st store.Store, provider cache.Provider, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.CadenceEntries <= 0 {
		cfg.CadenceEntries = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	if cfg.CacheKeyPrefix == "" {
		cfg.CacheKeyPrefix = "mirador-risk:state:v1:"
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	tracker, err := lru.New[string, *cadence](cfg.CadenceEntries)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   st,
		cache:   provider,
		cfg:     cfg,
		cadence: tracker,
		clock:   utils.SystemClock{},
		logger:  utils.Component(logger, "state"),
	}, nil
}

// Publish records a mutation so poll intervals and cached payloads track the live version.
// It never performs I/O, so it is safe to call from the orchestrator's writer goroutine.
func (s *Service) Publish(ev models.ProgressEvent) {
	at := ev.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}
	s.tracker(ev.InvestigationID).observe(ev.Version, at)
}

func (s *Service) tracker(id string) *cadence {
	if c, ok := s.cadence.Get(id); ok {
		return c
	}
	c := &cadence{}
	if prev, ok, _ := s.cadence.PeekOrAdd(id, c); ok {
		return prev
	}
	return c
}

// Get returns the current snapshot for userID. A foreign investigation yields an
// authorization error, distinct from not-found.
func (s *Service) Get(ctx context.Context, id, userID string) (Snapshot, error) {
	const op = "state.Get"
	if strings.TrimSpace(id) == "" {
		metrics.StateRequest("error")
		return Snapshot{}, utils.ValidationError(op, "investigation id is required")
	}
	if strings.TrimSpace(userID) == "" {
		metrics.StateRequest("forbidden")
		return Snapshot{}, utils.AuthorizationError(op, "user id is required")
	}

	inv, err := s.load(ctx, id)
	if err != nil {
		if utils.IsKind(err, utils.KindNotFound) {
			metrics.StateRequest("not_found")
		} else {
			metrics.StateRequest("error")
		}
		return Snapshot{}, err
	}
	if inv.OwnerID != userID {
		metrics.StateRequest("forbidden")
		return Snapshot{}, utils.AuthorizationError(op, "caller does not own investigation").With("investigation_id", id)
	}

	updates, _ := s.tracker(id).read()
	updates = append(updates, inv.UpdatedAt)
	metrics.StateRequest("ok")
	return Snapshot{
		Investigation: inv,
		ETag:          ETag(inv.ID, inv.Version),
		PollInterval:  PollInterval(inv.Status, updates, s.clock.Now()),
	}, nil
}

// GetIfNoneMatch behaves like Get but reports notModified when ifNoneMatch still matches the
// current version. The snapshot is returned either way so callers can set headers.
func (s *Service) GetIfNoneMatch(ctx context.Context, id, userID, ifNoneMatch string) (Snapshot, bool, error) {
	snap, err := s.Get(ctx, id, userID)
	if err != nil {
		return Snapshot{}, false, err
	}
	if ETagMatches(ifNoneMatch, snap.ETag) {
		metrics.StateRequest("not_modified")
		return snap, true, nil
	}
	return snap, false, nil
}

// Authorize reports whether userID owns id. It satisfies the progress hub's Authorizer.
func (s *Service) Authorize(ctx context.Context, id, userID string) error {
	_, err := s.Get(ctx, id, userID)
	return err
}

func (s *Service) load(ctx context.Context, id string) (*models.Investigation, error) {
	v, err, shared := s.group.Do(id, func() (any, error) {
		return s.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("coalesced state load", slog.String("investigation_id", id))
	}
	return v.(*models.Investigation).Clone(), nil
}

func (s *Service) fetch(ctx context.Context, id string) (*models.Investigation, error) {
	key := s.cfg.CacheKeyPrefix + id
	_, known := s.tracker(id).read()

	payload, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var inv models.Investigation
		if jerr := json.Unmarshal(payload, &inv); jerr == nil && inv.Version >= known {
			return &inv, nil
		}
	case !errors.Is(err, cache.ErrCacheMiss):
		s.logger.Debug("state cache read failed", slog.String("investigation_id", id), slog.Any("error", err))
	}

	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}
	if encoded, jerr := json.Marshal(inv); jerr == nil {
		ttl := s.cfg.CacheTTL
		if inv.Status.Terminal() {
			ttl *= 6
		}
		if cerr := s.cache.Set(ctx, key, encoded, ttl); cerr != nil {
			s.logger.Debug("state cache write failed", slog.String("investigation_id", id), slog.Any("error", cerr))
		}
	}
	return inv, nil
}
