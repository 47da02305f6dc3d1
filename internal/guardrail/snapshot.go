package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// DefaultSnapshotKey is the cache key holding the serialized guardrail state.
const DefaultSnapshotKey = "mirador-risk:guardrail:v1"

type snapshotDoc struct {
	SavedAt time.Time        `json:"saved_at"`
	States  map[string]State `json:"states"`
}

// Snapshotter persists guardrail state to a cache provider so restarts resume cooldowns.
type Snapshotter struct {
	provider cache.Provider
	key      string
	ttl      time.Duration
}

// NewSnapshotter builds a snapshotter; a nil provider disables persistence.
func NewSnapshotter(provider cache.Provider, key string, ttl time.Duration) *Snapshotter {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &Snapshotter{provider: provider, key: key, ttl: ttl}
}

// Save writes the current store contents.
func (s *Snapshotter) Save(ctx context.Context, store Store, now time.Time) error {
	payload, err := json.Marshal(snapshotDoc{SavedAt: now, States: store.Snapshot()})
	if err != nil {
		return utils.NewAppError("guardrail.Save", "encode snapshot", err)
	}
	if err := s.provider.Set(ctx, s.key, payload, s.ttl); err != nil {
		return utils.NewAppError("guardrail.Save", "write snapshot", err)
	}
	return nil
}

// Load restores a previously saved snapshot into store. A missing snapshot is not an error.
func (s *Snapshotter) Load(ctx context.Context, store Store) (int, error) {
	payload, err := s.provider.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return 0, nil
		}
		return 0, utils.NewAppError("guardrail.Load", "read snapshot", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, utils.NewAppError("guardrail.Load", "decode snapshot", err)
	}
	store.Restore(doc.States)
	return len(doc.States), nil
}
