package guardrail

import (
	"hash/maphash"
	"sync"
	"time"
)

// State is the runtime alert state for one cohort and metric.
type State struct {
	Consecutive int       `json:"consecutive"`
	Alerting    bool      `json:"alerting"`
	LastRaise   time.Time `json:"last_raise"`
	LastScore   float64   `json:"last_score"`
}

// Store holds guardrail state by key. Update must apply fn atomically per key.
type Store interface {
	Update(key string, fn func(st *State))
	Get(key string) (State, bool)
	Snapshot() map[string]State
	Restore(states map[string]State)
}

const defaultShards = 64

type shard struct {
	mu     sync.Mutex
	states map[string]*State
}

// ShardedStore spreads keys over independently locked shards.
type ShardedStore struct {
	seed   maphash.Seed
	shards []*shard
}

// NewShardedStore creates a store with n shards, rounded up to a power of two.
func NewShardedStore(n int) *ShardedStore {
	if n <= 0 {
		n = defaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	s := &ShardedStore{seed: maphash.MakeSeed(), shards: make([]*shard, size)}
	for i := range s.shards {
		s.shards[i] = &shard{states: make(map[string]*State)}
	}
	return s
}

func (s *ShardedStore) shardFor(key string) *shard {
	idx := maphash.String(s.seed, key) & uint64(len(s.shards)-1)
	return s.shards[idx]
}

func (s *ShardedStore) Update(key string, fn func(st *State)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		st = &State{}
		sh.states[key] = st
	}
	fn(st)
}

func (s *ShardedStore) Get(key string) (State, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (s *ShardedStore) Snapshot() map[string]State {
	out := make(map[string]State)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, st := range sh.states {
			out[k] = *st
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore merges states into the store, keeping the most recent raise per key.
func (s *ShardedStore) Restore(states map[string]State) {
	for key, incoming := range states {
		incoming := incoming
		s.Update(key, func(st *State) {
			if st.LastRaise.After(incoming.LastRaise) {
				return
			}
			*st = incoming
		})
	}
}
