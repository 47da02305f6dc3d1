// Package guardrail gates detector candidates through persistence, hysteresis and cooldown
// before they become anomaly events.
package guardrail

import (
	"fmt"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Action is the outcome of one guardrail evaluation.
type Action string

const (
	// ActionNone means the score is below the raise threshold and nothing is alerting.
	ActionNone Action = "none"
	// ActionRaise means all gates passed and a new anomaly event should be created.
	ActionRaise Action = "raise"
	// ActionSustain means an alert is still open and above threshold.
	ActionSustain Action = "sustain"
	// ActionHold means an open alert sits between the clear and raise thresholds.
	ActionHold Action = "hold"
	// ActionClear means an open alert dropped below the clear threshold.
	ActionClear Action = "clear"
	// ActionSuppressPersistence means the score has not stayed high for long enough.
	ActionSuppressPersistence Action = "suppress_persistence"
	// ActionSuppressCooldown means a raise happened too recently.
	ActionSuppressCooldown Action = "suppress_cooldown"
)

// Decision describes what the caller should do with a candidate.
type Decision struct {
	Action     Action
	PersistedN int
	Reason     string
}

// Raise reports whether a new anomaly event should be created.
func (d Decision) Raise() bool { return d.Action == ActionRaise }

// Engine evaluates guardrail gates against an explicit keyed store.
type Engine struct {
	store Store
}

// NewEngine wires an engine to store. A nil store gets a fresh sharded store.
func NewEngine(store Store) *Engine {
	if store == nil {
		store = NewShardedStore(defaultShards)
	}
	return &Engine{store: store}
}

// Store exposes the underlying keyed state.
func (e *Engine) Store() Store { return e.store }

type gates struct {
	k           float64
	clear       float64
	persistence int
	cooldown    time.Duration
}

func gatesFor(p models.DetectorParams) gates {
	g := gates{
		k:           p.KThreshold,
		clear:       p.ClearThreshold,
		persistence: p.PersistenceRequired,
		cooldown:    p.Cooldown,
	}
	if g.k <= 0 {
		g.k = 1
	}
	if g.clear <= 0 || g.clear > g.k {
		g.clear = 0.8 * g.k
	}
	if g.persistence <= 0 {
		g.persistence = 1
	}
	return g
}

// Evaluate applies one window's latest score for key. The state update is atomic per key.
func (e *Engine) Evaluate(key string, score float64, params models.DetectorParams, now time.Time) Decision {
	g := gatesFor(params)
	var d Decision
	e.store.Update(key, func(st *State) {
		st.LastScore = score
		above := score > g.k
		if above {
			st.Consecutive++
		} else {
			st.Consecutive = 0
		}
		d.PersistedN = st.Consecutive

		if st.Alerting {
			switch {
			case score < g.clear:
				st.Alerting = false
				d.Action = ActionClear
				d.Reason = fmt.Sprintf("score %.3f below clear threshold %.3f", score, g.clear)
			case above:
				d.Action = ActionSustain
			default:
				d.Action = ActionHold
				d.Reason = "alert open until score drops below clear threshold"
			}
			return
		}

		if !above {
			d.Action = ActionNone
			return
		}
		if st.Consecutive < g.persistence {
			d.Action = ActionSuppressPersistence
			d.Reason = fmt.Sprintf("persisted %d of %d windows", st.Consecutive, g.persistence)
			return
		}
		if !st.LastRaise.IsZero() && now.Sub(st.LastRaise) < g.cooldown {
			d.Action = ActionSuppressCooldown
			d.Reason = fmt.Sprintf("last raise %s ago, cooldown %s", now.Sub(st.LastRaise).Round(time.Second), g.cooldown)
			return
		}
		st.Alerting = true
		st.LastRaise = now
		d.Action = ActionRaise
	})
	return d
}

// Seed rebuilds state from recently persisted anomaly events after a restart.
// Open events resume alerting so re-observations update them instead of raising duplicates.
func (e *Engine) Seed(events []models.AnomalyEvent) int {
	seeded := 0
	for _, ev := range events {
		key := models.GuardrailKey(ev.Cohort, ev.Metric)
		ev := ev
		e.store.Update(key, func(st *State) {
			if !ev.CreatedAt.After(st.LastRaise) {
				return
			}
			st.LastRaise = ev.CreatedAt
			st.Alerting = ev.Status != models.AnomalyClosed
			st.Consecutive = ev.PersistedN
			st.LastScore = ev.Score
			seeded++
		})
	}
	return seeded
}
