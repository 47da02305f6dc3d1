// Package agents defines the domain agent contract and its HTTP and local implementations.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// AnalyzeRequest is the input handed to every domain agent.
type AnalyzeRequest struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Window     models.TimeWindow `json:"time_window"`
	Context    map[string]any    `json:"investigation_context,omitempty"`
}

// Validate rejects requests no agent could act on.
func (r AnalyzeRequest) Validate() error {
	if r.EntityType == "" || r.EntityID == "" {
		return utils.ValidationError("agents.Analyze", "entity type and id are required")
	}
	if !r.Window.Valid() {
		return utils.ValidationError("agents.Analyze", "time window must have from < to")
	}
	return nil
}

// Agent analyzes one entity from a single domain's perspective. Implementations must fail fast
// and classify errors as retryable or terminal.
type Agent interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (models.DomainResult, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req AnalyzeRequest) (models.DomainResult, error)

func (f Func) Analyze(ctx context.Context, req AnalyzeRequest) (models.DomainResult, error) {
	return f(ctx, req)
}

// Registry maps domains to their agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[models.Domain]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[models.Domain]Agent)}
}

// Register binds agent to domain, replacing any previous binding.
func (r *Registry) Register(domain models.Domain, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[domain] = agent
}

// Lookup returns the agent for domain.
func (r *Registry) Lookup(domain models.Domain) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[domain]
	if !ok {
		return nil, utils.TerminalError("agents.Lookup", fmt.Sprintf("no agent registered for domain %s", domain), nil).With("domain", domain)
	}
	return agent, nil
}

// Domains lists registered domains in name order.
func (r *Registry) Domains() []models.Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Domain, 0, len(r.agents))
	for d := range r.agents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
