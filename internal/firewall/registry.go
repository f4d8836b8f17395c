package firewall

import (
	"sync"
	"time"
)

// AgentContext is the in-memory state the firewall keeps per agent.
// Only the orchestrator mutates it; everything else reads.
type AgentContext struct {
	Name                 string
	Status               string
	Permissions          []string
	TrustedDomains       []string
	MaxRequestsPerMinute int
	RequestCount         int64
	ThreatScore          float64
	RecentMessages       []string
	CreatedAt            time.Time
	LastSeen             time.Time
	PeerIP               string
	ConnectedAt          time.Time
}

// Registry owns all agent contexts for the process lifetime.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentContext
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentContext)}
}

// Register creates or merges an agent context. Re-registering is
// idempotent: accumulated state (request counter, creation time,
// threat score, message ring, trusted domains) survives unless the
// incoming context explicitly provides a replacement.
func (r *Registry) Register(id string, ctx AgentContext) *AgentContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[id]
	if !ok {
		fresh := ctx
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = time.Now()
		}
		if fresh.LastSeen.IsZero() {
			fresh.LastSeen = fresh.CreatedAt
		}
		r.agents[id] = &fresh
		return &fresh
	}

	if ctx.Name != "" {
		existing.Name = ctx.Name
	}
	if ctx.Status != "" {
		existing.Status = ctx.Status
	}
	if ctx.Permissions != nil {
		existing.Permissions = ctx.Permissions
	}
	if ctx.TrustedDomains != nil {
		existing.TrustedDomains = ctx.TrustedDomains
	}
	if ctx.MaxRequestsPerMinute > 0 {
		existing.MaxRequestsPerMinute = ctx.MaxRequestsPerMinute
	}
	if ctx.PeerIP != "" {
		existing.PeerIP = ctx.PeerIP
	}
	if !ctx.ConnectedAt.IsZero() {
		existing.ConnectedAt = ctx.ConnectedAt
	}
	return existing
}

// Get returns the context for an agent, or nil.
func (r *Registry) Get(id string) *AgentContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// Peek reads the lifetime request counter and last-seen timestamp
// without mutating the context. A zero count and zero time mean the
// agent has no context yet.
func (r *Registry) Peek(id string) (int64, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.agents[id]
	if !ok {
		return 0, time.Time{}
	}
	return ctx.RequestCount, ctx.LastSeen
}

// Touch bumps the lifetime request counter and last-seen timestamp,
// returning the previous counter value and the previous last-seen.
func (r *Registry) Touch(id string) (int64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.agents[id]
	if !ok {
		ctx = &AgentContext{CreatedAt: time.Now()}
		r.agents[id] = ctx
	}
	prevCount, prevSeen := ctx.RequestCount, ctx.LastSeen
	ctx.RequestCount++
	ctx.LastSeen = time.Now()
	return prevCount, prevSeen
}

// RecordMessage appends a message fingerprint to the agent's ring,
// keeping the last 10.
func (r *Registry) RecordMessage(id, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.agents[id]
	if !ok {
		return
	}
	ctx.RecentMessages = append(ctx.RecentMessages, fingerprint)
	if len(ctx.RecentMessages) > 10 {
		ctx.RecentMessages = ctx.RecentMessages[len(ctx.RecentMessages)-10:]
	}
}

// Unregister drops an agent context.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Len reports the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
