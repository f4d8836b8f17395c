package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", slog.Default())
	require.Error(t, err)
}

func TestAgentRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	missing, err := s.AgentByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	agent := &Agent{
		ID:                   "research-agent",
		Name:                 "Research Agent",
		Endpoint:             "http://127.0.0.1:9000",
		Permissions:          []string{"read", "search"},
		Status:               "active",
		MaxRequestsPerMinute: 120,
		TrustedDomains:       []string{"api.example.com"},
		Metadata:             map[string]string{"team": "research"},
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.AgentByID(ctx, "research-agent")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, agent.Name, got.Name)
	assert.Equal(t, agent.Permissions, got.Permissions)
	assert.Equal(t, agent.TrustedDomains, got.TrustedDomains)
	assert.Equal(t, agent.Metadata, got.Metadata)
	assert.Equal(t, 120, got.MaxRequestsPerMinute)

	byName, err := s.AgentByName(ctx, "Research Agent")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "research-agent", byName.ID)

	// Upsert replaces in place.
	agent.Status = "blocked"
	require.NoError(t, s.UpsertAgent(ctx, agent))
	got, err = s.AgentByID(ctx, "research-agent")
	require.NoError(t, err)
	assert.Equal(t, "blocked", got.Status)
}

func TestCommunicationRules(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	allowed, err := s.CommunicationAllowed(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, allowed, "no rule should mean not allowed")

	require.NoError(t, s.AddCommunicationRule(ctx, CommunicationRule{
		ID: "r1", SourceAgentID: "a", TargetAgentID: "b", Enabled: true,
	}))
	require.NoError(t, s.AddCommunicationRule(ctx, CommunicationRule{
		ID: "r2", SourceAgentID: "a", TargetAgentID: "c", Enabled: false,
	}))

	allowed, err = s.CommunicationAllowed(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, allowed)

	// Disabled rules do not authorize, and direction matters.
	allowed, _ = s.CommunicationAllowed(ctx, "a", "c")
	assert.False(t, allowed)
	allowed, _ = s.CommunicationAllowed(ctx, "b", "a")
	assert.False(t, allowed)
}

func TestEnabledRulesOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Insert out of priority order; equal priorities keep insert order.
	insert := func(id string, priority int, enabled bool) {
		require.NoError(t, s.InsertRule(ctx, FirewallRule{
			ID: id, Name: id, Type: "deny", Priority: priority, Enabled: enabled,
			Conditions: []RuleCondition{{Field: "path", Operator: "eq", Value: "/x"}},
			Action:     RuleAction{Type: "deny"},
		}))
	}
	insert("late-low", 10, true)
	insert("first-high", 1, true)
	insert("tied-a", 5, true)
	insert("tied-b", 5, true)
	insert("disabled", 0, false)

	rules, err := s.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 4)

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"first-high", "tied-a", "tied-b", "late-low"}, ids)

	// Conditions and action survive the round trip.
	assert.Equal(t, "path", rules[0].Conditions[0].Field)
	assert.Equal(t, "deny", rules[0].Action.Type)
}

func TestThreatRecordQueryResolve(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.RecordThreat(Threat{
		ID: "t1", AgentID: "agent-a", Type: "prompt_injection", Severity: "critical",
		Details: map[string]any{"pattern": "ignore_previous"},
	})
	s.RecordThreat(Threat{
		ID: "t2", AgentID: "agent-b", Type: "rate_limit_exceeded", Severity: "low",
	})

	// Writes are async; wait for the loop to drain.
	var threats []Threat
	require.Eventually(t, func() bool {
		var err error
		threats, err = s.Threats(ctx, ThreatQuery{})
		return err == nil && len(threats) == 2
	}, 2*time.Second, 10*time.Millisecond)

	bySeverity, err := s.Threats(ctx, ThreatQuery{Severity: "critical"})
	require.NoError(t, err)
	require.Len(t, bySeverity, 1)
	assert.Equal(t, "t1", bySeverity[0].ID)
	assert.Equal(t, "ignore_previous", bySeverity[0].Details["pattern"])
	assert.False(t, bySeverity[0].Resolved)

	byAgent, err := s.Threats(ctx, ThreatQuery{AgentID: "agent-b"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)

	require.NoError(t, s.ResolveThreat(ctx, "t1", "operator"))
	unresolved, err := s.Threats(ctx, ThreatQuery{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "t2", unresolved[0].ID)

	resolved, err := s.Threats(ctx, ThreatQuery{AgentID: "agent-a"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Resolved)
	assert.Equal(t, "operator", resolved[0].ResolvedBy)
	require.NotNil(t, resolved[0].ResolvedAt)
}

func TestRecordThreatGeneratesIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Inspection enqueues threats without IDs; each must persist
	// under its own generated key.
	s.RecordThreat(Threat{AgentID: "agent-a", Type: "prompt_injection", Severity: "critical"})
	s.RecordThreat(Threat{AgentID: "agent-a", Type: "rate_limit_exceeded", Severity: "medium"})

	var threats []Threat
	require.Eventually(t, func() bool {
		var err error
		threats, err = s.Threats(ctx, ThreatQuery{})
		return err == nil && len(threats) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, threats[0].ID)
	assert.NotEmpty(t, threats[1].ID)
	assert.NotEqual(t, threats[0].ID, threats[1].ID)
}

func TestSkillVerdictUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	missing, err := s.SkillVerdictByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, missing)

	v := SkillVerdict{
		CodeHash:        "deadbeef",
		Language:        "javascript",
		Safe:            false,
		RiskScore:       0.9,
		Reason:          "Unsafe behavior detected",
		Vulnerabilities: `[{"type":"eval_usage"}]`,
		Patterns:        `["eval() usage detected"]`,
		AnalysisTimeMs:  12.5,
	}
	require.NoError(t, s.UpsertSkillVerdict(ctx, v))

	got, err := s.SkillVerdictByHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v, *got)

	// Re-analysis overwrites the cached verdict.
	v.Safe = true
	v.RiskScore = 0.1
	v.Reason = ""
	require.NoError(t, s.UpsertSkillVerdict(ctx, v))
	got, err = s.SkillVerdictByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.True(t, got.Safe)
	assert.InDelta(t, 0.1, got.RiskScore, 1e-9)
}
