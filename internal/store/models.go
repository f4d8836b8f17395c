package store

import "time"

// Agent is a registered agent row, read-only from the firewall.
type Agent struct {
	ID                   string
	Name                 string
	Endpoint             string
	APIKeyHash           string
	Permissions          []string
	Status               string // active, inactive, blocked, quarantined
	MaxRequestsPerMinute int
	TrustedDomains       []string
	Metadata             map[string]string
}

// CommunicationRule authorizes one agent to message another.
type CommunicationRule struct {
	ID                   string
	SourceAgentID        string
	TargetAgentID        string
	Enabled              bool
	MaxMessagesPerMinute int
}

// FirewallRule is a persisted declarative rule, evaluated in ascending
// priority order by the rule engine.
type FirewallRule struct {
	ID          string
	Name        string
	Description string
	Type        string // allow, deny, conditional
	Priority    int
	Enabled     bool
	Conditions  []RuleCondition
	Action      RuleAction
}

// RuleCondition is a single field/operator/value predicate.
type RuleCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq, neq, contains, regex, gt, lt, in
	Value    any    `json:"value"`
}

// RuleAction is what a matching rule does.
type RuleAction struct {
	Type     string `json:"type"` // allow, deny, log, alert, quarantine
	Message  string `json:"message,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds
}

// Threat is an append-only security event.
type Threat struct {
	ID         string
	AgentID    string
	Type       string
	Severity   string
	Details    map[string]any
	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy string
	CreatedAt  time.Time
}

// SkillVerdict is a cached skill-analysis result keyed by code hash.
type SkillVerdict struct {
	CodeHash        string
	Language        string
	Safe            bool
	RiskScore       float64
	Reason          string
	Vulnerabilities string // JSON
	Patterns        string // JSON
	AnalysisTimeMs  float64
}

// ThreatQuery holds filters for threat queries.
type ThreatQuery struct {
	AgentID    string
	Severity   string
	Unresolved bool
	Limit      int
}
