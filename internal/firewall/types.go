package firewall

import "time"

// Threat levels carried on inspection results.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
	LevelUnknown  = "unknown"
)

// Threat types recorded on deny.
const (
	ThreatRateLimit        = "rate_limit_exceeded"
	ThreatBlacklisted      = "blacklisted_agent"
	ThreatRuleViolation    = "rule_violation"
	ThreatHighScore        = "high_threat_score"
	ThreatPromptInjection  = "prompt_injection"
	ThreatExfiltration     = "data_exfiltration"
	ThreatUnauthorizedComm = "unauthorized_agent_communication"
	ThreatInfiniteLoop     = "infinite_loop"
	ThreatMalware          = "malware_detected"
	ThreatCredentialLeak   = "credential_leak"
	ThreatWebsocketAbuse   = "websocket_abuse"
)

// severityFor maps each threat type to its persisted severity. The
// severity stored on the event is independent of the level returned to
// the caller.
var severityFor = map[string]string{
	ThreatRuleViolation:    "medium",
	ThreatHighScore:        "high",
	ThreatPromptInjection:  "critical",
	ThreatExfiltration:     "critical",
	ThreatUnauthorizedComm: "high",
	ThreatInfiniteLoop:     "medium",
	ThreatRateLimit:        "low",
	ThreatMalware:          "critical",
	ThreatCredentialLeak:   "critical",
	ThreatWebsocketAbuse:   "medium",
	ThreatBlacklisted:      "critical",
}

// InspectionResult is the verdict on a single request or message.
// When Allowed is false, Reason is always set.
type InspectionResult struct {
	Allowed     bool     `json:"allowed"`
	Reason      string   `json:"reason,omitempty"`
	ThreatLevel string   `json:"threatLevel,omitempty"`
	ThreatScore *float64 `json:"threatScore,omitempty"`
}

// Alert is the payload handed to the configured alert handler for
// critical-severity threats.
type Alert struct {
	Type       string         `json:"type"`
	AgentID    string         `json:"agentId"`
	ThreatType string         `json:"threatType"`
	Details    map[string]any `json:"details"`
	Timestamp  time.Time      `json:"timestamp"`
}

func failClosed() InspectionResult {
	return InspectionResult{
		Allowed:     false,
		Reason:      "Inspection error",
		ThreatLevel: LevelUnknown,
	}
}
