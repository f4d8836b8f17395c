package firewall

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawshield/clawshield/internal/detect"
	"github.com/clawshield/clawshield/internal/rules"
	"github.com/clawshield/clawshield/internal/store"
)

// AgentStore is the persistence surface the orchestrator consumes.
type AgentStore interface {
	AgentByID(ctx context.Context, id string) (*store.Agent, error)
	CommunicationAllowed(ctx context.Context, source, target string) (bool, error)
	RecordThreat(t store.Threat)
}

// Limiter is the key-value surface for rate limiting and blacklist.
type Limiter interface {
	IncrRate(ctx context.Context, agentID string) (int64, error)
	IsBlacklisted(ctx context.Context, agentID string) (bool, error)
}

// RuleEvaluator evaluates the persisted rule set against a context.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, evalCtx map[string]any) (rules.Decision, error)
}

// LoopChecker detects repeated identical messages.
type LoopChecker interface {
	CheckAndRecord(ctx context.Context, agentID, fingerprint string) (bool, error)
}

// Alerter receives critical-severity threats. Errors are logged and
// never affect the inspection verdict.
type Alerter interface {
	SendAlert(ctx context.Context, a Alert) error
}

// DeepScanner is an optional extra content stage run on message
// bodies after the built-in detectors.
type DeepScanner interface {
	Scan(content string) (blocked bool, rule string)
}

// Options tune the orchestrator.
type Options struct {
	ThreatScoreThreshold float64
	DefaultRateLimit     int
}

// Firewall is the inspection orchestrator. It owns the agent-context
// registry; detectors are held as capabilities and never call back.
type Firewall struct {
	store    AgentStore
	kv       Limiter
	engine   RuleEvaluator
	loops    LoopChecker
	alerter  Alerter
	deep     DeepScanner
	registry *Registry
	logger   *slog.Logger

	threshold   float64
	defaultRate int
}

func New(st AgentStore, kv Limiter, engine RuleEvaluator, loops LoopChecker, opts Options, logger *slog.Logger) *Firewall {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ThreatScoreThreshold <= 0 {
		opts.ThreatScoreThreshold = 0.8
	}
	if opts.DefaultRateLimit <= 0 {
		opts.DefaultRateLimit = 100
	}
	return &Firewall{
		store:       st,
		kv:          kv,
		engine:      engine,
		loops:       loops,
		registry:    NewRegistry(),
		logger:      logger.With("component", "firewall"),
		threshold:   opts.ThreatScoreThreshold,
		defaultRate: opts.DefaultRateLimit,
	}
}

// SetAlerter installs the critical-threat alert handler.
func (f *Firewall) SetAlerter(a Alerter) { f.alerter = a }

// SetDeepScanner installs the optional deep content stage.
func (f *Firewall) SetDeepScanner(d DeepScanner) { f.deep = d }

// Registry exposes the agent-context registry to the proxy surfaces.
func (f *Firewall) Registry() *Registry { return f.registry }

// RequestInput is the HTTP-surface view of one inbound request.
type RequestInput struct {
	AgentID string
	Method  string
	Path    string
	Body    string
	Headers map[string]string
	IP      string
}

// InspectRequest runs the HTTP inspection pipeline. Any panic in a
// stage is caught and mapped to a deny; the gateway never fails open.
func (f *Firewall) InspectRequest(ctx context.Context, in RequestInput) (res InspectionResult) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("inspection panic", "panic", r, "agent_id", in.AgentID, "path", in.Path)
			res = failClosed()
		}
	}()

	var agent *AgentContext
	if in.AgentID != "" {
		agent = f.hydrate(ctx, in.AgentID)

		// Blacklisted agents are rejected before their rate counter
		// moves, so a blocked agent cannot keep a window warm.
		blocked, err := f.kv.IsBlacklisted(ctx, in.AgentID)
		if err != nil {
			f.logger.Error("blacklist lookup failed", "error", err, "agent_id", in.AgentID)
			return failClosed()
		}
		if blocked {
			return f.deny(in.AgentID, ThreatBlacklisted, "Agent is blacklisted", LevelCritical, map[string]any{
				"method": in.Method, "path": in.Path,
			})
		}

		n, err := f.kv.IncrRate(ctx, in.AgentID)
		if err != nil {
			f.logger.Error("rate increment failed", "error", err, "agent_id", in.AgentID)
			return failClosed()
		}
		limit := f.defaultRate
		if agent != nil && agent.MaxRequestsPerMinute > 0 {
			limit = agent.MaxRequestsPerMinute
		}
		if n > int64(limit) {
			return f.deny(in.AgentID, ThreatRateLimit, "Rate limit exceeded", LevelMedium, map[string]any{
				"count": n, "limit": limit,
			})
		}
	}

	evalCtx := map[string]any{
		"method":  in.Method,
		"path":    in.Path,
		"body":    in.Body,
		"content": in.Body,
		"ip":      in.IP,
		"agentId": in.AgentID,
	}
	if in.Headers != nil {
		evalCtx["headers"] = headersToAny(in.Headers)
	}
	decision, err := f.engine.Evaluate(ctx, evalCtx)
	if err != nil {
		f.logger.Error("rule evaluation failed", "error", err)
		return failClosed()
	}
	if !decision.Allowed {
		level := decision.Level
		if level == "" {
			level = LevelMedium
		}
		details := map[string]any{"method": in.Method, "path": in.Path}
		if decision.Rule != "" {
			details["rule"] = decision.Rule
		}
		return f.deny(in.AgentID, ThreatRuleViolation, decision.Reason, level, details)
	}

	var prevCount int64
	var prevSeen time.Time
	if in.AgentID != "" {
		prevCount, prevSeen = f.registry.Peek(in.AgentID)
	}
	sinceLast := time.Duration(0)
	if !prevSeen.IsZero() {
		sinceLast = time.Since(prevSeen)
	}

	score, factors := detect.Score(detect.ScoreInput{
		Body:         in.Body,
		Path:         in.Path,
		Headers:      in.Headers,
		RequestCount: prevCount,
		SinceLast:    sinceLast,
	})
	if score > f.threshold {
		f.denyRecord(in.AgentID, ThreatHighScore, map[string]any{
			"score": score, "factors": factors, "path": in.Path,
		})
		return InspectionResult{
			Allowed:     false,
			Reason:      "Threat score exceeded threshold",
			ThreatLevel: LevelHigh,
			ThreatScore: &score,
		}
	}

	// The context advances only for requests that pass every stage.
	if in.AgentID != "" {
		f.registry.Touch(in.AgentID)
	}
	return InspectionResult{Allowed: true, ThreatScore: &score}
}

// InspectMessage runs the WebSocket inspection pipeline over one raw
// frame.
func (f *Firewall) InspectMessage(ctx context.Context, agentID string, raw []byte) (res InspectionResult) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("inspection panic", "panic", r, "agent_id", agentID)
			res = failClosed()
		}
	}()

	msg, err := ParseMessage(raw)
	if err != nil {
		f.denyRecord(agentID, ThreatWebsocketAbuse, map[string]any{"error": err.Error()})
		return InspectionResult{
			Allowed:     false,
			Reason:      "Invalid message format",
			ThreatLevel: LevelLow,
		}
	}

	if (msg.Type == MsgSessionsSend || msg.Type == MsgSessionsSpawn) && msg.TargetAgentID != "" {
		allowed, err := f.store.CommunicationAllowed(ctx, agentID, msg.TargetAgentID)
		if err != nil {
			f.logger.Error("communication lookup failed", "error", err, "agent_id", agentID)
			return failClosed()
		}
		if !allowed {
			return f.deny(agentID, ThreatUnauthorizedComm, "Agent communication not authorized", LevelHigh, map[string]any{
				"target_agent_id": msg.TargetAgentID, "type": msg.Type,
			})
		}
	}

	fingerprint := detect.Fingerprint(msg.Type, msg.Content, msg.TargetAgentID)
	looped, err := f.loops.CheckAndRecord(ctx, agentID, fingerprint)
	if err != nil {
		f.logger.Error("loop window failed", "error", err, "agent_id", agentID)
		return failClosed()
	}
	f.registry.RecordMessage(agentID, fingerprint)
	if looped {
		return f.deny(agentID, ThreatInfiniteLoop, "Infinite loop detected", LevelMedium, map[string]any{
			"fingerprint": fingerprint, "type": msg.Type,
		})
	}

	if msg.Content != "" {
		if inj := detect.DetectInjection(msg.Content); inj.Detected {
			return f.deny(agentID, ThreatPromptInjection, "Prompt injection detected", LevelCritical, map[string]any{
				"patterns":   inj.Patterns,
				"confidence": inj.Confidence,
				"content":    detect.Leading(msg.Content, 200),
			})
		}
	}

	if msg.Type == MsgAPICall {
		var trusted []string
		if agent := f.hydrate(ctx, agentID); agent != nil {
			trusted = agent.TrustedDomains
		}
		if detect.IsExfiltration(msg.URL, msg.Body, trusted) {
			return f.deny(agentID, ThreatExfiltration, "Potential data exfiltration detected", LevelCritical, map[string]any{
				"url": msg.URL, "body_size": len(msg.Body),
			})
		}
	}

	if f.deep != nil && msg.Content != "" {
		if blocked, rule := f.deep.Scan(msg.Content); blocked {
			return f.deny(agentID, ThreatRuleViolation, "Blocked by content rule: "+rule, LevelHigh, map[string]any{
				"rule": rule, "content": detect.Leading(msg.Content, 200),
			})
		}
	}

	f.registry.Touch(agentID)
	return InspectionResult{Allowed: true}
}

// RegisterAgent creates or merges an agent context, typically on
// WebSocket connect.
func (f *Firewall) RegisterAgent(id string, ctx AgentContext) {
	f.registry.Register(id, ctx)
}

// UnregisterAgent drops an agent context on disconnect.
func (f *Firewall) UnregisterAgent(id string) {
	f.registry.Unregister(id)
}

// hydrate returns the agent context, lazily loading the persisted row
// on first reference. A store miss or failure leaves the agent with
// in-memory defaults; inspection still proceeds.
func (f *Firewall) hydrate(ctx context.Context, agentID string) *AgentContext {
	if existing := f.registry.Get(agentID); existing != nil {
		return existing
	}
	row, err := f.store.AgentByID(ctx, agentID)
	if err != nil {
		f.logger.Warn("agent hydration failed", "error", err, "agent_id", agentID)
		return f.registry.Register(agentID, AgentContext{})
	}
	if row == nil {
		return f.registry.Register(agentID, AgentContext{})
	}
	return f.registry.Register(agentID, AgentContext{
		Name:                 row.Name,
		Status:               row.Status,
		Permissions:          row.Permissions,
		TrustedDomains:       row.TrustedDomains,
		MaxRequestsPerMinute: row.MaxRequestsPerMinute,
	})
}

// deny records the threat event and builds the deny result.
func (f *Firewall) deny(agentID, threatType, reason, level string, details map[string]any) InspectionResult {
	f.denyRecord(agentID, threatType, details)
	return InspectionResult{
		Allowed:     false,
		Reason:      reason,
		ThreatLevel: level,
	}
}

// denyRecord persists the threat asynchronously and alerts on
// critical severity. Neither path can flip the verdict.
func (f *Firewall) denyRecord(agentID, threatType string, details map[string]any) {
	severity := severityFor[threatType]
	if severity == "" {
		severity = LevelMedium
	}
	f.store.RecordThreat(store.Threat{
		AgentID:   agentID,
		Type:      threatType,
		Severity:  severity,
		Details:   details,
		CreatedAt: time.Now(),
	})
	f.logger.Warn("request denied",
		"agent_id", agentID,
		"threat_type", threatType,
		"severity", severity)

	if severity == LevelCritical && f.alerter != nil {
		alert := Alert{
			Type:       "threat",
			AgentID:    agentID,
			ThreatType: threatType,
			Details:    details,
			Timestamp:  time.Now(),
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("alert handler panic", "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := f.alerter.SendAlert(ctx, alert); err != nil {
				f.logger.Error("alert delivery failed", "error", err, "threat_type", alert.ThreatType)
			}
		}()
	}
}

func headersToAny(h map[string]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
