// Package rules evaluates persisted declarative firewall rules against
// a field-addressable context.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawshield/clawshield/internal/store"
)

// Source loads enabled rules in evaluation order.
type Source interface {
	EnabledRules(ctx context.Context) ([]store.FirewallRule, error)
}

// Decision is the outcome of rule evaluation. A deny carries a reason
// and threat level; the zero decision is "no rule matched".
type Decision struct {
	Allowed bool
	Reason  string
	Level   string
	Rule    string
}

// Engine caches enabled rules with a TTL and evaluates them in
// ascending-priority order. The cache snapshot is safe for concurrent
// readers; refresh is last-writer-wins.
type Engine struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	cached  []store.FirewallRule
	fetched time.Time

	regexMu  sync.Mutex
	regexes  map[string]*regexp.Regexp
	badRegex map[string]bool // compile failures logged once per rule lifetime
}

// NewEngine creates a rule engine over the given source.
func NewEngine(source Source, ttl time.Duration, logger *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Engine{
		source:   source,
		ttl:      ttl,
		logger:   logger,
		regexes:  make(map[string]*regexp.Regexp),
		badRegex: make(map[string]bool),
	}
}

// Evaluate runs the cached rules against evalCtx. The first terminally
// matching allow or deny wins; conditional matches are logged and
// evaluation continues. With no terminal match the default is allow.
func (e *Engine) Evaluate(ctx context.Context, evalCtx map[string]any) (Decision, error) {
	snapshot, err := e.snapshot(ctx)
	if err != nil {
		return Decision{}, err
	}

	for _, rule := range snapshot {
		if !e.ruleMatches(rule, evalCtx) {
			continue
		}
		switch rule.Type {
		case "deny":
			reason := rule.Action.Message
			if reason == "" {
				reason = fmt.Sprintf("Blocked by rule: %s", rule.Name)
			}
			return Decision{Allowed: false, Reason: reason, Level: "medium", Rule: rule.Name}, nil
		case "allow":
			return Decision{Allowed: true, Rule: rule.Name}, nil
		case "conditional":
			e.logger.Info("conditional rule matched", "rule", rule.Name, "action", rule.Action.Type)
		}
	}
	return Decision{Allowed: true}, nil
}

// snapshot returns the cached rule list, refreshing it when stale.
func (e *Engine) snapshot(ctx context.Context) ([]store.FirewallRule, error) {
	e.mu.RLock()
	if time.Since(e.fetched) < e.ttl {
		cached := e.cached
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	loaded, err := e.source.EnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing rule cache: %w", err)
	}

	e.mu.Lock()
	e.cached = loaded
	e.fetched = time.Now()
	e.mu.Unlock()
	return loaded, nil
}

// Invalidate forces a refresh on the next evaluation.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.fetched = time.Time{}
	e.mu.Unlock()
}

// ruleMatches reports whether every condition of the rule matches (AND).
func (e *Engine) ruleMatches(rule store.FirewallRule, evalCtx map[string]any) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		if !e.conditionMatches(rule.ID, cond, evalCtx) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionMatches(ruleID string, cond store.RuleCondition, evalCtx map[string]any) bool {
	actual, ok := resolvePath(evalCtx, cond.Field)
	if !ok {
		return false
	}
	actualStr := stringify(actual)

	switch cond.Operator {
	case "eq":
		return actualStr == stringify(cond.Value)
	case "neq":
		return actualStr != stringify(cond.Value)
	case "contains":
		return strings.Contains(actualStr, stringify(cond.Value))
	case "regex":
		re := e.compile(ruleID, stringify(cond.Value))
		if re == nil {
			return false
		}
		return re.MatchString(actualStr)
	case "gt", "lt":
		a, err1 := strconv.ParseFloat(actualStr, 64)
		b, err2 := strconv.ParseFloat(stringify(cond.Value), 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if cond.Operator == "gt" {
			return a > b
		}
		return a < b
	case "in":
		switch list := cond.Value.(type) {
		case []any:
			for _, item := range list {
				if actualStr == stringify(item) {
					return true
				}
			}
		case []string:
			for _, item := range list {
				if actualStr == item {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// compile returns the case-insensitive regex for the pattern, caching
// the result. A compile failure is logged once per rule and then
// treated as "does not match".
func (e *Engine) compile(ruleID, pattern string) *regexp.Regexp {
	key := ruleID + "\x00" + pattern
	e.regexMu.Lock()
	defer e.regexMu.Unlock()

	if re, ok := e.regexes[key]; ok {
		return re
	}
	if e.badRegex[key] {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.badRegex[key] = true
		e.logger.Warn("invalid rule regex", "rule", ruleID, "pattern", pattern, "error", err)
		return nil
	}
	e.regexes[key] = re
	return re
}

// resolvePath walks a dotted field path over nested maps. Absent paths
// never match.
func resolvePath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			// Tolerate string-keyed maps produced by callers.
			if sm, isStr := cur.(map[string]string); isStr {
				v, exists := sm[part]
				if !exists {
					return nil, false
				}
				cur = v
				continue
			}
			return nil, false
		}
		v, exists := node[part]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
