package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/garagon/aguara"
)

// ScanVerdict is the deep-scan decision for a piece of content.
type ScanVerdict string

const (
	VerdictClean      ScanVerdict = "clean"
	VerdictBlock      ScanVerdict = "block"
	VerdictQuarantine ScanVerdict = "quarantine"
	VerdictFlag       ScanVerdict = "flag"
)

// ScanOutcome holds the result of content scanning.
type ScanOutcome struct {
	Verdict  ScanVerdict
	Findings []FindingSummary
}

// FindingSummary is a simplified finding for threat details.
type FindingSummary struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Match    string `json:"match,omitempty"`
}

// Scanner wraps the Aguara engine as the optional deep content stage
// behind the built-in detectors. It runs Aguara's built-in ruleset
// plus any operator-supplied custom rules.
type Scanner struct {
	opts   []aguara.Option
	logger *slog.Logger
}

func NewScanner(customRulesDir string, logger *slog.Logger, extraOpts ...aguara.Option) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{logger: logger.With("component", "deepscan")}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	s.opts = append(s.opts, extraOpts...)
	return s
}

// ScanContent scans message content and returns an escalated verdict.
func (s *Scanner) ScanContent(ctx context.Context, content string) (*ScanOutcome, error) {
	result, err := aguara.ScanContent(ctx, content, "message.md", s.opts...)
	if err != nil {
		return nil, fmt.Errorf("aguara scan: %w", err)
	}

	outcome := &ScanOutcome{Verdict: VerdictClean}
	for _, f := range result.Findings {
		outcome.Findings = append(outcome.Findings, FindingSummary{
			RuleID:   f.RuleID,
			Name:     f.RuleName,
			Severity: f.Severity.String(),
			Match:    truncate(f.MatchedText, 200),
		})

		switch {
		case f.Severity >= aguara.SeverityCritical && outcome.Verdict != VerdictBlock:
			outcome.Verdict = VerdictBlock
		case f.Severity >= aguara.SeverityHigh && outcome.Verdict == VerdictClean:
			outcome.Verdict = VerdictQuarantine
		case f.Severity >= aguara.SeverityMedium && outcome.Verdict == VerdictClean:
			outcome.Verdict = VerdictFlag
		}
	}
	return outcome, nil
}

// Scan implements the firewall's deep-scan capability. A scanner
// failure is logged and reported as not blocked; the built-in
// detectors have already run by the time this executes.
func (s *Scanner) Scan(content string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := s.ScanContent(ctx, content)
	if err != nil {
		s.logger.Error("deep scan failed", "error", err)
		return false, ""
	}
	if outcome.Verdict != VerdictBlock {
		return false, ""
	}
	rule := "content-policy"
	if len(outcome.Findings) > 0 {
		rule = outcome.Findings[0].Name
	}
	return true, rule
}

// RulesCount returns the total number of loaded rules.
func (s *Scanner) RulesCount(ctx context.Context) int {
	result, err := aguara.ScanContent(ctx, "test", "test.md", s.opts...)
	if err != nil {
		return 0
	}
	return result.RulesLoaded
}

// ListRules returns metadata for all loaded rules.
func (s *Scanner) ListRules() []aguara.RuleInfo {
	return aguara.ListRules(s.opts...)
}

// ExplainRule returns detailed information about a rule by ID.
func (s *Scanner) ExplainRule(id string) (*aguara.RuleDetail, error) {
	return aguara.ExplainRule(id, s.opts...)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
