// Package detect holds the stateless detectors consulted by the
// firewall orchestrator: the composite threat scorer, the
// prompt-injection detector, the message-loop detector, and the
// data-exfiltration detector.
package detect

import (
	"regexp"
	"strings"
	"time"
)

// scorePattern is a weighted signature checked against request body and
// path. Go regexps carry no per-call state, so the compiled patterns
// are shared safely across goroutines.
type scorePattern struct {
	name   string
	weight float64
	re     *regexp.Regexp
}

var scorePatterns = []scorePattern{
	{"path_traversal", 0.3, regexp.MustCompile(`\.\./`)},
	{"xss_attempt", 0.4, regexp.MustCompile(`(?i)<script[^>]*>`)},
	{"sql_injection", 0.5, regexp.MustCompile(`(?i)union\s+select`)},
	{"sql_drop", 0.9, regexp.MustCompile(`(?i);\s*drop\s+table`)},
	{"template_injection", 0.3, regexp.MustCompile(`\$\{.*\}`)},
	{"env_access", 0.4, regexp.MustCompile(`(?i)process\.env`)},
	{"command_exec", 0.6, regexp.MustCompile(`(?i)child_process`)},
	{"require_child_process", 0.8, regexp.MustCompile(`(?i)require\s*\(\s*['"]child_process['"]\s*\)`)},
	{"exec_call", 0.5, regexp.MustCompile(`(?i)exec\s*\(`)},
}

var suspiciousHeaders = map[string]bool{
	"x-forwarded-host": true,
	"x-original-url":   true,
	"x-rewrite-url":    true,
}

const (
	suspiciousHeaderWeight = 0.2
	rateAnomalyWeight      = 0.3
	largePayloadWeight     = 0.2

	rateAnomalyCount    = 50
	rateAnomalyInterval = time.Second
	largePayloadBytes   = 500_000
)

// ScoreInput is the request context consumed by the scorer.
type ScoreInput struct {
	Body         string
	Path         string
	Headers      map[string]string
	RequestCount int64
	SinceLast    time.Duration // zero when unknown
}

// Score computes a bounded composite threat score and the list of
// triggered factor names. Each triggered factor of weight w folds in as
// score += w*(1-score), so the result stays in [0,1], is monotone in
// the factor set, and does not depend on combination order.
func Score(in ScoreInput) (float64, []string) {
	var factors []string
	score := 0.0
	add := func(name string, weight float64) {
		factors = append(factors, name)
		score += weight * (1 - score)
	}

	for _, p := range scorePatterns {
		if in.Body != "" && p.re.MatchString(in.Body) {
			add(p.name, p.weight)
		}
		if in.Path != "" && p.re.MatchString(in.Path) {
			add("path_"+p.name, p.weight)
		}
	}

	for name := range in.Headers {
		if suspiciousHeaders[strings.ToLower(name)] {
			add("suspicious_header", suspiciousHeaderWeight)
			break
		}
	}

	if in.RequestCount > rateAnomalyCount && in.SinceLast > 0 && in.SinceLast < rateAnomalyInterval {
		add("rate_anomaly", rateAnomalyWeight)
	}

	if len(in.Body) > largePayloadBytes {
		add("large_payload", largePayloadWeight)
	}

	return score, factors
}
