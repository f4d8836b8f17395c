// Package scrub inspects proxied responses for credential leaks,
// insecure headers, and error-detail disclosure. It reports issues;
// callers decide whether to surface or block.
package scrub

import (
	"net/http"
	"regexp"
	"strings"
)

// Issue type for leaked credentials; other types are informational.
const IssueCredentialLeak = "credential_leak"

// Issue is a single finding on a response.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

type bodyPattern struct {
	name     string
	severity string
	re       *regexp.Regexp
}

var credentialPatterns = []bodyPattern{
	{"generic_credential", "high", regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)\s*["']?\s*[:=]\s*["']?[A-Za-z0-9_\-./+]{8,}`)},
	{"aws_access_key", "critical", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"aws_secret_key", "critical", regexp.MustCompile(`(?i)aws.{0,20}['"][0-9a-zA-Z/+]{40}['"]`)},
	{"stripe_key", "critical", regexp.MustCompile(`\b(sk-[A-Za-z0-9]{20,}|[pr]k_(live|test)_[A-Za-z0-9]{20,})\b`)},
	{"github_token", "critical", regexp.MustCompile(`\bgh[poushr]_[A-Za-z0-9]{36,}\b`)},
	{"private_key_block", "critical", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`)},
}

var (
	stackFrame   = regexp.MustCompile(`\bat\s+\S+\s+\(.*:\d+:\d+\)`)
	infraError   = regexp.MustCompile(`ECONNREFUSED|ENOTFOUND|ETIMEDOUT`)
	knownServers = regexp.MustCompile(`(?i)nginx|apache|iis|express`)
)

// Scan inspects response headers and an optional body.
func Scan(status int, headers http.Header, body string) []Issue {
	var issues []Issue

	if body != "" {
		for _, p := range credentialPatterns {
			if p.re.MatchString(body) {
				issues = append(issues, Issue{
					Type:     IssueCredentialLeak,
					Severity: p.severity,
					Detail:   p.name,
				})
			}
		}
	}

	issues = append(issues, headerIssues(headers)...)

	if status >= 500 && body != "" {
		if stackFrame.MatchString(body) ||
			(strings.Contains(body, "stack") && strings.Contains(body, "at ")) {
			issues = append(issues, Issue{
				Type:     "stack_trace_leak",
				Severity: "medium",
				Detail:   "response body contains a stack trace",
			})
		}
		if m := infraError.FindString(body); m != "" {
			issues = append(issues, Issue{
				Type:     "infra_error_leak",
				Severity: "medium",
				Detail:   m,
			})
		}
	}

	return issues
}

func headerIssues(headers http.Header) []Issue {
	var issues []Issue

	if headers.Get("Access-Control-Allow-Origin") == "*" {
		issues = append(issues, Issue{
			Type:     "permissive_cors",
			Severity: "medium",
			Detail:   "Access-Control-Allow-Origin: *",
		})
	}
	if headers.Get("X-Content-Type-Options") == "" {
		issues = append(issues, Issue{
			Type:     "missing_header",
			Severity: "low",
			Detail:   "X-Content-Type-Options not set",
		})
	}
	if headers.Get("X-Frame-Options") == "" && headers.Get("Content-Security-Policy") == "" {
		issues = append(issues, Issue{
			Type:     "missing_header",
			Severity: "low",
			Detail:   "neither X-Frame-Options nor Content-Security-Policy set",
		})
	}
	if server := headers.Get("Server"); server != "" && knownServers.MatchString(server) {
		issues = append(issues, Issue{
			Type:     "server_disclosure",
			Severity: "low",
			Detail:   "Server: " + server,
		})
	}
	return issues
}
