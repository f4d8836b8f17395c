package detect

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitivePayload matches credential-shaped content in an outbound
// api_call body.
var sensitivePayload = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key\s*[=:]`),
	regexp.MustCompile(`(?i)password\s*[=:]`),
	regexp.MustCompile(`(?i)secret\s*[=:]`),
	regexp.MustCompile(`(?i)token\s*[=:]`),
	regexp.MustCompile(`(?i)private_key`),
}

// largeUploadBytes is the body size above which an upload to an
// untrusted host is flagged regardless of content.
const largeUploadBytes = 100_000

// IsExfiltration classifies an outbound api_call by destination trust
// and payload sensitivity. Unparsable URLs are benign; bodies bound for
// trusted hosts are never inspected.
func IsExfiltration(rawURL, body string, trustedDomains []string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	if HostTrusted(u.Hostname(), trustedDomains) {
		return false
	}

	if len(body) > largeUploadBytes {
		return true
	}
	for _, re := range sensitivePayload {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

// HostTrusted reports whether host matches a trusted domain exactly or
// as a child of it, case-insensitively.
func HostTrusted(host string, trustedDomains []string) bool {
	h := strings.ToLower(host)
	for _, d := range trustedDomains {
		t := strings.ToLower(strings.TrimSpace(d))
		if t == "" {
			continue
		}
		if h == t || strings.HasSuffix(h, "."+t) {
			return true
		}
	}
	return false
}
