package detect

import (
	"encoding/base64"
	"regexp"
	"strconv"
)

// injectionSignature is a labelled prompt-injection pattern with a
// confidence weight in [0.5, 0.9].
type injectionSignature struct {
	name   string
	weight float64
	re     *regexp.Regexp
}

var injectionSignatures = []injectionSignature{
	{"ignore_previous", 0.9, regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`)},
	{"disregard_instructions", 0.85, regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|rules|guidelines)`)},
	{"forget_instructions", 0.8, regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions|training|rules)`)},
	{"system_override", 0.8, regexp.MustCompile(`(?i)(override|overwrite)\s+(the\s+)?system\s+(prompt|instructions)|system\s+override`)},
	{"new_system_prompt", 0.75, regexp.MustCompile(`(?i)new\s+system\s+(prompt|instructions?)`)},
	{"inst_token", 0.7, regexp.MustCompile(`(?i)\[/?INST\]`)},
	{"im_start_token", 0.8, regexp.MustCompile(`(?i)<\|im_start\|>`)},
	{"system_token", 0.7, regexp.MustCompile(`(?i)<\|system\|>|<<SYS>>`)},
	{"jailbreak_keyword", 0.8, regexp.MustCompile(`(?i)jail\s?break`)},
	{"dan_mode", 0.8, regexp.MustCompile(`(?i)\bDAN\s+mode\b|do\s+anything\s+now`)},
	{"bypass_safety", 0.9, regexp.MustCompile(`(?i)bypass\s+(all\s+)?(safety|security|content)\s+(filters?|checks?|guidelines|measures)`)},
	{"developer_mode", 0.7, regexp.MustCompile(`(?i)developer\s+mode\s+(enabled|activated|on)|enable\s+developer\s+mode`)},
	{"unrestricted_roleplay", 0.6, regexp.MustCompile(`(?i)pretend\s+(you\s+are|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered|uncensored)`)},
	{"no_restrictions", 0.7, regexp.MustCompile(`(?i)(without|no)\s+(any\s+)?(restrictions|limitations|filters|guardrails)`)},
	{"reveal_prompt", 0.75, regexp.MustCompile(`(?i)(reveal|show|print|repeat)\s+(me\s+)?(your\s+)?(system\s+)?prompt`)},
	{"decode_execute", 0.6, regexp.MustCompile(`(?i)decode\s+(this\s+)?and\s+(execute|run|eval)`)},
}

var (
	base64Chunk   = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
	unicodeEscape = regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)
)

const (
	maxBase64Depth    = 3
	minUnicodeEscapes = 5
)

// InjectionResult reports prompt-injection detection over one input.
type InjectionResult struct {
	Detected   bool
	Patterns   []string
	Confidence float64
}

// DetectInjection matches the signature table against the raw input,
// against decoded base64 substrings (recursed up to 3 times), and
// against the unicode-unescaped form when enough \uXXXX escapes are
// present. Confidence is min(1, maxWeight + 0.05*(matches-1)).
func DetectInjection(content string) InjectionResult {
	seen := make(map[string]bool)
	var patterns []string
	maxWeight := 0.0

	record := func(sig injectionSignature) {
		if seen[sig.name] {
			return
		}
		seen[sig.name] = true
		patterns = append(patterns, sig.name)
		if sig.weight > maxWeight {
			maxWeight = sig.weight
		}
	}

	var scan func(text string, depth int)
	scan = func(text string, depth int) {
		for _, sig := range injectionSignatures {
			if sig.re.MatchString(text) {
				record(sig)
			}
		}

		if depth < maxBase64Depth {
			for _, chunk := range base64Chunk.FindAllString(text, -1) {
				decoded, ok := decodeBase64(chunk)
				if !ok {
					continue
				}
				scan(decoded, depth+1)
			}
		}

		if escapes := unicodeEscape.FindAllString(text, -1); len(escapes) >= minUnicodeEscapes {
			if unescaped := unescapeUnicode(text); unescaped != text {
				for _, sig := range injectionSignatures {
					if sig.re.MatchString(unescaped) {
						record(sig)
					}
				}
			}
		}
	}
	scan(content, 0)

	if len(patterns) == 0 {
		return InjectionResult{}
	}
	confidence := maxWeight + 0.05*float64(len(patterns)-1)
	if confidence > 1 {
		confidence = 1
	}
	return InjectionResult{Detected: true, Patterns: patterns, Confidence: confidence}
}

// decodeBase64 decodes a candidate chunk, aborting when the plaintext
// contains control bytes other than TAB, LF, CR.
func decodeBase64(chunk string) (string, bool) {
	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(chunk)
		if err != nil {
			return "", false
		}
	}
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return "", false
		}
		if b == 0x7f {
			return "", false
		}
	}
	return string(data), true
}

// unescapeUnicode replaces \uXXXX escapes with their runes.
func unescapeUnicode(s string) string {
	return unicodeEscape.ReplaceAllStringFunc(s, func(esc string) string {
		n, err := strconv.ParseUint(esc[2:], 16, 32)
		if err != nil {
			return esc
		}
		return string(rune(n))
	})
}

// Leading keeps the first n characters of a string for triage details.
func Leading(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
