package skills

import "regexp"

// signature identifies a known-malicious skill family either by the
// exact code hash or by a pattern that survives light repackaging.
type signature struct {
	Name    string
	Hash    string
	Pattern *regexp.Regexp
}

var knownSignatures = []signature{
	{
		Name:    "credential-harvester",
		Pattern: regexp.MustCompile(`(?i)process\.env\s*\[?\s*['"]?(AWS|OPENAI|ANTHROPIC|GITHUB)[A-Z_]*\s*['"]?\s*\]?[\s\S]{0,200}fetch\s*\(`),
	},
	{
		Name:    "reverse-shell",
		Pattern: regexp.MustCompile(`(?i)(child_process|spawn|exec)\s*[\s\S]{0,120}(/bin/(ba)?sh|cmd\.exe|nc\s+-e)`),
	},
	{
		Name:    "crypto-miner",
		Pattern: regexp.MustCompile(`(?i)(coinhive|cryptonight|stratum\+tcp|minero\.cc)`),
	},
	{
		Name:    "eval-stager",
		Pattern: regexp.MustCompile(`(?i)eval\s*\(\s*atob\s*\(`),
	},
	{
		Name:    "prompt-exfiltrator",
		Pattern: regexp.MustCompile(`(?i)(system\s*prompt|conversation\s*history)[\s\S]{0,200}(fetch|XMLHttpRequest|WebSocket)\s*\(`),
	},
}

// matchSignature returns the first known-malware signature the code
// or its hash matches, if any.
func matchSignature(codeHash, code string) (signature, bool) {
	for _, sig := range knownSignatures {
		if sig.Hash != "" && sig.Hash == codeHash {
			return sig, true
		}
		if sig.Pattern != nil && sig.Pattern.MatchString(code) {
			return sig, true
		}
	}
	return signature{}, false
}
