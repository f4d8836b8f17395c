package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"time"

	"github.com/clawshield/clawshield/internal/detect"
)

// Result is the fused verdict over a candidate skill.
type Result struct {
	Safe            bool            `json:"safe"`
	RiskScore       float64         `json:"riskScore"`
	Reason          string          `json:"reason,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Patterns        []string        `json:"patterns"`
	Behaviors       []string        `json:"behaviors,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	AnalysisTimeMs  float64         `json:"analysisTimeMs"`
}

// Analyzer runs the static, injection, and dynamic stages and fuses
// their findings into a bounded risk score.
type Analyzer struct {
	static  StaticAnalyzer
	sandbox *Sandbox
	logger  *slog.Logger
}

// NewAnalyzer builds the pipeline. memoryMiB bounds the sandbox's
// allocation traps; zero keeps the sandbox default.
func NewAnalyzer(timeout time.Duration, memoryMiB int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		sandbox: &Sandbox{
			Timeout:       timeout,
			MaxAllocBytes: int64(memoryMiB) << 20,
		},
		logger: logger.With("component", "skills"),
	}
}

// CodeHash returns the lowercase SHA-256 hex of the code, the stable
// cache key for analysis verdicts.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Analyze runs the full pipeline. The first terminal stage wins;
// otherwise the findings are fused into a weighted score clamped to
// [0, 1], with safe meaning riskScore < 0.5.
func (a *Analyzer) Analyze(code string) Result {
	start := time.Now()
	finish := func(r Result) Result {
		r.AnalysisTimeMs = float64(time.Since(start).Microseconds()) / 1000
		if r.Vulnerabilities == nil {
			r.Vulnerabilities = []Vulnerability{}
		}
		if r.Patterns == nil {
			r.Patterns = []string{}
		}
		a.logger.Debug("skill analyzed",
			"safe", r.Safe,
			"risk_score", r.RiskScore,
			"reason", r.Reason,
			"duration_ms", r.AnalysisTimeMs)
		return r
	}

	static := a.static.Analyze(code)
	if static.Severity == "critical" {
		return finish(Result{
			Safe:            false,
			RiskScore:       1.0,
			Reason:          "Critical vulnerabilities found",
			Vulnerabilities: static.Vulnerabilities,
			Patterns:        static.Patterns,
		})
	}

	injection := detect.DetectInjection(code)
	if injection.Detected && injection.Confidence > 0.7 {
		return finish(Result{
			Safe:            false,
			RiskScore:       0.9,
			Reason:          "Prompt injection patterns",
			Vulnerabilities: static.Vulnerabilities,
			Patterns:        append(static.Patterns, injection.Patterns...),
		})
	}

	dynamic := a.sandbox.Run(code)
	if !dynamic.Safe {
		behaviors := make([]string, 0, len(dynamic.NetworkAttempts)+len(dynamic.FSAttempts)+len(dynamic.SuspiciousBehavior))
		for _, url := range dynamic.NetworkAttempts {
			behaviors = append(behaviors, "Network: "+url)
		}
		for _, call := range dynamic.FSAttempts {
			behaviors = append(behaviors, "FS: "+call)
		}
		behaviors = append(behaviors, dynamic.SuspiciousBehavior...)
		return finish(Result{
			Safe:            false,
			RiskScore:       0.8,
			Reason:          "Unsafe behavior detected",
			Vulnerabilities: static.Vulnerabilities,
			Patterns:        static.Patterns,
			Behaviors:       behaviors,
		})
	}

	if sig, ok := matchSignature(CodeHash(code), code); ok {
		return finish(Result{
			Safe:            false,
			RiskScore:       1.0,
			Reason:          "Known malware signature",
			Signature:       sig.Name,
			Vulnerabilities: static.Vulnerabilities,
			Patterns:        static.Patterns,
		})
	}

	score := 0.0
	for _, v := range static.Vulnerabilities {
		score += severityWeight(v.Severity)
	}
	score += 0.1 * float64(len(dynamic.NetworkAttempts))
	score += 0.1 * float64(len(dynamic.FSAttempts))
	score += 0.15 * float64(len(dynamic.SuspiciousBehavior))
	score += injection.Confidence * 0.3
	score = math.Min(score, 1.0)

	result := Result{
		Safe:            score < 0.5,
		RiskScore:       score,
		Vulnerabilities: static.Vulnerabilities,
		Patterns:        static.Patterns,
	}
	if !result.Safe {
		result.Reason = "Elevated composite risk"
	}
	return finish(result)
}

func severityWeight(severity string) float64 {
	switch severity {
	case "critical":
		return 0.5
	case "high":
		return 0.3
	case "medium":
		return 0.15
	case "low":
		return 0.05
	default:
		return 0
	}
}
