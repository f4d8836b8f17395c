package detect

import (
	"strings"
	"testing"
	"time"
)

func TestScoreCleanRequest(t *testing.T) {
	score, factors := Score(ScoreInput{
		Body: `{"task":"summarize the report"}`,
		Path: "/api/tasks",
	})
	if score != 0 {
		t.Errorf("score = %v, want 0", score)
	}
	if len(factors) != 0 {
		t.Errorf("factors = %v, want none", factors)
	}
}

func TestScoreSingleFactor(t *testing.T) {
	score, factors := Score(ScoreInput{Path: "/files/../../etc/passwd"})
	if score != 0.3 {
		t.Errorf("score = %v, want 0.3", score)
	}
	if len(factors) != 1 || factors[0] != "path_path_traversal" {
		t.Errorf("factors = %v", factors)
	}
}

func TestScoreBoundedAndMonotone(t *testing.T) {
	// Stack every pattern at once; the fold must stay below 1.
	body := `../../x <script>alert(1)</script> UNION SELECT; DROP TABLE users ` +
		"${payload} process.env require('child_process') exec(cmd)"
	headers := map[string]string{"X-Forwarded-Host": "evil"}

	low, _ := Score(ScoreInput{Body: "union select 1"})
	high, _ := Score(ScoreInput{Body: body, Headers: headers})

	if high >= 1 {
		t.Errorf("score = %v, must stay below 1", high)
	}
	if high <= low {
		t.Errorf("more factors did not raise the score: %v <= %v", high, low)
	}
}

func TestScoreOrderInvariance(t *testing.T) {
	// The fold score += w*(1-score) is commutative over the factor set;
	// two inputs triggering the same factors must agree exactly.
	a, _ := Score(ScoreInput{Body: "union select ../../"})
	b, _ := Score(ScoreInput{Body: "../../ union select"})
	if a != b {
		t.Errorf("scores differ by trigger order: %v vs %v", a, b)
	}
}

func TestScoreRateAnomaly(t *testing.T) {
	base, _ := Score(ScoreInput{RequestCount: 51, SinceLast: 2 * time.Second})
	if base != 0 {
		t.Errorf("slow requests scored %v", base)
	}

	burst, factors := Score(ScoreInput{RequestCount: 51, SinceLast: 100 * time.Millisecond})
	if burst != rateAnomalyWeight {
		t.Errorf("burst score = %v, want %v", burst, rateAnomalyWeight)
	}
	if len(factors) != 1 || factors[0] != "rate_anomaly" {
		t.Errorf("factors = %v", factors)
	}

	// Unknown interval must not trigger the anomaly.
	unknown, _ := Score(ScoreInput{RequestCount: 51})
	if unknown != 0 {
		t.Errorf("unknown interval scored %v", unknown)
	}
}

func TestScoreLargePayload(t *testing.T) {
	score, factors := Score(ScoreInput{Body: strings.Repeat("a", largePayloadBytes+1)})
	if score != largePayloadWeight {
		t.Errorf("score = %v, want %v", score, largePayloadWeight)
	}
	if len(factors) != 1 || factors[0] != "large_payload" {
		t.Errorf("factors = %v", factors)
	}
}

func TestScoreSuspiciousHeaderOnce(t *testing.T) {
	_, factors := Score(ScoreInput{Headers: map[string]string{
		"X-Forwarded-Host": "a",
		"X-Original-URL":   "b",
	}})
	count := 0
	for _, f := range factors {
		if f == "suspicious_header" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("suspicious_header folded %d times, want 1", count)
	}
}
