package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/clawshield/clawshield/internal/kv"
)

// loopThreshold is the number of prior identical fingerprints that
// flags a loop.
const loopThreshold = 3

// LoopDetector flags agents replaying the same message by keeping a
// short fingerprint window per agent in the key-value store.
type LoopDetector struct {
	kv *kv.Store
}

// NewLoopDetector creates a loop detector over the key-value store.
func NewLoopDetector(store *kv.Store) *LoopDetector {
	return &LoopDetector{kv: store}
}

// Fingerprint returns the 16-hex-character SHA-256 digest of the
// canonical serialization of a message's identifying fields.
func Fingerprint(msgType, content, targetAgentID string) string {
	canonical, _ := json.Marshal(struct {
		Type          string `json:"type"`
		Content       string `json:"content"`
		TargetAgentID string `json:"targetAgentId"`
	}{msgType, content, targetAgentID})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// CheckAndRecord counts prior occurrences of the fingerprint in the
// agent's window, records the new fingerprint, and reports whether the
// loop threshold was reached.
func (d *LoopDetector) CheckAndRecord(ctx context.Context, agentID, fingerprint string) (bool, error) {
	window, err := d.kv.MessageWindow(ctx, agentID)
	if err != nil {
		return false, err
	}

	matches := 0
	for _, prior := range window {
		if prior == fingerprint {
			matches++
		}
	}

	if err := d.kv.PushMessageFingerprint(ctx, agentID, fingerprint); err != nil {
		return false, err
	}
	return matches >= loopThreshold, nil
}
