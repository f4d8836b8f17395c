package firewall

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message type discriminators.
const (
	MsgSessionsSend  = "sessions_send"
	MsgSessionsSpawn = "sessions_spawn"
	MsgSessionsReply = "sessions_reply"
	MsgAPICall       = "api_call"
	MsgSkillExecute  = "skill_execute"
	MsgPing          = "ping"
)

const (
	maxContentChars = 100_000
	maxBodyChars    = 1_048_576
)

var messageTypes = map[string]bool{
	MsgSessionsSend:  true,
	MsgSessionsSpawn: true,
	MsgSessionsReply: true,
	MsgAPICall:       true,
	MsgSkillExecute:  true,
	MsgPing:          true,
}

// AgentMessage is the tagged union carried on the WebSocket surface,
// discriminated by Type.
type AgentMessage struct {
	Type          string            `json:"type"`
	Content       string            `json:"content,omitempty"`
	TargetAgentID string            `json:"targetAgentId,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// ParseMessage decodes and structurally validates a raw frame.
// Unknown top-level fields, an unknown type discriminator, and
// oversize content or body are all rejected.
func ParseMessage(raw []byte) (*AgentMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var msg AgentMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after message")
	}
	if !messageTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if len(msg.Content) > maxContentChars {
		return nil, fmt.Errorf("content exceeds %d chars", maxContentChars)
	}
	if len(msg.Body) > maxBodyChars {
		return nil, fmt.Errorf("body exceeds %d chars", maxBodyChars)
	}
	return &msg, nil
}
