package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zette-dev/kurocha/internal/executor"
)

// ErrUnknownEvent is returned by Decode for well-formed lines whose type is
// not part of the stream-json protocol we consume.
var ErrUnknownEvent = errors.New("unknown stream event type")

// Decode parses a single NDJSON line from Claude's stdout. Each line is an
// independent JSON object; no state is carried between calls.
func Decode(line []byte) (executor.StreamEvent, error) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return executor.StreamEvent{}, fmt.Errorf("decode stream line: %w", err)
	}

	evt := executor.StreamEvent{
		Type:      executor.EventType(msg.Type),
		Subtype:   msg.Subtype,
		SessionID: msg.SessionID,
	}

	switch evt.Type {
	case executor.EventSystem:
		return evt, nil

	case executor.EventUser, executor.EventAssistant:
		if msg.Message != nil {
			parts, err := decodeContent(msg.Message.Content)
			if err != nil {
				return executor.StreamEvent{}, fmt.Errorf("decode %s content: %w", msg.Type, err)
			}
			evt.Content = parts
		}
		return evt, nil

	case executor.EventResult:
		evt.Result = &executor.ResultPayload{
			Subtype:      msg.Subtype,
			IsError:      msg.IsError,
			Result:       resultText(msg.Result),
			TotalCostUSD: msg.TotalCostUSD,
			DurationMS:   msg.DurationMS,
			NumTurns:     msg.NumTurns,
			Usage:        msg.Usage,
		}
		return evt, nil

	default:
		return executor.StreamEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
	}
}

// --- stream-json protocol types ---

type streamMessage struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Message      *contentMessage `json:"message,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	Usage        executor.Usage  `json:"usage"`
}

type contentMessage struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// decodeContent accepts either a content array or a bare string, which the
// CLI uses for plain user messages.
func decodeContent(raw json.RawMessage) ([]executor.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []executor.ContentPart{{Type: executor.ContentText, Text: s}}, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}

	parts := make([]executor.ContentPart, 0, len(blocks))
	for _, block := range blocks {
		switch executor.ContentType(block.Type) {
		case executor.ContentText:
			parts = append(parts, executor.ContentPart{Type: executor.ContentText, Text: block.Text})
		case executor.ContentToolUse:
			parts = append(parts, executor.ContentPart{
				Type:  executor.ContentToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		case executor.ContentToolResult:
			parts = append(parts, executor.ContentPart{
				Type:      executor.ContentToolResult,
				ToolUseID: block.ToolUseID,
				Output:    flattenText(block.Content),
			})
		}
	}
	return parts, nil
}

// resultText reads the result field, which is a string in current CLI
// versions and a content message in older ones.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return extractText(raw)
}

func extractText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}

	var msg contentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	return flattenText(msg.Content)
}

// flattenText concatenates the text blocks of a content value that may be a
// string or a block array.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var b strings.Builder
	for _, block := range blocks {
		if block.Type == string(executor.ContentText) {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
