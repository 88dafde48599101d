// Package stream parses the newline-delimited JSON event stream emitted by
// an agent CLI subprocess on stdout. Lines that do not parse as the expected
// shape are surfaced as plain text, never as failures.
package stream

import "encoding/json"

// Known top-level event types on the agent stdout channel.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeResult    = "result"

	SubtypeInit = "init"
)

// Content block types inside an assistant message.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// AgentEvent is the top-level structure of one stream-json line.
type AgentEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system/init events
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant events: the full message payload
	Message *AssistantMessage `json:"message,omitempty"`

	// For result events
	Result     string  `json:"result,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// AssistantMessage is the message payload inside an "assistant" event.
type AssistantMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block within an assistant message: text output or a
// tool invocation.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Text concatenates the text blocks of an assistant message.
func (m *AssistantMessage) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the names of tool_use blocks in an assistant message.
func (m *AssistantMessage) ToolUses() []string {
	if m == nil {
		return nil
	}
	var names []string
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.Name != "" {
			names = append(names, b.Name)
		}
	}
	return names
}

// Line is one framed line from the agent stream: either a parsed event or
// plain text when the line was not valid stream JSON.
type Line struct {
	Raw    []byte
	Event  *AgentEvent
	Text   string // set when the line is plain output, not an event
	StdErr bool   // true for lines read from the error channel
}
