package wire

import (
	"encoding/json"
	"fmt"
)

// FragmentKind identifies a piece of an agent turn.
type FragmentKind string

const (
	FragmentText       FragmentKind = "text"
	FragmentThinking   FragmentKind = "thinking"
	FragmentToolUse    FragmentKind = "tool-use"
	FragmentToolResult FragmentKind = "tool-result"
	FragmentUsage      FragmentKind = "usage"
	FragmentState      FragmentKind = "state"
)

// Agent states carried by state fragments. StateIdle and StateComplete end
// the turn the same way a Stopped event does.
const (
	StateRunning  = "running"
	StateWaiting  = "waiting"
	StateIdle     = "idle"
	StateComplete = "complete"
)

// Fragment is one piece of streamed agent output.
type Fragment struct {
	Kind FragmentKind `json:"kind"`

	// Text is the delta for text and thinking fragments.
	Text string `json:"text,omitempty"`

	// ToolUseID links a tool-use fragment to its later tool-result.
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`

	State string `json:"state,omitempty"`
}

// IsTerminal reports whether the fragment ends the turn.
func (f Fragment) IsTerminal() bool {
	return f.Kind == FragmentState && (f.State == StateIdle || f.State == StateComplete)
}

// streamPayload is the flat on-wire shape of a "stream" frame.
type streamPayload struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Kind      string `json:"kind"`

	Text      string          `json:"text"`
	ID        string          `json:"id"`
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	IsError   bool            `json:"isError"`

	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`

	State string `json:"state"`
}

// kindAliases maps the spellings seen from different agent bridges onto the
// fragment kinds above.
var kindAliases = map[string]FragmentKind{
	"text":           FragmentText,
	"assistant-text": FragmentText,
	"delta":          FragmentText,
	"thinking":       FragmentThinking,
	"tool-use":       FragmentToolUse,
	"tool_use":       FragmentToolUse,
	"tool-result":    FragmentToolResult,
	"tool_result":    FragmentToolResult,
	"usage":          FragmentUsage,
	"state":          FragmentState,
}

func decodeStream(env Envelope) (ServerEvent, error) {
	var p streamPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	kind, ok := kindAliases[p.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: stream kind %q", ErrMalformed, p.Kind)
	}

	frag := Fragment{Kind: kind}
	switch kind {
	case FragmentText, FragmentThinking:
		frag.Text = p.Text
	case FragmentToolUse:
		frag.ToolUseID = firstNonEmpty(p.ToolUseID, p.ID)
		frag.ToolName = p.Name
		frag.Input = p.Input
		if frag.ToolUseID == "" {
			return nil, fmt.Errorf("%w: tool-use without id", ErrMalformed)
		}
	case FragmentToolResult:
		frag.ToolUseID = firstNonEmpty(p.ToolUseID, p.ID)
		frag.Output = rawToText(p.Output)
		frag.IsError = p.IsError
	case FragmentUsage:
		frag.InputTokens = p.InputTokens
		frag.OutputTokens = p.OutputTokens
	case FragmentState:
		frag.State = p.State
	}

	return StreamContent{
		SessionID: p.SessionID,
		TurnID:    p.TurnID,
		Fragment:  frag,
	}, nil
}

// rawToText renders a tool output that may be a JSON string or any other JSON
// value.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
