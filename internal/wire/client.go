package wire

import (
	"encoding/json"
	"fmt"
)

// CommandType is the envelope type of a client frame.
type CommandType string

const (
	CommandStart              CommandType = "start"
	CommandInput              CommandType = "input"
	CommandPermissionResponse CommandType = "permission-response"
	CommandQuestionResponse   CommandType = "question-response"
	CommandSubscribeSessions  CommandType = "subscribe-sessions"
	CommandSetModel           CommandType = "set-model"
	CommandSetPermissionMode  CommandType = "set-permission-mode"
	CommandRetry              CommandType = "retry"
	CommandReconnect          CommandType = "reconnect"
	CommandPing               CommandType = "ping"
)

// ClientCommand is the closed set of outbound commands.
type ClientCommand interface {
	CommandType() CommandType
	isClientCommand()
}

// Start opens or resumes a session on a freshly dialed channel. An empty
// ResumeSessionID asks the server for a new session.
type Start struct {
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	WorkingDir      string `json:"workingDir,omitempty"`
	Model           string `json:"model,omitempty"`
}

// Attachment is an image or file sent along with user input.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType"`
	// Data is base64 encoded.
	Data string `json:"data"`
}

// Input is a user message.
type Input struct {
	LocalID     string       `json:"localId,omitempty"`
	SessionID   string       `json:"sessionId,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Decision is the user's answer to a permission request.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionDeny        Decision = "deny"
	DecisionAlwaysAllow Decision = "always-allow"
)

// PermissionResponse answers a PermissionRequest.
type PermissionResponse struct {
	ID       string   `json:"id"`
	Decision Decision `json:"decision"`
	ToolName string   `json:"toolName,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// QuestionResponse answers a QuestionRequest.
type QuestionResponse struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

// SubscribeSessions asks for session-event frames about every session.
type SubscribeSessions struct{}

// SetModel switches the agent model for the current session.
type SetModel struct {
	Model string `json:"model"`
}

// SetPermissionMode changes how the agent asks for tool approval.
type SetPermissionMode struct {
	Mode string `json:"mode"`
}

// Retry re-runs the last user input.
type Retry struct{}

// Reconnect asks the server to re-attach to a session on an open channel.
type Reconnect struct {
	SessionID string `json:"sessionId"`
}

// Ping is the keepalive probe; the server answers with Pong.
type Ping struct{}

func (Start) CommandType() CommandType              { return CommandStart }
func (Input) CommandType() CommandType              { return CommandInput }
func (PermissionResponse) CommandType() CommandType { return CommandPermissionResponse }
func (QuestionResponse) CommandType() CommandType   { return CommandQuestionResponse }
func (SubscribeSessions) CommandType() CommandType  { return CommandSubscribeSessions }
func (SetModel) CommandType() CommandType           { return CommandSetModel }
func (SetPermissionMode) CommandType() CommandType  { return CommandSetPermissionMode }
func (Retry) CommandType() CommandType              { return CommandRetry }
func (Reconnect) CommandType() CommandType          { return CommandReconnect }
func (Ping) CommandType() CommandType               { return CommandPing }

func (Start) isClientCommand()              {}
func (Input) isClientCommand()              {}
func (PermissionResponse) isClientCommand() {}
func (QuestionResponse) isClientCommand()   {}
func (SubscribeSessions) isClientCommand()  {}
func (SetModel) isClientCommand()           {}
func (SetPermissionMode) isClientCommand()  {}
func (Retry) isClientCommand()              {}
func (Reconnect) isClientCommand()          {}
func (Ping) isClientCommand()               {}

// EncodeCommand renders a command as an envelope frame.
func EncodeCommand(cmd ClientCommand) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode command: nil")
	}
	env, err := CommandEnvelope(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// CommandEnvelope wraps a command without serializing the outer frame. The
// Socket.IO transport emits the envelope as an event argument.
func CommandEnvelope(cmd ClientCommand) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return Envelope{Type: string(cmd.CommandType()), Payload: payload}, nil
}
