package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Role tags a persisted transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content block types found in transcripts.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
	BlockImage      = "image"
)

// ContentBlock is a single typed block of transcript content. Fields beyond
// type and text are kept in Fields so nothing is lost on a round trip.
type ContentBlock struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"-"`
}

// MarshalJSON writes Fields back alongside Type and Text.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Fields)+2)
	for k, v := range b.Fields {
		out[k] = v
	}
	if b.Type != "" {
		out["type"] = b.Type
	}
	if b.Text != "" {
		out["text"] = b.Text
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a block while keeping unknown fields.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Type, _ = raw["type"].(string)
	b.Text, _ = raw["text"].(string)
	delete(raw, "type")
	delete(raw, "text")
	if len(raw) == 0 {
		b.Fields = nil
		return nil
	}
	b.Fields = raw
	return nil
}

// StringField returns a string-valued extra field, or "".
func (b ContentBlock) StringField(name string) string {
	s, _ := b.Fields[name].(string)
	return s
}

// EncryptedContent is content sealed with the session data key. C is base64.
type EncryptedContent struct {
	T string `json:"t"`
	C string `json:"c"`
}

// TranscriptLine is one persisted message.
type TranscriptLine struct {
	Type      Role   `json:"type"`
	UUID      string `json:"uuid,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	Content []ContentBlock `json:"content,omitempty"`
	// Encrypted is set instead of Content when the line still needs to be
	// opened with the session data key.
	Encrypted *EncryptedContent `json:"-"`
}

// Text joins the text blocks of the line.
func (l TranscriptLine) Text() string {
	var parts []string
	for _, b := range l.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

type rawLine struct {
	Type      Role            `json:"type"`
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	Message   *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ErrEmptyBlockType is returned for content blocks without a type.
var ErrEmptyBlockType = errors.New("content block missing type")

// DecodeTranscriptLine parses one line. Content may be a block array, a plain
// string (normalized to one text block), or an encrypted envelope. Lines in
// the agent SDK shape keep their content under "message".
func DecodeTranscriptLine(data []byte) (TranscriptLine, error) {
	var raw rawLine
	if err := json.Unmarshal(data, &raw); err != nil {
		return TranscriptLine{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch raw.Type {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return TranscriptLine{}, fmt.Errorf("%w: line type %q", ErrMalformed, raw.Type)
	}

	content := raw.Content
	if len(content) == 0 && raw.Message != nil {
		content = raw.Message.Content
	}
	blocks, enc, err := DecodeContent(content)
	if err != nil {
		return TranscriptLine{}, err
	}
	return TranscriptLine{
		Type:      raw.Type,
		UUID:      raw.UUID,
		SessionID: raw.SessionID,
		Timestamp: raw.Timestamp,
		Content:   blocks,
		Encrypted: enc,
	}, nil
}

// DecodeContent normalizes a content value. Exactly one of blocks and enc is
// set for non-empty input.
func DecodeContent(raw json.RawMessage) (blocks []ContentBlock, enc *EncryptedContent, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, nil, fmt.Errorf("%w: content: %v", ErrMalformed, err)
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil, nil
	case '[':
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, nil, fmt.Errorf("%w: content: %v", ErrMalformed, err)
		}
		for i, b := range blocks {
			if b.Type == "" {
				return nil, nil, fmt.Errorf("%w: block %d: %w", ErrMalformed, i, ErrEmptyBlockType)
			}
		}
		return blocks, nil, nil
	case '{':
		var e EncryptedContent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, nil, fmt.Errorf("%w: content: %v", ErrMalformed, err)
		}
		if e.T != "encrypted" || e.C == "" {
			return nil, nil, fmt.Errorf("%w: content object is not encrypted content", ErrMalformed)
		}
		return nil, &e, nil
	default:
		return nil, nil, fmt.Errorf("%w: content must be string, array or object", ErrMalformed)
	}
}

// ReadTranscript reads JSONL from r. Blank lines are ignored and lines that
// fail to decode are counted in skipped rather than failing the whole read.
func ReadTranscript(r io.Reader) (lines []TranscriptLine, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		line, derr := DecodeTranscriptLine(b)
		if derr != nil {
			skipped++
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return lines, skipped, fmt.Errorf("read transcript: %w", err)
	}
	return lines, skipped, nil
}
