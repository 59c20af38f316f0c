package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/crypto"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// Fetcher runs Requests against a Client and converts lines into turns.
type Fetcher struct {
	Client Client
	// Key opens encrypted content. Encrypted lines are skipped without it.
	Key *crypto.Key
}

// Fetch performs req. It never panics on bad data; undecodable lines are
// skipped and logged.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Result {
	res := Result{Seq: req.Seq, SessionID: req.SessionID}
	if f.Client == nil {
		res.Err = fmt.Errorf("history client not configured")
		return res
	}
	page, err := f.Client.Messages(ctx, req.SessionID, req.Limit, req.Offset)
	if err != nil {
		res.Err = err
		return res
	}
	if page.Skipped > 0 {
		logger.Warnf("history: skipped %d malformed lines for %s", page.Skipped, req.SessionID)
	}
	res.HasMore = page.HasMore
	res.Lines = len(page.Lines) + page.Skipped
	for _, line := range page.Lines {
		if line.Encrypted != nil {
			opened, err := f.open(line)
			if err != nil {
				logger.Warnf("history: cannot open line %s: %v", line.UUID, err)
				continue
			}
			line = opened
		}
		res.Turns = append(res.Turns, TurnFromLine(req.SessionID, line))
	}
	return res
}

// Close releases the client's connections when it holds any.
func (f *Fetcher) Close() error {
	if c, ok := f.Client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (f *Fetcher) open(line wire.TranscriptLine) (wire.TranscriptLine, error) {
	if f.Key == nil {
		return line, fmt.Errorf("no data key configured")
	}
	plain, err := crypto.OpenBase64(line.Encrypted.C, f.Key)
	if err != nil {
		return line, err
	}
	blocks, enc, err := wire.DecodeContent(plain)
	if err != nil {
		return line, err
	}
	if enc != nil {
		return line, fmt.Errorf("nested encrypted content")
	}
	line.Content = blocks
	line.Encrypted = nil
	return line, nil
}

// TurnFromLine converts a transcript line into a finalized turn.
func TurnFromLine(sessionID string, line wire.TranscriptLine) assembler.Turn {
	turn := assembler.Turn{
		ID:        line.UUID,
		SessionID: sessionID,
		Role:      line.Type,
		Finalized: true,
	}
	for _, b := range line.Content {
		if frag, ok := fragmentFromBlock(b); ok {
			turn.Fragments = append(turn.Fragments, frag)
		}
	}
	return turn
}

func fragmentFromBlock(b wire.ContentBlock) (wire.Fragment, bool) {
	switch b.Type {
	case wire.BlockText:
		return wire.Fragment{Kind: wire.FragmentText, Text: b.Text}, true
	case wire.BlockThinking:
		text := b.StringField("thinking")
		if text == "" {
			text = b.Text
		}
		return wire.Fragment{Kind: wire.FragmentThinking, Text: text}, true
	case wire.BlockToolUse:
		frag := wire.Fragment{
			Kind:      wire.FragmentToolUse,
			ToolUseID: b.StringField("id"),
			ToolName:  b.StringField("name"),
		}
		if input, ok := b.Fields["input"]; ok {
			if raw, err := json.Marshal(input); err == nil {
				frag.Input = raw
			}
		}
		return frag, true
	case wire.BlockToolResult:
		isErr, _ := b.Fields["is_error"].(bool)
		return wire.Fragment{
			Kind:      wire.FragmentToolResult,
			ToolUseID: b.StringField("tool_use_id"),
			Output:    toolResultText(b.Fields["content"]),
			IsError:   isErr,
		}, true
	case wire.BlockImage:
		return wire.Fragment{Kind: wire.FragmentText, Text: "[image]"}, true
	default:
		return wire.Fragment{}, false
	}
}

// toolResultText flattens tool_result content, which is a string or a list
// of text blocks.
func toolResultText(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var out string
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					out += s
				}
			}
		}
		return out
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
