package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
	"resty.dev/v3"
)

// ErrUnauthorized is returned for 401 and 403 responses. It is the
// transport's sentinel, so callers handle a rejected token the same way
// whichever path saw it.
var ErrUnauthorized = transport.ErrUnauthorized

// Page is one page of transcript lines, oldest first.
type Page struct {
	Lines   []wire.TranscriptLine
	HasMore bool
	// Skipped counts lines that could not be decoded.
	Skipped int
}

// TokenUsage is the per-session token accounting.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheRead    int64 `json:"cacheReadTokens,omitempty"`
	CacheWrite   int64 `json:"cacheWriteTokens,omitempty"`
}

// Client is the transcript source used by the loader.
type Client interface {
	Messages(ctx context.Context, sessionID string, limit, offset int) (Page, error)
}

// RESTClient talks to the session REST endpoints.
type RESTClient struct {
	http *resty.Client
}

// NewRESTClient returns a client for serverURL authenticated with token.
func NewRESTClient(serverURL, token string) *RESTClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json, application/x-ndjson")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &RESTClient{http: c}
}

// Close releases idle connections.
func (c *RESTClient) Close() error {
	return c.http.Close()
}

// Messages implements Client. The server answers either with
// {"messages":[...],"hasMore":bool} or with a JSONL body.
func (c *RESTClient) Messages(ctx context.Context, sessionID string, limit, offset int) (Page, error) {
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		req.SetQueryParam("offset", strconv.Itoa(offset))
	}
	resp, err := req.Get("/sessions/{id}/messages")
	if err != nil {
		return Page{}, fmt.Errorf("get messages: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return Page{}, fmt.Errorf("get messages: %w", err)
	}
	return parsePage([]byte(resp.String()))
}

// DeleteSession removes a session on the server.
func (c *RESTClient) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		Delete("/sessions/{id}")
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RenameSession sets a session title.
func (c *RESTClient) RenameSession(ctx context.Context, sessionID, title string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"title": title}).
		Put("/sessions/{id}")
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// TokenUsage fetches token accounting for a session.
func (c *RESTClient) TokenUsage(ctx context.Context, sessionID string) (TokenUsage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		Get("/sessions/{id}/token-usage")
	if err != nil {
		return TokenUsage{}, fmt.Errorf("token usage: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return TokenUsage{}, fmt.Errorf("token usage: %w", err)
	}
	var usage TokenUsage
	if err := json.Unmarshal([]byte(resp.String()), &usage); err != nil {
		return TokenUsage{}, fmt.Errorf("decode token usage: %w", err)
	}
	return usage, nil
}

func checkStatus(resp *resty.Response) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, code)
	case resp.IsError() || code < 200 || code >= 300:
		body := strings.TrimSpace(resp.String())
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("status %d: %s", code, body)
	}
	return nil
}

type messagesEnvelope struct {
	Messages []json.RawMessage `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// parsePage accepts the JSON envelope or a JSONL body.
func parsePage(body []byte) (Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Page{}, nil
	}
	if trimmed[0] == '{' {
		var env messagesEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Messages != nil {
			page := Page{HasMore: env.HasMore}
			for _, raw := range env.Messages {
				line, err := wire.DecodeTranscriptLine(raw)
				if err != nil {
					page.Skipped++
					continue
				}
				page.Lines = append(page.Lines, line)
			}
			return page, nil
		}
	}
	lines, skipped, err := wire.ReadTranscript(bytes.NewReader(trimmed))
	if err != nil {
		return Page{}, err
	}
	return Page{Lines: lines, Skipped: skipped}, nil
}
