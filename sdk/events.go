package sdk

import (
	"encoding/json"

	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// Update kinds passed to Listener.OnUpdate.
const (
	KindSessionChanged      = "session-changed"
	KindSessionReset        = "session-reset"
	KindTurn                = "turn"
	KindHistory             = "history"
	KindHistoryFailed       = "history-failed"
	KindPermissionRequested = "permission-requested"
	KindPermissionResolved  = "permission-resolved"
	KindServerEvent         = "server-event"
	KindNotice              = "notice"
)

type turnJSON struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Role      wire.Role       `json:"role"`
	Text      string          `json:"text,omitempty"`
	Fragments []wire.Fragment `json:"fragments"`
	Finalized bool            `json:"finalized"`
}

func toTurnJSON(t *assembler.Turn) *turnJSON {
	if t == nil {
		return nil
	}
	frags := t.Fragments
	if frags == nil {
		frags = []wire.Fragment{}
	}
	return &turnJSON{
		ID:        t.ID,
		SessionID: t.SessionID,
		Role:      t.Role,
		Text:      t.Text(),
		Fragments: frags,
		Finalized: t.Finalized,
	}
}

func toTurnsJSON(turns []assembler.Turn) []*turnJSON {
	out := make([]*turnJSON, 0, len(turns))
	for i := range turns {
		out = append(out, toTurnJSON(&turns[i]))
	}
	return out
}

type permissionJSON struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId,omitempty"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	ReceivedAt int64           `json:"receivedAt"`
}

func toPermissionJSON(r permission.Request) permissionJSON {
	return permissionJSON{
		ID:         r.ID,
		SessionID:  r.SessionID,
		ToolName:   r.ToolName,
		Input:      r.Input,
		ReceivedAt: r.ReceivedAt.UnixMilli(),
	}
}

// update is one encoded listener call.
type update struct {
	kind      string
	sessionID string
	payload   any
}

// encodeEvent maps a controller event to an update. Connectivity and
// Failure have their own Listener methods and are not handled here.
func encodeEvent(ev controller.Event) (update, bool) {
	switch e := ev.(type) {
	case controller.SessionChanged:
		return update{KindSessionChanged, e.SessionID, map[string]any{
			"sessionId": e.SessionID,
			"ephemeral": e.Ephemeral,
			"reason":    e.Reason,
		}}, true

	case controller.SessionReset:
		return update{KindSessionReset, e.SessionID, map[string]any{
			"invalidSessionId": e.Invalid,
			"sessionId":        e.SessionID,
			"kind":             e.Kind,
		}}, true

	case controller.TurnUpdated:
		return update{KindTurn, e.SessionID, map[string]any{
			"partial":   toTurnJSON(e.Partial),
			"committed": toTurnJSON(e.Committed),
		}}, true

	case controller.HistoryUpdated:
		return update{KindHistory, e.SessionID, map[string]any{
			"turns":   toTurnsJSON(e.Turns),
			"hasMore": e.HasMore,
			"older":   e.Older,
		}}, true

	case controller.HistoryFailed:
		return update{KindHistoryFailed, e.SessionID, map[string]any{"error": e.Err}}, true

	case controller.PermissionRequested:
		return update{KindPermissionRequested, e.Request.SessionID, toPermissionJSON(e.Request)}, true

	case controller.PermissionResolved:
		return update{KindPermissionResolved, e.Request.SessionID, map[string]any{
			"request":  toPermissionJSON(e.Request),
			"decision": e.Decision,
			"reason":   e.Reason,
		}}, true

	case controller.ServerEventReceived:
		return update{KindServerEvent, "", map[string]any{
			"type":    e.Event.EventType(),
			"payload": e.Event,
		}}, true

	case controller.Notice:
		return update{KindNotice, "", map[string]any{"level": e.Level, "text": e.Text}}, true

	default:
		return update{}, false
	}
}
