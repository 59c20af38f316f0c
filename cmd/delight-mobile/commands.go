package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/wire"
)

const (
	cmdSend    = "send"
	cmdNew     = "new"
	cmdSwitch  = "switch"
	cmdAllow   = "allow"
	cmdDeny    = "deny"
	cmdAlways  = "always"
	cmdAnswer  = "answer"
	cmdOlder   = "older"
	cmdRetry   = "retry"
	cmdModel   = "model"
	cmdMode    = "mode"
	cmdStatus  = "status"
	cmdHelp    = "help"
	cmdQuit    = "quit"
	cmdNothing = ""
)

const helpText = `Commands:
  <text>            Send a message
  /new              Start a new session
  /switch <id>      Switch to another session
  /allow [id]       Allow the pending tool request
  /deny [id]        Deny the pending tool request
  /always [id]      Allow this tool from now on
  /answer <text>    Answer the pending question
  /older            Load older history
  /retry            Re-run the last turn
  /model <name>     Select the model
  /mode <name>      Select the permission mode
  /status           Show the session state
  /quit             Exit`

var needsArg = map[string]bool{
	cmdSwitch: true,
	cmdAnswer: true,
	cmdModel:  true,
	cmdMode:   true,
}

var known = map[string]bool{
	cmdNew: true, cmdSwitch: true, cmdAllow: true, cmdDeny: true,
	cmdAlways: true, cmdAnswer: true, cmdOlder: true, cmdRetry: true,
	cmdModel: true, cmdMode: true, cmdStatus: true, cmdHelp: true,
	cmdQuit: true,
}

type command struct {
	name string
	arg  string
}

// parseLine turns one input line into a command. Lines not starting with a
// slash are messages; "//" escapes a leading slash.
func parseLine(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return command{name: cmdNothing}, nil
	case strings.HasPrefix(trimmed, "//"):
		return command{name: cmdSend, arg: trimmed[1:]}, nil
	case !strings.HasPrefix(trimmed, "/"):
		return command{name: cmdSend, arg: trimmed}, nil
	}

	name, arg, _ := strings.Cut(trimmed[1:], " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)
	if !known[name] {
		return command{}, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	if needsArg[name] && arg == "" {
		return command{}, fmt.Errorf("/%s needs an argument", name)
	}
	return command{name: name, arg: arg}, nil
}

func execute(ctx context.Context, ctl *controller.Controller, cmd command, out *printer) error {
	switch cmd.name {
	case cmdNothing:
		return nil
	case cmdSend:
		_, err := ctl.SendMessage(ctx, cmd.arg)
		return err
	case cmdNew:
		return ctl.StartNewSession(ctx)
	case cmdSwitch:
		return ctl.SwitchSession(ctx, cmd.arg)
	case cmdAllow:
		return ctl.Decide(ctx, cmd.arg, permission.Allow())
	case cmdDeny:
		return ctl.Decide(ctx, cmd.arg, permission.Deny())
	case cmdAlways:
		return ctl.Decide(ctx, cmd.arg, permission.AlwaysAllow(""))
	case cmdAnswer:
		return ctl.AnswerQuestion(ctx, "", cmd.arg)
	case cmdOlder:
		return ctl.LoadOlderHistory(ctx)
	case cmdRetry:
		return ctl.Retry(ctx)
	case cmdModel:
		return ctl.SetModel(ctx, cmd.arg)
	case cmdMode:
		return ctl.SetPermissionMode(ctx, cmd.arg)
	case cmdStatus:
		out.status(ctl.Snapshot())
		return nil
	case cmdHelp:
		out.printf("%s", helpText)
		return nil
	default:
		return errors.New("unsupported command")
	}
}

// printer renders controller events as lines of text.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// HandleEvent implements controller.Listener.
func (p *printer) HandleEvent(ev controller.Event) {
	switch e := ev.(type) {
	case controller.Connectivity:
		line := fmt.Sprintf("~ %s", e.Phase)
		if e.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d, retry in %s)", e.Attempt, e.NextDelay)
		}
		if e.Err != "" {
			line += ": " + e.Err
		}
		p.printf("%s", line)
	case controller.SessionChanged:
		if e.Ephemeral {
			p.printf("~ new session (created by your first message)")
		} else {
			p.printf("~ session %s (%s)", e.SessionID, e.Reason)
		}
	case controller.SessionReset:
		p.printf("~ session %s is gone (%s)", e.Invalid, e.Kind)
	case controller.TurnUpdated:
		if e.Committed != nil && e.Committed.Role == wire.RoleAssistant {
			p.printf("< %s", renderTurn(e.Committed.Fragments))
		}
	case controller.HistoryUpdated:
		if len(e.Turns) == 0 {
			return
		}
		p.printf("~ %d earlier turns", len(e.Turns))
		if !e.Older {
			for _, t := range e.Turns {
				p.printf("%s %s", rolePrefix(t.Role), renderTurn(t.Fragments))
			}
		}
	case controller.HistoryFailed:
		p.printf("! history: %s", e.Err)
	case controller.PermissionRequested:
		p.printf("? %s wants to run with %s  (/allow, /deny, /always)", e.Request.ToolName, string(e.Request.Input))
	case controller.PermissionResolved:
		p.printf("~ %s: %s %s", e.Request.ToolName, e.Decision, e.Reason)
	case controller.ServerEventReceived:
		if q, ok := e.Event.(wire.QuestionRequest); ok {
			p.printf("? %s %v  (/answer <text>)", q.Question, q.Options)
		}
	case controller.Notice:
		p.printf("~ %s", e.Text)
	case controller.Failure:
		p.printf("! %v", e.Err)
	}
}

func (p *printer) status(v controller.View) {
	id := v.SessionID
	if v.Ephemeral {
		id = "(new)"
	}
	p.printf("session=%s phase=%s history=%d live=%d", id, v.Phase, len(v.History), len(v.Committed))
	if v.PendingPermission != nil {
		p.printf("pending: %s (%s)", v.PendingPermission.ToolName, v.PendingPermission.ID)
	}
	if len(v.AlwaysAllowed) > 0 {
		p.printf("always allowed: %s", strings.Join(v.AlwaysAllowed, ", "))
	}
}

func rolePrefix(r wire.Role) string {
	if r == wire.RoleUser {
		return ">"
	}
	return "<"
}

func renderTurn(frags []wire.Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		switch f.Kind {
		case wire.FragmentText:
			b.WriteString(f.Text)
		case wire.FragmentToolUse:
			fmt.Fprintf(&b, "[%s]", f.ToolName)
		case wire.FragmentToolResult:
			if f.IsError {
				b.WriteString("[tool error]")
			}
		}
	}
	return b.String()
}
