package main

import (
	"bytes"
	"errors"
	"flag"
	"testing"

	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/config"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	cases := map[string]command{
		"hello there":   {name: cmdSend, arg: "hello there"},
		"  ":            {name: cmdNothing},
		"//etc/hosts":   {name: cmdSend, arg: "/etc/hosts"},
		"/new":          {name: cmdNew},
		"/switch  abc ": {name: cmdSwitch, arg: "abc"},
		"/ALLOW":        {name: cmdAllow},
		"/deny p1":      {name: cmdDeny, arg: "p1"},
		"/answer yes":   {name: cmdAnswer, arg: "yes"},
		"/model opus":   {name: cmdModel, arg: "opus"},
		"/quit":         {name: cmdQuit},
	}
	for in, want := range cases {
		got, err := parseLine(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := parseLine("/switch")
	require.ErrorContains(t, err, "needs an argument")
	_, err = parseLine("/teleport")
	require.ErrorContains(t, err, "unknown command")
}

func TestParseFlags(t *testing.T) {
	cfg := config.Default()
	newSession, err := parseFlags(&cfg, []string{
		"--server", "https://example.com", "--session", "S1",
		"--transport", "socketio", "--store", "sqlite", "--new-session",
	})
	require.NoError(t, err)
	require.True(t, newSession)
	require.Equal(t, "https://example.com", cfg.ServerURL)
	require.Equal(t, "S1", cfg.SessionID)
	require.Equal(t, transport.KindSocketIO, cfg.Transport)
	require.Equal(t, store.KindSQLite, cfg.Store)

	_, err = parseFlags(&cfg, []string{"--help"})
	require.True(t, errors.Is(err, flag.ErrHelp))
	_, err = parseFlags(&cfg, []string{"stray"})
	require.Error(t, err)
}

func TestPrinterRendersEvents(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf}

	p.HandleEvent(controller.Connectivity{Phase: connection.PhaseReconnecting, Attempt: 2, NextDelay: 2e9, Err: "reset"})
	p.HandleEvent(controller.TurnUpdated{Committed: &assembler.Turn{
		Role: wire.RoleAssistant,
		Fragments: []wire.Fragment{
			{Kind: wire.FragmentText, Text: "Running "},
			{Kind: wire.FragmentToolUse, ToolName: "Bash"},
		},
	}})
	p.HandleEvent(controller.PermissionRequested{Request: permission.Request{ToolName: "Edit", Input: []byte(`{"path":"a.go"}`)}})
	p.HandleEvent(controller.SessionReset{Invalid: "old", Kind: wire.ErrorSessionNotFound})

	require.Equal(t, "~ reconnecting (attempt 2, retry in 2s): reset\n"+
		"< Running [Bash]\n"+
		"? Edit wants to run with {\"path\":\"a.go\"}  (/allow, /deny, /always)\n"+
		"~ session old is gone (sessionNotFound)\n", buf.String())
}
