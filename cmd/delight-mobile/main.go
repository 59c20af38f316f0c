package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/delight/mobile/internal/auth"
	"github.com/bhandras/delight/mobile/internal/config"
	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
)

const tokenSkew = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	newSession, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage()
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if err := auth.Check(cfg.AuthToken, time.Now(), tokenSkew); err != nil {
		return fmt.Errorf("%w (set DELIGHT_AUTH_TOKEN)", err)
	}
	if cfg.Debug {
		log.Printf("Config: ServerURL=%s, DelightHome=%s, File=%s", cfg.ServerURL, cfg.DelightHome, cfg.File)
	}

	out := &printer{w: os.Stdout}
	opts, err := controller.OptionsFromConfig(cfg, out)
	if err != nil {
		return err
	}
	ctl, err := controller.New(opts)
	if err != nil {
		return err
	}
	ctl.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctl.Close(ctx); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctl.Attach(ctx, cfg.SessionID); err != nil {
		return err
	}
	if newSession {
		if err := ctl.StartNewSession(ctx); err != nil {
			return err
		}
	}

	log.Printf("Server: %s (type /help for commands)", cfg.ServerURL)
	return repl(ctx, ctl, os.Stdin, out)
}

// parseFlags applies flag overrides to cfg and reports whether a new session
// was requested.
func parseFlags(cfg *config.Config, args []string) (bool, error) {
	fs := flag.NewFlagSet("delight-mobile", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	server := fs.String("server", "", "Server URL")
	session := fs.String("session", "", "Session id to attach to")
	kind := fs.String("transport", "", "Transport (websocket|socketio)")
	storeKind := fs.String("store", "", "Session id store (file|sqlite|memory)")
	newSession := fs.Bool("new-session", false, "Start a new session")
	debug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	if *server != "" {
		cfg.ServerURL = *server
	}
	if *session != "" {
		cfg.SessionID = *session
	}
	if *kind != "" {
		cfg.Transport = transport.Kind(*kind)
	}
	if *storeKind != "" {
		cfg.Store = store.Kind(*storeKind)
	}
	if *debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	return *newSession, nil
}

// repl reads commands until EOF, /quit or ctx is done.
func repl(ctx context.Context, ctl *controller.Controller, in io.Reader, out *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			if err != nil {
				out.printf("! %v", err)
				continue
			}
			if cmd.name == cmdQuit {
				return nil
			}
			if err := execute(ctx, ctl, cmd, out); err != nil {
				out.printf("! %v", err)
			}
		}
	}
}

func printUsage() {
	fmt.Println(`delight-mobile - terminal client for a remote agent session

Usage:
  delight-mobile [flags]

Environment Variables:
  DELIGHT_SERVER_URL  Server URL
  DELIGHT_AUTH_TOKEN  Bearer token (required)
  DELIGHT_SESSION_ID  Session to attach to
  DELIGHT_HOME_DIR    State directory (default: ~/.delight)
  DELIGHT_CONFIG      YAML settings file (default: ~/.delight/mobile.yaml)
  DELIGHT_TRANSPORT   websocket|socketio
  DELIGHT_STORE       file|sqlite|memory
  DELIGHT_LOG_LEVEL   trace|debug|info|warn|error

Flags:
  --server        Server URL
  --session       Session id to attach to
  --transport     websocket|socketio
  --store         file|sqlite|memory
  --new-session   Start a new session
  --debug         Debug logging`)
	fmt.Println()
	fmt.Println(helpText)
}
