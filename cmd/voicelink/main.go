// Command voicelink is an interactive realtime voice client for a speech AI
// gateway. It captures microphone audio, segments utterances with a local
// voice-activity detector, streams them over a WebSocket session, and plays
// the synthesised replies — all under a hard daily conversation quota.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumewell/voicelink/internal/app"
	"github.com/lumewell/voicelink/internal/config"
	"github.com/lumewell/voicelink/internal/observe"
	"github.com/lumewell/voicelink/internal/quota"
	"github.com/lumewell/voicelink/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voicelink starting",
		"config", *configPath,
		"gateway", cfg.Gateway.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicelink"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyReload)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	printWelcome(application.Engine())
	subscribeEvents(application.Engine())

	go func() {
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
		}
	}()

	repl(ctx, stop, application.Engine())

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Interactive loop ──────────────────────────────────────────────────────────

// repl reads commands from stdin until EOF, "quit", or ctx cancellation.
func repl(ctx context.Context, stop func(), eng *session.Engine) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if !dispatch(ctx, eng, line) {
				stop()
				return
			}
		}
	}
}

// dispatch executes one command. It returns false when the loop should end.
func dispatch(ctx context.Context, eng *session.Engine, cmd string) bool {
	switch cmd {
	case "connect":
		if err := eng.Connect(ctx); err != nil {
			var qerr *session.QuotaExceededError
			if errors.As(err, &qerr) {
				fmt.Printf("quota: %s\n", qerr.Reason)
			} else {
				fmt.Printf("connect failed: %v\n", err)
			}
		}

	case "disconnect":
		if err := eng.Disconnect(); err != nil {
			fmt.Printf("disconnect failed: %v\n", err)
		}

	case "start":
		if err := eng.StartAudioInput(ctx); err != nil {
			fmt.Printf("microphone failed: %v\n", err)
		} else {
			fmt.Println("listening — speak, pause, and the utterance is sent automatically")
		}

	case "stop":
		if err := eng.StopAudioInput(); err != nil {
			fmt.Printf("stop failed: %v\n", err)
		}

	case "commit":
		eng.CommitAudioBuffer()

	case "clear":
		eng.ClearAudioBuffer()

	case "interrupt":
		eng.Interrupt()

	case "stats":
		printStats(eng.UsageStats())

	case "status":
		printStatus(eng)

	case "help":
		printHelp()

	case "quit", "exit":
		return false

	default:
		fmt.Printf("unknown command %q — type help\n", cmd)
	}
	return true
}

// subscribeEvents prints session lifecycle events as they happen.
func subscribeEvents(eng *session.Engine) {
	ev := eng.Events()
	ev.Connected.Subscribe(func(s session.Session) {
		fmt.Printf("● session %s connected (model %s)\n", s.GatewayID, s.Model)
	})
	ev.Disconnected.Subscribe(func(s session.Session) {
		fmt.Printf("● session ended after %s (cost $%.4f)\n", s.Duration.Round(time.Second), s.Usage.Cost)
	})
	ev.ResponseStarted.Subscribe(func(id string) {
		fmt.Println("● assistant replying…")
	})
	ev.ResponseDone.Subscribe(func(u quota.UsageRecord) {
		fmt.Printf("● turn done (in %d / out %d tokens)\n", u.InputTokens, u.OutputTokens)
	})
	ev.Errors.Subscribe(func(err error) {
		fmt.Printf("● error: %v\n", err)
	})
}

// ── Output helpers ────────────────────────────────────────────────────────────

func printWelcome(eng *session.Engine) {
	stats := eng.UsageStats()
	fmt.Println("voicelink — realtime voice client")
	fmt.Printf("conversations today: %d of %d used\n", stats.Used, stats.Cap)
	fmt.Println(`type "connect" then "start" to begin, "help" for all commands`)
}

func printStats(s quota.Stats) {
	fmt.Printf("used %d / %d conversations today (%d remaining), cost $%.4f\n",
		s.Used, s.Cap, s.Remaining, s.CostToday)
}

func printStatus(eng *session.Engine) {
	if sess, ok := eng.CurrentSession(); ok {
		fmt.Printf("connected: session %s, status %s\n", sess.GatewayID, sess.Status)
	} else {
		fmt.Println("disconnected")
	}
	fmt.Printf("recording: %v, playing: %v\n", eng.IsAudioRecording(), eng.IsAudioPlaying())
}

func printHelp() {
	fmt.Println(`commands:
  connect     open a gateway session (counts against the daily quota)
  disconnect  end the session
  start       start microphone capture
  stop        stop microphone capture
  commit      force-send the buffered utterance
  clear       discard the buffered utterance
  interrupt   cut off the assistant mid-reply
  stats       show today's quota usage
  status      show session and audio state
  quit        exit`)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
