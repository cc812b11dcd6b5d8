// Package app wires all VoiceLink subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the observability endpoints until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithQuotaStore, WithPlayer, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lumewell/voicelink/internal/config"
	"github.com/lumewell/voicelink/internal/health"
	"github.com/lumewell/voicelink/internal/journal"
	"github.com/lumewell/voicelink/internal/observe"
	"github.com/lumewell/voicelink/internal/quota"
	"github.com/lumewell/voicelink/internal/session"
	"github.com/lumewell/voicelink/internal/vad"
	"github.com/lumewell/voicelink/pkg/audio"
	"github.com/lumewell/voicelink/pkg/audio/playback"
)

// App owns all subsystem lifetimes and orchestrates the VoiceLink client.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store    quota.Store
	keeper   *quota.Keeper
	player   session.Player
	engine   *session.Engine
	journal  *journal.FileStore
	httpSrv  *http.Server
	logLevel *slog.LevelVar

	engineOpts []session.Option

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithQuotaStore injects a quota store instead of creating one from config.
func WithQuotaStore(s quota.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPlayer injects a playback player instead of opening a real audio
// output device.
func WithPlayer(p session.Player) Option {
	return func(a *App) { a.player = p }
}

// WithEngineOptions forwards options to the underlying [session.Engine].
func WithEngineOptions(opts ...session.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// config hot reloads can adjust verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the quota store and
// keeper, the playback engine, the session engine, and the observability
// HTTP server. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Quota store + keeper ──────────────────────────────────────────
	if err := a.initQuota(ctx); err != nil {
		return nil, fmt.Errorf("app: init quota: %w", err)
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayer(); err != nil {
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 3. Session engine ────────────────────────────────────────────────
	a.engine = session.New(session.Config{
		GatewayURL:       cfg.Gateway.DialURL(),
		APIKey:           apiKeyFromEnv(cfg.Gateway.APIKeyEnv),
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout(),
		Voice:            cfg.Gateway.Voice,
		Instructions:     cfg.Gateway.Instructions,
		Capture:          cfg.Audio.CaptureConfig(),
		SilenceThreshold: cfg.VAD.SilenceThreshold(),
		VolumeThreshold:  cfg.VAD.VolumeThreshold,
	}, a.keeper, a.player, a.engineOpts...)

	// ── 4. Session journal ───────────────────────────────────────────────
	a.initJournal()

	// ── 5. Observability server ──────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initQuota sets up the configured quota store backend and the keeper that
// enforces the daily cap, unless a store was injected.
func (a *App) initQuota(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Quota.Backend {
		case config.QuotaBackendPostgres:
			pool, err := pgxpool.New(ctx, a.cfg.Quota.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			store := quota.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})
			slog.Info("quota store ready", "backend", "postgres")

		default: // file is the default backend
			dir := a.cfg.Quota.StateDir
			if dir == "" {
				base, err := os.UserConfigDir()
				if err != nil {
					return fmt.Errorf("resolve state dir: %w", err)
				}
				dir = filepath.Join(base, "voicelink")
			}
			store, err := quota.NewFileStore(dir)
			if err != nil {
				return err
			}
			a.store = store
			slog.Info("quota store ready", "backend", "file", "dir", dir)
		}
	}

	keeper, err := quota.NewKeeper(ctx, a.store, a.cfg.Identity)
	if err != nil {
		return err
	}
	a.keeper = keeper
	return nil
}

// initPlayer opens the audio output device unless a player was injected.
func (a *App) initPlayer() error {
	if a.player != nil {
		return nil
	}
	p, err := playback.New(audio.TargetSampleRate)
	if err != nil {
		return err
	}
	a.player = p
	return nil
}

// initJournal opens the session history file and records every completed
// session. Disabled when no state directory is configured, so tests with
// injected stores never touch the user's real config dir.
func (a *App) initJournal() {
	if a.cfg.Quota.StateDir == "" {
		return
	}
	a.journal = journal.NewFileStore(filepath.Join(a.cfg.Quota.StateDir, "sessions.jsonl"))
	a.engine.Events().Disconnected.Subscribe(func(s session.Session) {
		err := a.journal.Append(journal.Record{
			SessionID:         s.ID,
			GatewayID:         s.GatewayID,
			Model:             s.Model,
			Duration:          s.Duration,
			InputTokens:       s.Usage.InputTokens,
			OutputTokens:      s.Usage.OutputTokens,
			AudioInputSeconds: s.Usage.AudioInputSeconds,
			AudioOutputSecs:   s.Usage.AudioOutputSeconds,
			Cost:              s.Usage.Cost,
		})
		if err != nil {
			slog.Warn("session journal write failed", "err", err)
		}
	})
}

// Journal returns the session history store, or nil when journalling is
// disabled.
func (a *App) Journal() *journal.FileStore { return a.journal }

// initHTTP builds the metrics + health listener. Disabled when no address
// is configured.
func (a *App) initHTTP() {
	if a.cfg.Server.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(
		health.QuotaStore(a.store, a.keeper.Identity()),
		health.CaptureStrategy(a.cfg.Audio.CaptureConfig().Strategy),
	).Register(mux)

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Engine exposes the session engine for the interactive front end.
func (a *App) Engine() *session.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the observability endpoints and blocks until ctx is cancelled.
// When no metrics address is configured it simply waits for cancellation.
func (a *App) Run(ctx context.Context) error {
	if a.httpSrv == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("observability server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyReload applies the hot-reloadable differences between two configs:
// log verbosity and detector tuning. Everything else requires a restart.
func (a *App) ApplyReload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.VADChanged {
		a.engine.ConfigureVAD(vad.Tuning{
			SilenceThreshold: d.NewVAD.SilenceThreshold(),
			VolumeThreshold:  d.NewVAD.VolumeThreshold,
		})
		slog.Info("detector tuning changed",
			"silence_threshold", d.NewVAD.SilenceThreshold(),
			"volume_threshold", d.NewVAD.VolumeThreshold,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the live session (if any),
// the playback device, then the store closers. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.engine.Disconnect(); err != nil {
			slog.Warn("session teardown error", "err", err)
		}
		if err := a.player.Close(); err != nil {
			slog.Warn("playback close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// apiKeyFromEnv resolves the gateway API key from the named environment
// variable. An empty name or unset variable yields an empty key.
func apiKeyFromEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// slogLevel converts a config log level to its slog equivalent.
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
