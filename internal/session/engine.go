// Package session holds the orchestrator that composes quota enforcement,
// the gateway connection, microphone capture, voice-activity detection, and
// playback behind one public API. The Engine owns the single Session and its
// state machine; everything else in the repository is a collaborator it
// wires together.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumewell/voicelink/internal/gateway"
	"github.com/lumewell/voicelink/internal/observe"
	"github.com/lumewell/voicelink/internal/quota"
	"github.com/lumewell/voicelink/internal/vad"
	"github.com/lumewell/voicelink/pkg/audio"
	"github.com/lumewell/voicelink/pkg/audio/capture"
)

// Conn is the engine's view of a live gateway connection. Implemented by
// *gateway.Conn; an interface so tests can substitute a fake transport.
type Conn interface {
	AppendAudio(base64PCM16 string)
	CommitInput()
	ClearInput()
	CreateResponse()
	CancelResponse()
	State() gateway.State
	Done() <-chan struct{}
	Err() error
	Close() error
}

var _ Conn = (*gateway.Conn)(nil)

// Dialer opens a gateway connection.
type Dialer func(ctx context.Context, cfg gateway.Config, sess gateway.SessionConfig) (Conn, error)

func defaultDialer(ctx context.Context, cfg gateway.Config, sess gateway.SessionConfig) (Conn, error) {
	return gateway.Dial(ctx, cfg, sess)
}

// Player is the engine's view of the playback engine. Implemented by
// *playback.Player.
type Player interface {
	Enqueue(base64PCM16 string) error
	Stop()
	IsPlaying() bool
	QueueLen() int
	OnFinished(func())
	Close() error
}

// CaptureOpener probes and opens a microphone source.
type CaptureOpener func(cfg capture.Config) (capture.Source, error)

// Config holds the engine's static wiring.
type Config struct {
	// GatewayURL is the speech AI gateway WebSocket endpoint.
	GatewayURL string

	// APIKey authenticates the gateway handshake. Optional.
	APIKey string

	// HandshakeTimeout bounds Connect. Zero selects the gateway default.
	HandshakeTimeout time.Duration

	// Voice and Instructions are passed through in the session handshake.
	Voice        string
	Instructions string

	// Capture configures the microphone source.
	Capture capture.Config

	// SilenceThreshold and VolumeThreshold seed the detector; zero values
	// select its defaults.
	SilenceThreshold time.Duration
	VolumeThreshold  float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer replaces the gateway dialer.
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// WithCaptureOpener replaces the microphone opener.
func WithCaptureOpener(o CaptureOpener) Option {
	return func(e *Engine) { e.openCapture = o }
}

// WithMetrics replaces the metrics instance, for tests that need an
// isolated meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the orchestrator. All methods are safe for concurrent use; the
// logical invariants (one session, one response cycle, one mic stream, one
// playback context) are enforced explicitly rather than assumed from the
// call pattern.
type Engine struct {
	cfg         Config
	keeper      *quota.Keeper
	player      Player
	metrics     *observe.Metrics
	events      Events
	det         *vad.Detector
	dial        Dialer
	openCapture CaptureOpener
	now         func() time.Time

	mu            sync.Mutex
	conn          Conn
	connecting    bool
	sess          *Session
	dialedAt      time.Time
	usage         quota.UsageRecord
	source        capture.Source
	captureCancel context.CancelFunc
	recording     bool
	lastDepth     int

	pumpWG sync.WaitGroup
}

// New builds an Engine around the given quota keeper and player.
func New(cfg Config, keeper *quota.Keeper, player Player, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		keeper:      keeper,
		player:      player,
		metrics:     observe.DefaultMetrics(),
		dial:        defaultDialer,
		openCapture: capture.Open,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	var vadOpts []vad.Option
	if cfg.SilenceThreshold != 0 {
		vadOpts = append(vadOpts, vad.WithSilenceThreshold(cfg.SilenceThreshold))
	}
	if cfg.VolumeThreshold != 0 {
		vadOpts = append(vadOpts, vad.WithVolumeThreshold(cfg.VolumeThreshold))
	}
	e.det = vad.New(&gatewaySender{e: e}, vadOpts...)

	player.OnFinished(func() {
		e.trackQueueDepth()
		e.events.PlaybackFinished.Publish(struct{}{})
	})
	return e
}

// Events returns the engine's publication topics.
func (e *Engine) Events() *Events { return &e.events }

// ── Connection lifecycle ──────────────────────────────────────────────────────

// Connect runs the quota pre-flight and opens the gateway connection. The
// Session itself is created only when the gateway confirms it; quota is
// consumed at that confirmation, before any audio flows. Pre-flight
// failures return without side effects.
func (e *Engine) Connect(ctx context.Context) error {
	// The connecting flag claims the connection slot for the whole
	// pre-flight-and-dial window, so a second Connect cannot race past the
	// guard while the first is still dialling.
	e.mu.Lock()
	if e.conn != nil || e.connecting {
		e.mu.Unlock()
		return fmt.Errorf("session: already connected")
	}
	e.connecting = true
	e.mu.Unlock()

	fail := func() {
		e.mu.Lock()
		e.connecting = false
		e.mu.Unlock()
	}

	if dec := e.keeper.CanStart(); !dec.Allowed {
		reason := "cap_reached"
		if e.keeper.SessionActive() {
			reason = "session_active"
		}
		e.metrics.RecordQuotaDenial(ctx, reason)
		fail()
		return &QuotaExceededError{Reason: dec.Reason}
	}

	conn, err := e.dial(ctx, gateway.Config{
		URL:              e.cfg.GatewayURL,
		APIKey:           e.cfg.APIKey,
		HandshakeTimeout: e.cfg.HandshakeTimeout,
		Handler:          &gatewayEvents{e: e},
		OnProtocolError: func(err error) {
			e.metrics.ProtocolErrors.Add(context.Background(), 1)
		},
	}, gateway.SessionConfig{
		Voice:        e.cfg.Voice,
		Instructions: e.cfg.Instructions,
	})
	if err != nil {
		fail()
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.connecting = false
	e.dialedAt = e.now()
	e.usage = quota.UsageRecord{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch surfaces transport failures and tears the session down after them.
func (e *Engine) watch(conn Conn) {
	<-conn.Done()
	if err := conn.Err(); err != nil {
		slog.Error("session: transport failed", "err", err)
		e.events.Errors.Publish(err)
		if derr := e.Disconnect(); derr != nil {
			slog.Error("session: teardown after transport failure", "err", derr)
		}
	}
}

// Disconnect tears everything down: detector timers, audio input, playback,
// transport, then session finalisation. Safe from any state, a no-op when
// already disconnected, and every step is isolated so one failure cannot
// block the rest.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	conn := e.conn
	sess := e.sess
	usage := e.usage
	e.conn = nil
	e.sess = nil
	e.usage = quota.UsageRecord{}
	e.mu.Unlock()

	if conn == nil && sess == nil {
		return nil
	}

	e.det.Stop()

	if err := e.StopAudioInput(); err != nil {
		slog.Error("session: stopping audio input during disconnect", "err", err)
	}

	e.player.Stop()
	e.trackQueueDepth()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Error("session: closing transport", "err", err)
		}
	}

	if sess != nil {
		e.finalise(sess, usage)
	}
	return nil
}

func (e *Engine) finalise(sess *Session, usage quota.UsageRecord) {
	ctx := context.Background()
	now := e.now()

	sess.Status = StatusDisconnected
	sess.Duration = now.Sub(sess.StartTime)
	usage.Timestamp = now
	usage.Cost = quota.CostOf(usage)
	sess.Usage = usage

	if err := e.keeper.RecordSessionEnd(ctx, usage); err != nil {
		slog.Error("session: recording usage", "err", err)
		e.events.Errors.Publish(fmt.Errorf("session: recording usage: %w", err))
	}
	e.metrics.RecordSessionEnd(ctx, sess.Duration.Seconds())
	e.events.Disconnected.Publish(*sess)

	slog.Info("session: ended",
		"id", sess.ID,
		"duration", sess.Duration,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost", usage.Cost,
	)
}

// ── Audio input ───────────────────────────────────────────────────────────────

// StartAudioInput opens the microphone and starts feeding frames through
// the detector. It fails with a *capture.MicrophoneAccessError when no
// strategy can open a device, and is a no-op when already recording.
func (e *Engine) StartAudioInput(ctx context.Context) error {
	e.mu.Lock()
	if e.recording {
		e.mu.Unlock()
		return nil
	}
	if e.conn == nil {
		e.mu.Unlock()
		return fmt.Errorf("session: not connected")
	}
	e.mu.Unlock()

	src, err := e.openCapture(e.cfg.Capture)
	if err != nil {
		return err
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	if err := src.Start(captureCtx); err != nil {
		cancel()
		return err
	}

	e.mu.Lock()
	e.recording = true
	e.source = src
	e.captureCancel = cancel
	e.mu.Unlock()

	e.pumpWG.Add(1)
	go e.pump(src)

	slog.Info("session: audio input started")
	return nil
}

// pump moves frames from the capture source into the detector until the
// source's channel closes.
func (e *Engine) pump(src capture.Source) {
	defer e.pumpWG.Done()
	for frame := range src.Frames() {
		e.det.Process(frame)
	}
}

// StopAudioInput detaches the microphone only; playback resources are left
// untouched. Idempotent.
func (e *Engine) StopAudioInput() error {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return nil
	}
	src := e.source
	cancel := e.captureCancel
	e.recording = false
	e.source = nil
	e.captureCancel = nil
	e.mu.Unlock()

	cancel()
	err := src.Stop()
	e.pumpWG.Wait()
	if err != nil {
		return fmt.Errorf("session: stopping capture: %w", err)
	}
	slog.Info("session: audio input stopped")
	return nil
}

// ── Turn control ──────────────────────────────────────────────────────────────

// CommitAudioBuffer manually finalises the buffered segment. Calling it
// while a response cycle is in flight is a no-op.
func (e *Engine) CommitAudioBuffer() { e.det.Commit() }

// ClearAudioBuffer discards the buffered segment without committing.
func (e *Engine) ClearAudioBuffer() { e.det.Clear() }

// ConfigureVAD adjusts detection thresholds; values are clamped into safe
// ranges.
func (e *Engine) ConfigureVAD(t vad.Tuning) { e.det.Configure(t) }

// Interrupt implements barge-in: it cancels the in-flight response, flushes
// playback, and re-opens the detector for the next turn.
func (e *Engine) Interrupt() {
	if conn := e.currentConn(); conn != nil {
		conn.CancelResponse()
	}
	e.player.Stop()
	e.trackQueueDepth()
	e.det.ResponseDone()
	slog.Info("session: response interrupted")
}

// ── Introspection ─────────────────────────────────────────────────────────────

// CanStartConversation runs the quota pre-flight without side effects.
func (e *Engine) CanStartConversation() quota.Decision { return e.keeper.CanStart() }

// UsageStats returns today's consumption for the active identity.
func (e *Engine) UsageStats() quota.Stats { return e.keeper.Stats() }

// SetIdentity swaps the quota namespace, for example after authentication.
func (e *Engine) SetIdentity(ctx context.Context, identity string) error {
	return e.keeper.SetIdentity(ctx, identity)
}

// CurrentSession returns a snapshot of the active session, if any.
func (e *Engine) CurrentSession() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return Session{}, false
	}
	return *e.sess, true
}

// IsConnected reports whether the gateway has confirmed a session since the
// last open. An open socket alone does not count.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil && e.sess.Status == StatusConnected
}

// IsAudioRecording reports whether the microphone is live.
func (e *Engine) IsAudioRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// IsAudioPlaying reports whether response audio is being played. It tracks
// the playback queue, not the device: the backend's buffer may carry a couple
// hundred milliseconds of audio after this flips to false.
func (e *Engine) IsAudioPlaying() bool { return e.player.IsPlaying() }

func (e *Engine) currentConn() Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// trackQueueDepth reconciles the playback-depth gauge with the queue's
// current length.
func (e *Engine) trackQueueDepth() {
	e.mu.Lock()
	depth := e.player.QueueLen()
	delta := int64(depth - e.lastDepth)
	e.lastDepth = depth
	e.mu.Unlock()
	if delta != 0 {
		e.metrics.PlaybackQueueDepth.Add(context.Background(), delta)
	}
}

// base64Seconds estimates the audio duration of a base64 PCM16 chunk.
func base64Seconds(b64 string) float64 {
	samples := base64.StdEncoding.DecodedLen(len(b64)) / 2
	return float64(samples) / float64(audio.TargetSampleRate)
}

// ── Gateway event handling ────────────────────────────────────────────────────

// gatewayEvents adapts inbound gateway events onto the engine without
// exposing handler methods on the public surface.
type gatewayEvents struct {
	gateway.NopHandler
	e *Engine
}

var _ gateway.Handler = (*gatewayEvents)(nil)

func (g *gatewayEvents) OnSessionCreated(evt gateway.SessionCreated) {
	e := g.e

	e.mu.Lock()
	if e.conn == nil {
		// Confirmation raced a disconnect; nothing to confirm.
		e.mu.Unlock()
		return
	}
	now := e.now()
	sess := &Session{
		ID:        uuid.NewString(),
		GatewayID: evt.SessionID,
		Model:     evt.Model,
		Status:    StatusConnected,
		StartTime: now,
	}
	e.sess = sess
	connectSeconds := now.Sub(e.dialedAt).Seconds()
	snapshot := *sess
	e.mu.Unlock()

	ctx := context.Background()

	// Quota is spent the instant the session is confirmed, so an abruptly
	// dropped session still counts.
	if err := e.keeper.RecordSessionStart(ctx); err != nil {
		slog.Error("session: recording session start", "err", err)
		e.events.Errors.Publish(fmt.Errorf("session: recording session start: %w", err))
	}
	e.metrics.RecordSessionStart(ctx, e.keeper.Identity())
	e.metrics.ConnectDuration.Record(ctx, connectSeconds)

	slog.Info("session: confirmed", "id", sess.ID, "gateway_id", sess.GatewayID, "model", sess.Model)
	e.events.Connected.Publish(snapshot)
}

func (g *gatewayEvents) OnResponseCreated(evt gateway.ResponseCreated) {
	g.e.events.ResponseStarted.Publish(evt.ResponseID)
}

func (g *gatewayEvents) OnAudioDelta(evt gateway.AudioDelta) {
	e := g.e
	if err := e.player.Enqueue(evt.Base64PCM16); err != nil {
		// Per-chunk failure: skip it, keep the stream alive.
		slog.Warn("session: dropping undecodable audio chunk", "err", err)
		e.events.Errors.Publish(err)
		return
	}
	seconds := base64Seconds(evt.Base64PCM16)
	e.metrics.AudioOutputSeconds.Add(context.Background(), seconds)
	e.mu.Lock()
	e.usage.AudioOutputSeconds += seconds
	e.mu.Unlock()
	e.trackQueueDepth()
}

func (g *gatewayEvents) OnResponseDone(evt gateway.ResponseDone) {
	e := g.e

	e.mu.Lock()
	e.usage.InputTokens += evt.Usage.InputTokens
	e.usage.OutputTokens += evt.Usage.OutputTokens
	usage := e.usage
	e.mu.Unlock()

	e.det.ResponseDone()
	e.events.ResponseDone.Publish(usage)
}

func (g *gatewayEvents) OnServerError(evt gateway.ServerError) {
	err := fmt.Errorf("session: gateway error %s: %s", evt.Code, evt.Message)
	slog.Error("session: gateway reported error", "code", evt.Code, "message", evt.Message)
	g.e.events.Errors.Publish(err)
}

// The gateway's own segmentation signals are informational only; the
// client-side detector is the single source of truth.
func (g *gatewayEvents) OnSpeechStarted(gateway.SpeechStarted) {
	slog.Debug("session: gateway speech start (ignored)")
}

func (g *gatewayEvents) OnSpeechStopped(gateway.SpeechStopped) {
	slog.Debug("session: gateway speech stop (ignored)")
}

func (g *gatewayEvents) OnBufferCommitted(evt gateway.BufferCommitted) {
	slog.Debug("session: input buffer committed", "item_id", evt.ItemID)
}

// ── Detector transmission ─────────────────────────────────────────────────────

// gatewaySender is the detector's outbound path. When no connection is
// open, sends are dropped; the gateway connection applies the same rule.
type gatewaySender struct {
	e *Engine
}

var _ vad.Sender = (*gatewaySender)(nil)

func (s *gatewaySender) AppendAudio(b64 string) {
	conn := s.e.currentConn()
	if conn == nil {
		return
	}
	conn.AppendAudio(b64)

	seconds := base64Seconds(b64)
	s.e.metrics.AudioInputSeconds.Add(context.Background(), seconds)
	s.e.mu.Lock()
	s.e.usage.AudioInputSeconds += seconds
	s.e.mu.Unlock()
}

func (s *gatewaySender) CommitInput() {
	conn := s.e.currentConn()
	if conn == nil {
		return
	}
	conn.CommitInput()
	s.e.metrics.Commits.Add(context.Background(), 1)
}

func (s *gatewaySender) ClearInput() {
	if conn := s.e.currentConn(); conn != nil {
		conn.ClearInput()
	}
}

func (s *gatewaySender) CreateResponse() {
	if conn := s.e.currentConn(); conn != nil {
		conn.CreateResponse()
	}
}
