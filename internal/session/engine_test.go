package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lumewell/voicelink/internal/gateway"
	"github.com/lumewell/voicelink/internal/observe"
	"github.com/lumewell/voicelink/internal/quota"
	"github.com/lumewell/voicelink/internal/session"
	"github.com/lumewell/voicelink/pkg/audio"
	"github.com/lumewell/voicelink/pkg/audio/capture"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type memStore struct {
	mu     sync.Mutex
	states map[string]quota.State
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]quota.State)}
}

func (s *memStore) Load(_ context.Context, identity string) (quota.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[identity], nil
}

func (s *memStore) Save(_ context.Context, identity string, st quota.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[identity] = st
	return nil
}

type fakeConn struct {
	mu      sync.Mutex
	appends []string
	commits int
	clears  int
	creates int
	cancels int
	closed  bool
	done    chan struct{}
	errVal  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) AppendAudio(b64 string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appends = append(c.appends, b64)
}

func (c *fakeConn) CommitInput()    { c.bump(&c.commits) }
func (c *fakeConn) ClearInput()     { c.bump(&c.clears) }
func (c *fakeConn) CreateResponse() { c.bump(&c.creates) }
func (c *fakeConn) CancelResponse() { c.bump(&c.cancels) }

func (c *fakeConn) bump(n *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*n++
}

func (c *fakeConn) State() gateway.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return gateway.StateDisconnected
	}
	return gateway.StateConnected
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// fail makes the transport die with err, as a server-side failure would.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.errVal = err
		close(c.done)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.appends)
}

type fakePlayer struct {
	mu         sync.Mutex
	enqueued   []string
	stops      int
	closed     bool
	playing    bool
	enqueueErr error
	onFinished func()
}

func (p *fakePlayer) Enqueue(b64 string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.enqueued = append(p.enqueued, b64)
	p.playing = true
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.playing = false
	p.enqueued = nil
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

func (p *fakePlayer) OnFinished(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFinished = fn
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	frames  chan audio.Frame
	started bool
	stopped bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan audio.Frame, 32)}
}

func (s *fakeSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeSource) Frames() <-chan audio.Frame { return s.frames }

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.frames)
	}
	return nil
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	engine  *session.Engine
	conn    *fakeConn
	player  *fakePlayer
	source  *fakeSource
	keeper  *quota.Keeper
	store   *memStore
	handler gateway.Handler
	dials   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		conn:   newFakeConn(),
		player: &fakePlayer{},
		source: newFakeSource(),
		store:  newMemStore(),
	}

	keeper, err := quota.NewKeeper(context.Background(), h.store, quota.GuestIdentity)
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}
	h.keeper = keeper

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dialer := func(_ context.Context, cfg gateway.Config, _ gateway.SessionConfig) (session.Conn, error) {
		h.dials++
		h.handler = cfg.Handler
		return h.conn, nil
	}
	opener := func(capture.Config) (capture.Source, error) {
		return h.source, nil
	}

	h.engine = session.New(session.Config{
		GatewayURL:      "ws://gateway.test/realtime",
		VolumeThreshold: 0.015,
	}, keeper, h.player,
		session.WithDialer(dialer),
		session.WithCaptureOpener(opener),
		session.WithMetrics(metrics),
	)
	return h
}

// connect dials and delivers the gateway confirmation.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.handler.OnSessionCreated(gateway.SessionCreated{SessionID: "gw_1", Model: "rt-mini"})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func speechFrame() audio.Frame {
	samples := make([]float32, 2400)
	for i := range samples {
		samples[i] = 0.05
	}
	return audio.Frame{Samples: samples, SampleRate: audio.TargetSampleRate}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_QuotaDenialHappensBeforeAnyDial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 0; i < quota.MaxDailyConversations; i++ {
		if err := h.keeper.RecordSessionStart(context.Background()); err != nil {
			t.Fatalf("RecordSessionStart: %v", err)
		}
		if err := h.keeper.RecordSessionEnd(context.Background(), quota.UsageRecord{}); err != nil {
			t.Fatalf("RecordSessionEnd: %v", err)
		}
	}

	err := h.engine.Connect(context.Background())
	var qerr *session.QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("want *QuotaExceededError, got %v", err)
	}
	if h.dials != 0 {
		t.Errorf("dialer called %d times before quota check", h.dials)
	}
}

func TestConnect_SecondCallFailsWhileConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	if err := h.engine.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should fail")
	}
	if h.dials != 1 {
		t.Errorf("dials = %d; want 1", h.dials)
	}
}

func TestConnect_ConcurrentCallsDialOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// The dialer parks until released, holding the first Connect mid-dial
	// while the second one runs its guard.
	release := make(chan struct{})
	var mu sync.Mutex
	dials := 0
	eng := session.New(session.Config{GatewayURL: "ws://gateway.test"}, h.keeper, h.player,
		session.WithDialer(func(_ context.Context, _ gateway.Config, _ gateway.SessionConfig) (session.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			<-release
			return h.conn, nil
		}),
		session.WithMetrics(metrics),
	)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- eng.Connect(context.Background()) }()
	}

	// Whichever call lost the guard returns before the dial completes.
	if err := <-errs; err == nil {
		t.Fatal("second Connect should fail while the first is dialling")
	}
	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d; want 1", dials)
	}
}

func TestConnect_RetryAllowedAfterDialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dialErr := fmt.Errorf("dial tcp: connection refused")
	eng := session.New(session.Config{GatewayURL: "ws://gateway.test"}, h.keeper, h.player,
		session.WithDialer(func(_ context.Context, cfg gateway.Config, _ gateway.SessionConfig) (session.Conn, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			h.handler = cfg.Handler
			return h.conn, nil
		}),
		session.WithMetrics(metrics),
	)

	if err := eng.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("Connect = %v; want dial failure", err)
	}
	// A failed dial must not leave the connection slot claimed.
	dialErr = nil
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
}

func TestIsConnected_RequiresGatewayConfirmation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Socket open, no confirmation yet.
	if h.engine.IsConnected() {
		t.Fatal("IsConnected true before session.created")
	}
	if _, ok := h.engine.CurrentSession(); ok {
		t.Fatal("Session exists before confirmation")
	}

	h.handler.OnSessionCreated(gateway.SessionCreated{SessionID: "gw_1", Model: "rt-mini"})
	if !h.engine.IsConnected() {
		t.Fatal("IsConnected false after session.created")
	}
	sess, ok := h.engine.CurrentSession()
	if !ok || sess.GatewayID != "gw_1" || sess.ID == "" {
		t.Errorf("session = %+v, ok = %v", sess, ok)
	}
}

func TestConfirmation_ConsumesQuotaBeforeAudioFlows(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if got := h.engine.UsageStats().Used; got != 0 {
		t.Fatalf("Used = %d before any session", got)
	}

	h.connect(t)

	stats := h.engine.UsageStats()
	if stats.Used != 1 {
		t.Errorf("Used = %d immediately after confirmation; want 1", stats.Used)
	}
	if dec := h.engine.CanStartConversation(); dec.Allowed {
		t.Error("CanStartConversation allowed while a session is active")
	}
}

func TestConnected_EventCarriesSessionSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got session.Session
	h.engine.Events().Connected.Subscribe(func(s session.Session) { got = s })

	h.connect(t)

	if got.GatewayID != "gw_1" || got.Model != "rt-mini" || got.Status != session.StatusConnected {
		t.Errorf("Connected event = %+v", got)
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_ReleasesEverythingAndIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)
	if err := h.engine.StartAudioInput(context.Background()); err != nil {
		t.Fatalf("StartAudioInput: %v", err)
	}

	var ended []session.Session
	h.engine.Events().Disconnected.Subscribe(func(s session.Session) { ended = append(ended, s) })

	if err := h.engine.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := h.engine.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if !h.conn.isClosed() {
		t.Error("transport not closed")
	}
	if !h.source.isStopped() {
		t.Error("capture source not stopped")
	}
	if h.player.stops == 0 {
		t.Error("playback not stopped")
	}
	if h.engine.IsConnected() || h.engine.IsAudioRecording() {
		t.Error("engine still reports active state")
	}
	if len(ended) != 1 {
		t.Fatalf("Disconnected events = %d; want 1", len(ended))
	}
	if ended[0].Status != session.StatusDisconnected {
		t.Errorf("final status = %v", ended[0].Status)
	}

	// Session end reached the ledger.
	st, _ := h.store.Load(context.Background(), quota.GuestIdentity)
	if len(st.DailyUsage) != 1 {
		t.Errorf("ledger entries = %d; want 1", len(st.DailyUsage))
	}
}

func TestDisconnect_BeforeConfirmationLeavesNoLedgerEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.engine.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if !h.conn.isClosed() {
		t.Error("transport not closed")
	}
	st, _ := h.store.Load(context.Background(), quota.GuestIdentity)
	if st.DailySessionsStarted != 0 || len(st.DailyUsage) != 0 {
		t.Errorf("unconfirmed session touched quota: %+v", st)
	}
}

func TestTransportFailure_PublishesErrorAndTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	var published error
	var mu sync.Mutex
	h.engine.Events().Errors.Subscribe(func(err error) {
		mu.Lock()
		published = err
		mu.Unlock()
	})

	h.conn.fail(&gateway.ConnectionError{Op: "read", Err: fmt.Errorf("broken pipe")})

	waitFor(t, func() bool { return !h.engine.IsConnected() }, "teardown after transport failure")
	mu.Lock()
	defer mu.Unlock()
	var cerr *gateway.ConnectionError
	if !errors.As(published, &cerr) {
		t.Errorf("published error = %v; want *ConnectionError", published)
	}
}

// ── Audio input ───────────────────────────────────────────────────────────────

func TestStartAudioInput_RequiresConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.StartAudioInput(context.Background()); err == nil {
		t.Fatal("StartAudioInput should fail when not connected")
	}
}

func TestStartAudioInput_PumpsSpeechFramesToGateway(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)
	if err := h.engine.StartAudioInput(context.Background()); err != nil {
		t.Fatalf("StartAudioInput: %v", err)
	}
	if !h.engine.IsAudioRecording() {
		t.Fatal("IsAudioRecording false after start")
	}

	// Starting again is a no-op.
	if err := h.engine.StartAudioInput(context.Background()); err != nil {
		t.Fatalf("second StartAudioInput: %v", err)
	}

	for i := 0; i < 3; i++ {
		h.source.frames <- speechFrame()
	}
	waitFor(t, func() bool { return h.conn.appendCount() == 3 }, "frames to reach the gateway")

	if err := h.engine.StopAudioInput(); err != nil {
		t.Fatalf("StopAudioInput: %v", err)
	}
	if h.engine.IsAudioRecording() {
		t.Error("IsAudioRecording true after stop")
	}
	// Stop is idempotent and leaves playback alone.
	if err := h.engine.StopAudioInput(); err != nil {
		t.Fatalf("second StopAudioInput: %v", err)
	}
	if h.player.stops != 0 {
		t.Error("StopAudioInput touched playback")
	}
}

func TestStartAudioInput_MicrophoneFailurePassesThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	eng := session.New(session.Config{GatewayURL: "ws://gateway.test"}, h.keeper, h.player,
		session.WithDialer(func(_ context.Context, cfg gateway.Config, _ gateway.SessionConfig) (session.Conn, error) {
			h.handler = cfg.Handler
			return h.conn, nil
		}),
		session.WithCaptureOpener(func(capture.Config) (capture.Source, error) {
			return nil, &capture.MicrophoneAccessError{Strategy: capture.StrategyMiniaudio, Err: fmt.Errorf("no device")}
		}),
		session.WithMetrics(metrics),
	)
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.handler.OnSessionCreated(gateway.SessionCreated{SessionID: "gw_2"})

	err = eng.StartAudioInput(context.Background())
	var merr *capture.MicrophoneAccessError
	if !errors.As(err, &merr) {
		t.Fatalf("want *MicrophoneAccessError, got %v", err)
	}
	if eng.IsAudioRecording() {
		t.Error("recording after failed start")
	}
}

// ── Response handling ─────────────────────────────────────────────────────────

func TestAudioDelta_EnqueuesForPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	h.handler.OnAudioDelta(gateway.AudioDelta{Base64PCM16: "AAAA"})
	h.handler.OnAudioDelta(gateway.AudioDelta{Base64PCM16: "BBBB"})

	if len(h.player.enqueued) != 2 {
		t.Fatalf("enqueued = %d; want 2", len(h.player.enqueued))
	}
	if !h.engine.IsAudioPlaying() {
		t.Error("IsAudioPlaying false while queue drains")
	}
}

func TestAudioDelta_DecodeFailureIsPublishedNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	var published error
	h.engine.Events().Errors.Subscribe(func(err error) { published = err })

	h.player.enqueueErr = fmt.Errorf("bad chunk")
	h.handler.OnAudioDelta(gateway.AudioDelta{Base64PCM16: "????"})
	h.player.enqueueErr = nil
	h.handler.OnAudioDelta(gateway.AudioDelta{Base64PCM16: "AAAA"})

	if published == nil {
		t.Error("decode failure not published")
	}
	if len(h.player.enqueued) != 1 {
		t.Errorf("later chunks stopped flowing: enqueued = %d", len(h.player.enqueued))
	}
	if h.engine.IsConnected() != true {
		t.Error("decode failure killed the session")
	}
}

func TestResponseDone_AccumulatesUsageAcrossTurns(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	var last quota.UsageRecord
	h.engine.Events().ResponseDone.Subscribe(func(u quota.UsageRecord) { last = u })

	h.handler.OnResponseDone(gateway.ResponseDone{ResponseID: "r1", Usage: gateway.Usage{InputTokens: 10, OutputTokens: 20}})
	h.handler.OnResponseDone(gateway.ResponseDone{ResponseID: "r2", Usage: gateway.Usage{InputTokens: 5, OutputTokens: 7}})

	if last.InputTokens != 15 || last.OutputTokens != 27 {
		t.Errorf("accumulated usage = %+v", last)
	}
}

func TestCommitAudioBuffer_SecondCallIsNoOpUntilResponseDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	h.engine.CommitAudioBuffer()
	h.engine.CommitAudioBuffer()
	if h.conn.commits != 1 {
		t.Fatalf("commits = %d; want 1", h.conn.commits)
	}

	h.handler.OnResponseDone(gateway.ResponseDone{ResponseID: "r1"})
	h.engine.CommitAudioBuffer()
	if h.conn.commits != 2 {
		t.Errorf("commits = %d; want 2 after response completed", h.conn.commits)
	}
}

func TestInterrupt_CancelsResponseAndFlushesPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	h.handler.OnAudioDelta(gateway.AudioDelta{Base64PCM16: "AAAA"})
	h.engine.CommitAudioBuffer()

	h.engine.Interrupt()

	if h.conn.cancels != 1 {
		t.Errorf("cancels = %d; want 1", h.conn.cancels)
	}
	if h.player.stops != 1 {
		t.Errorf("player stops = %d; want 1", h.player.stops)
	}
	// The interrupted cycle no longer gates the next commit.
	h.engine.CommitAudioBuffer()
	if h.conn.commits != 2 {
		t.Errorf("commits = %d; want 2 after interrupt", h.conn.commits)
	}
}

func TestServerError_IsPublishedAndDisconnectStaysSafe(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t)

	var published error
	h.engine.Events().Errors.Subscribe(func(err error) { published = err })

	h.handler.OnServerError(gateway.ServerError{Code: "rate_limited", Message: "slow down"})
	if published == nil {
		t.Fatal("server error not published")
	}
	if err := h.engine.Disconnect(); err != nil {
		t.Fatalf("Disconnect after server error: %v", err)
	}
}
