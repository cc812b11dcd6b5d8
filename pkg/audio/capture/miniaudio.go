package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/lumewell/voicelink/pkg/audio"
)

// Compile-time interface check.
var _ Source = (*miniaudioSource)(nil)

// miniaudioPeriodMs is the requested device period. Short periods keep
// callback latency low; the chunker re-assembles them into full frames.
const miniaudioPeriodMs = 20

// miniaudioSource captures via a miniaudio device with a realtime-priority
// callback thread. The device is asked for float32 mono at the target rate;
// miniaudio converts from the hardware format internally, and any residual
// rate mismatch is handled by the chunker.
type miniaudioSource struct {
	cfg   Config
	actx  *malgo.AllocatedContext
	chunk *chunker

	mu      sync.Mutex
	device  *malgo.Device
	started bool
	stopped bool
}

// openMiniaudio probes miniaudio by initialising a backend context. Context
// initialisation failing means the host has no usable miniaudio backend and
// the caller should fall back to PortAudio.
func openMiniaudio(cfg Config) (Source, error) {
	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	actx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init miniaudio context: %w", err)
	}

	return &miniaudioSource{
		cfg:   cfg,
		actx:  actx,
		chunk: newChunker(cfg.FrameSamples, cfg.SampleRate, cfg.FrameBuffer),
	}, nil
}

// Start acquires the capture device and begins the callback stream.
func (s *miniaudioSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("capture: source already stopped")
	}
	if s.started {
		return fmt.Errorf("capture: source already started")
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(s.cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = miniaudioPeriodMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			// Runs on the realtime audio thread: decode and hand off, nothing
			// else. The chunker's send is non-blocking.
			s.chunk.push(decodeF32LE(input), s.cfg.SampleRate)
		},
	}

	device, err := malgo.InitDevice(s.actx.Context, devCfg, callbacks)
	if err != nil {
		return &MicrophoneAccessError{Strategy: StrategyMiniaudio, Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return &MicrophoneAccessError{Strategy: StrategyMiniaudio, Err: err}
	}

	s.device = device
	s.started = true
	return nil
}

func (s *miniaudioSource) Frames() <-chan audio.Frame { return s.chunk.out }

// Stop detaches the capture device and closes the frame channel. Idempotent.
func (s *miniaudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.device != nil {
		// Stop halts the callback thread before returning, so closing the
		// frame channel afterwards cannot race a push.
		_ = s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	_ = s.actx.Uninit()
	s.actx.Free()
	close(s.chunk.out)
	return nil
}

// decodeF32LE reinterprets a little-endian float32 byte buffer as samples.
func decodeF32LE(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
