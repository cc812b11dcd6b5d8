// Package capture acquires the microphone and produces fixed-size mono
// float32 frames at the pipeline's target sample rate, independent of any
// transport.
//
// Two interchangeable strategies are provided: a callback-based miniaudio
// device (via gen2brain/malgo) and a blocking-read PortAudio stream (via
// gordonklaus/portaudio). [Open] probes for miniaudio support first and falls
// back to PortAudio; both strategies emit identical frame shapes, so
// downstream consumers never observe which one is active.
//
// A capture source owns only input resources. Stop detaches the device and is
// idempotent; it never touches playback state.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lumewell/voicelink/pkg/audio"
)

// Strategy selects a capture backend.
type Strategy string

const (
	// StrategyAuto probes miniaudio first and falls back to PortAudio.
	StrategyAuto Strategy = "auto"

	// StrategyMiniaudio forces the callback-based miniaudio backend.
	StrategyMiniaudio Strategy = "miniaudio"

	// StrategyPortAudio forces the blocking-read PortAudio backend.
	StrategyPortAudio Strategy = "portaudio"
)

// IsValid reports whether s is a recognised capture strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyAuto, StrategyMiniaudio, StrategyPortAudio:
		return true
	}
	return false
}

// Config holds the parameters for a capture source.
type Config struct {
	// SampleRate is the output rate of emitted frames in Hz.
	// Defaults to [audio.TargetSampleRate].
	SampleRate int

	// FrameSamples is the fixed emitted frame length in samples.
	// Defaults to [audio.FrameSamples].
	FrameSamples int

	// Strategy selects the backend. Defaults to [StrategyAuto].
	Strategy Strategy

	// FrameBuffer is the capacity of the Frames channel. When the consumer
	// falls behind, excess frames are dropped rather than blocking the audio
	// callback. Defaults to 32.
	FrameBuffer int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.TargetSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.FrameSamples
	}
	if c.Strategy == "" {
		c.Strategy = StrategyAuto
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 32
	}
}

// MicrophoneAccessError indicates the microphone could not be acquired:
// no capture device, the device is busy, or the audio backend refused to
// initialise.
type MicrophoneAccessError struct {
	// Strategy is the backend that failed ("miniaudio", "portaudio", or
	// "auto" when every probed backend failed).
	Strategy Strategy
	Err      error
}

func (e *MicrophoneAccessError) Error() string {
	return fmt.Sprintf("capture: microphone unavailable (%s): %v", e.Strategy, e.Err)
}

func (e *MicrophoneAccessError) Unwrap() error { return e.Err }

// Source is a microphone frame producer. Implementations emit fixed-size
// frames on Frames until Stop is called. Stop is idempotent and only detaches
// the capture graph.
type Source interface {
	// Start acquires the device and begins producing frames. It returns a
	// *MicrophoneAccessError if the device is denied or unavailable.
	Start(ctx context.Context) error

	// Frames returns the frame stream. The channel is closed by Stop.
	Frames() <-chan audio.Frame

	// Stop detaches the capture device and closes the frame channel.
	// Safe to call multiple times and before Start.
	Stop() error
}

// Open selects a capture backend by capability probing and returns an
// unstarted Source. With [StrategyAuto] it prefers miniaudio and falls back
// to PortAudio when the miniaudio context cannot be initialised. The choice
// is made once here; the hot path has no strategy conditionals.
func Open(cfg Config) (Source, error) {
	cfg.applyDefaults()

	switch cfg.Strategy {
	case StrategyMiniaudio:
		return openMiniaudio(cfg)
	case StrategyPortAudio:
		return openPortAudio(cfg)
	case StrategyAuto:
	default:
		return nil, fmt.Errorf("capture: unknown strategy %q", cfg.Strategy)
	}

	src, err := openMiniaudio(cfg)
	if err == nil {
		return src, nil
	}
	slog.Warn("capture: miniaudio unavailable, falling back to portaudio", "err", err)

	src, paErr := openPortAudio(cfg)
	if paErr != nil {
		return nil, &MicrophoneAccessError{Strategy: StrategyAuto, Err: fmt.Errorf("miniaudio: %v; portaudio: %w", err, paErr)}
	}
	return src, nil
}

// chunker accumulates arbitrarily sized device buffers, resamples them to the
// target rate, and emits fixed-size frames. It is fed from the audio callback
// or reader goroutine of a backend and must never block: when the output
// channel is full the frame is dropped and counted.
type chunker struct {
	frameSamples int
	rate         int
	buf          []float32
	emitted      int64 // total samples emitted, for frame timestamps
	out          chan audio.Frame
	dropped      atomic.Int64
}

func newChunker(frameSamples, rate, buffer int) *chunker {
	return &chunker{
		frameSamples: frameSamples,
		rate:         rate,
		buf:          make([]float32, 0, frameSamples*2),
		out:          make(chan audio.Frame, buffer),
	}
}

// push appends samples captured at srcRate, resampling to the chunker's
// target rate, and emits every complete frame. Called from a single producer.
func (c *chunker) push(samples []float32, srcRate int) {
	if srcRate != c.rate {
		samples = audio.ResampleFloat32(samples, srcRate, c.rate)
	}
	c.buf = append(c.buf, samples...)

	for len(c.buf) >= c.frameSamples {
		frame := audio.Frame{
			Samples:    append([]float32(nil), c.buf[:c.frameSamples]...),
			SampleRate: c.rate,
			Timestamp:  sampleDuration(c.emitted, c.rate),
		}
		c.buf = c.buf[c.frameSamples:]
		c.emitted += int64(c.frameSamples)

		select {
		case c.out <- frame:
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("capture: consumer behind, dropping frames", "dropped", n)
			}
		}
	}
}

// sampleDuration converts a sample count at the given rate to wall-clock time.
func sampleDuration(samples int64, rate int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
