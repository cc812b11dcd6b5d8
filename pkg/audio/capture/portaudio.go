package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/lumewell/voicelink/pkg/audio"
)

// Compile-time interface check.
var _ Source = (*portaudioSource)(nil)

// portaudioReadSamples is the blocking-read buffer length in device samples.
const portaudioReadSamples = 512

// portaudioSource captures via a blocking-read PortAudio stream drained by a
// dedicated goroutine. It opens the default input device at the device's own
// default rate and resamples to the target rate in the chunker, matching the
// behaviour of the callback strategy.
type portaudioSource struct {
	cfg   Config
	chunk *chunker

	mu      sync.Mutex
	stream  *portaudio.Stream
	rate    int
	started bool
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// openPortAudio probes PortAudio by initialising the library. Termination is
// deferred to Stop so the stream outlives Open.
func openPortAudio(cfg Config) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: init portaudio: %w", err)
	}

	return &portaudioSource{
		cfg:   cfg,
		chunk: newChunker(cfg.FrameSamples, cfg.SampleRate, cfg.FrameBuffer),
		done:  make(chan struct{}),
	}, nil
}

// Start opens the default input stream and begins the read loop.
func (s *portaudioSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("capture: source already stopped")
	}
	if s.started {
		return fmt.Errorf("capture: source already started")
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return &MicrophoneAccessError{Strategy: StrategyPortAudio, Err: err}
	}
	deviceRate := int(dev.DefaultSampleRate)
	if deviceRate <= 0 {
		deviceRate = s.cfg.SampleRate
	}

	buf := make([]float32, portaudioReadSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(deviceRate), len(buf), buf)
	if err != nil {
		return &MicrophoneAccessError{Strategy: StrategyPortAudio, Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return &MicrophoneAccessError{Strategy: StrategyPortAudio, Err: err}
	}

	s.stream = stream
	s.rate = deviceRate
	s.started = true

	s.wg.Add(1)
	go s.readLoop(stream, buf, deviceRate)
	return nil
}

// readLoop drains the blocking stream until the source is stopped. Overflow
// errors (consumer briefly behind the hardware) are tolerated; anything else
// ends the loop.
func (s *portaudioSource) readLoop(stream *portaudio.Stream, buf []float32, deviceRate int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			return
		}
		s.chunk.push(buf, deviceRate)
	}
}

func (s *portaudioSource) Frames() <-chan audio.Frame { return s.chunk.out }

// Stop halts the read loop, closes the stream, and terminates PortAudio.
// Idempotent.
func (s *portaudioSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	close(s.done)
	if stream != nil {
		// Abort unblocks a pending Read.
		_ = stream.Abort()
	}
	s.wg.Wait()
	if stream != nil {
		_ = stream.Close()
	}
	_ = portaudio.Terminate()
	close(s.chunk.out)
	return nil
}
