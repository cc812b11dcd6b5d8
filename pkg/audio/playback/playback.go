// Package playback decodes streamed base64 PCM16 response chunks and plays
// them back strictly sequentially through an output backend.
//
// The production backend drives a speaker via ebitengine/oto; tests substitute
// a fake. A [Player] owns an internal FIFO: Enqueue appends, and a single
// drain goroutine writes buffers to the backend one at a time so chunks never
// overlap. When the queue empties the player marks itself not-playing and
// fires the finished callback. Stop flushes the queue and suspends the
// backend immediately, which is also how barge-in interruption is
// implemented.
package playback

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lumewell/voicelink/pkg/audio"
)

// PlaybackDecodeError indicates a single response audio chunk could not be
// decoded. The chunk is skipped; playback of the remaining queue continues.
type PlaybackDecodeError struct {
	Err error
}

func (e *PlaybackDecodeError) Error() string {
	return fmt.Sprintf("playback: bad audio chunk: %v", e.Err)
}

func (e *PlaybackDecodeError) Unwrap() error { return e.Err }

// Backend is the output device abstraction. Write delivers one buffer of
// float32 samples and may block to pace playback; Suspend halts output and
// discards anything the device has buffered. Implementations are owned by a
// single Player.
type Backend interface {
	Write(samples []float32) error
	Suspend() error
	Resume() error
	Close() error
}

// Player is the audio playback engine. Safe for concurrent use.
type Player struct {
	backend Backend

	mu         sync.Mutex
	queue      [][]float32
	playing    bool
	gen        uint64 // incremented by Stop to cancel the drain loop
	onFinished func()
	closed     bool
}

// New creates a Player backed by the default speaker device.
func New(sampleRate int) (*Player, error) {
	b, err := newOtoBackend(sampleRate)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(b), nil
}

// NewWithBackend creates a Player over a custom backend. Used by tests and
// alternative outputs.
func NewWithBackend(b Backend) *Player {
	return &Player{backend: b}
}

// OnFinished registers a callback fired each time the queue fully drains.
// Must be set before the first Enqueue.
func (p *Player) OnFinished(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFinished = fn
}

// Enqueue decodes a base64 PCM16 chunk and appends it to the playback queue,
// starting the drain loop if one is not already running. A decode failure is
// logged and returned as a *PlaybackDecodeError; the queue is unaffected and
// keeps draining.
func (p *Player) Enqueue(b64Chunk string) error {
	pcm, err := base64.StdEncoding.DecodeString(b64Chunk)
	if err != nil {
		derr := &PlaybackDecodeError{Err: err}
		slog.Warn("playback: skipping undecodable chunk", "err", err)
		return derr
	}
	if len(pcm) == 0 {
		return nil
	}
	samples := audio.PCM16ToFloat32(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("playback: player closed")
	}
	p.queue = append(p.queue, samples)
	if !p.playing {
		p.playing = true
		gen := p.gen
		go p.drain(gen)
		if err := p.backend.Resume(); err != nil {
			slog.Warn("playback: resume failed", "err", err)
		}
	}
	return nil
}

// drain plays queued buffers strictly sequentially until the queue empties or
// Stop bumps the generation counter.
func (p *Player) drain(gen uint64) {
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.playing = false
			fn := p.onFinished
			p.mu.Unlock()
			if fn != nil {
				fn()
			}
			return
		}
		buf := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := p.backend.Write(buf); err != nil {
			slog.Warn("playback: write failed, continuing with next chunk", "err", err)
		}
	}
}

// Stop immediately clears the queue, marks the player not-playing, and
// suspends the output backend. Used on disconnect and for barge-in.
// Idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	p.queue = nil
	p.playing = false
	p.gen++
	p.mu.Unlock()

	if err := p.backend.Suspend(); err != nil {
		slog.Warn("playback: suspend failed", "err", err)
	}
}

// IsPlaying reports whether the drain loop is active.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// QueueLen returns the number of undelivered buffers. Exposed for metrics.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops playback and releases the backend. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.playing = false
	p.gen++
	p.mu.Unlock()

	return p.backend.Close()
}
