package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/lumewell/voicelink/pkg/audio"
)

// Compile-time interface check.
var _ Backend = (*otoBackend)(nil)

// otoBufferSize is the oto device buffer duration. Smaller buffers reduce
// latency at the risk of glitches.
const otoBufferSize = 100 * time.Millisecond

// highWaterBytes caps how far Write may run ahead of the device. Write blocks
// once this much audio is pending, pacing the drain loop to realtime.
const highWaterBytes = audio.TargetSampleRate / 5 * 4 // 200 ms

// otoBackend drives the speaker through an oto player that pulls float32-LE
// bytes from an internal buffer. The player reads via the io.Reader side; the
// drain loop feeds the buffer via Write.
type otoBackend struct {
	ctx *oto.Context

	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	player    *oto.Player
	suspended bool
	closed    bool
}

func newOtoBackend(sampleRate int) (*otoBackend, error) {
	if sampleRate <= 0 {
		sampleRate = audio.TargetSampleRate
	}
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   otoBufferSize,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("playback: init oto: %w", err)
	}
	<-ready

	b := &otoBackend{ctx: ctx}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Write appends samples for the device to pull and blocks until the pending
// buffer falls below the high-water mark, so queued chunks play sequentially
// in real time rather than piling up in device memory.
func (b *otoBackend) Write(samples []float32) error {
	data := encodeF32LE(samples)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("playback: backend closed")
	}
	b.buf = append(b.buf, data...)
	b.suspended = false

	if b.player == nil {
		b.player = b.ctx.NewPlayer(b)
		b.player.Play()
	} else if !b.player.IsPlaying() {
		b.player.Play()
	}
	b.cond.Broadcast()

	for len(b.buf) > highWaterBytes && !b.suspended && !b.closed {
		b.cond.Wait()
	}
	return nil
}

// Read implements io.Reader for the oto player. It blocks until data is
// available and feeds silence once the backend is closed so oto can drain.
func (b *otoBackend) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.buf) == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.closed && len(b.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	b.cond.Broadcast()
	return n, nil
}

// Suspend discards pending audio and pauses the device.
func (b *otoBackend) Suspend() error {
	b.mu.Lock()
	b.buf = nil
	b.suspended = true
	player := b.player
	b.cond.Broadcast()
	b.mu.Unlock()

	if player != nil {
		player.Pause()
	}
	return nil
}

// Resume re-enables output after a Suspend. The player itself restarts on the
// next Write.
func (b *otoBackend) Resume() error {
	b.mu.Lock()
	b.suspended = false
	b.mu.Unlock()
	return nil
}

// Close releases the player. The oto context itself cannot be torn down and
// lives for the remainder of the process.
func (b *otoBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.buf = nil
	player := b.player
	b.player = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// encodeF32LE serialises float32 samples as little-endian bytes.
func encodeF32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
