package playback_test

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumewell/voicelink/pkg/audio"
	"github.com/lumewell/voicelink/pkg/audio/playback"
)

// fakeBackend records every call and optionally fails writes. Write can be
// gated to simulate a slow device.
type fakeBackend struct {
	mu       sync.Mutex
	writes   [][]float32
	suspends int
	resumes  int
	closed   bool
	writeErr error
	gate     chan struct{} // when non-nil, Write blocks until a token arrives
}

func (f *fakeBackend) Write(samples []float32) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, samples)
	return nil
}

func (f *fakeBackend) Suspend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends++
	return nil
}

func (f *fakeBackend) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// chunk encodes n int16 samples of the given value as a base64 PCM16 string.
func chunk(n int, value int16) string {
	pcm := make([]byte, n*2)
	for i := range n {
		pcm[i*2] = byte(value)
		pcm[i*2+1] = byte(uint16(value) >> 8)
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEnqueue_PlaysChunksInOrder(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := playback.NewWithBackend(b)
	t.Cleanup(func() { _ = p.Close() })

	if err := p.Enqueue(chunk(100, 1000)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := p.Enqueue(chunk(100, 2000)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() { return b.writeCount() == 2 })

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.writes[0]) != 100 || len(b.writes[1]) != 100 {
		t.Fatalf("write lengths = %d, %d; want 100, 100", len(b.writes[0]), len(b.writes[1]))
	}
	if b.writes[0][0] <= b.writes[1][0] {
		// chunk values 1000 then 2000 map to increasing float samples
		return
	}
	t.Error("chunks written out of order")
}

func TestEnqueue_FinishedFiresWhenQueueDrains(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := playback.NewWithBackend(b)
	t.Cleanup(func() { _ = p.Close() })

	finished := make(chan struct{}, 1)
	p.OnFinished(func() { finished <- struct{}{} })

	if err := p.Enqueue(chunk(10, 5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("finished callback never fired")
	}
	if p.IsPlaying() {
		t.Error("IsPlaying should be false after drain")
	}
}

func TestEnqueue_BadChunkIsSkippedQueueContinues(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := playback.NewWithBackend(b)
	t.Cleanup(func() { _ = p.Close() })

	err := p.Enqueue("%%% not base64 %%%")
	var derr *playback.PlaybackDecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("want *PlaybackDecodeError, got %v", err)
	}

	// A good chunk after the bad one still plays.
	if err := p.Enqueue(chunk(10, 7)); err != nil {
		t.Fatalf("Enqueue good chunk: %v", err)
	}
	waitFor(t, func() { return b.writeCount() == 1 })
}

func TestStop_ClearsQueueAndSuspends(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := playback.NewWithBackend(b)
	t.Cleanup(func() { _ = p.Close() })

	// First chunk blocks in Write; the rest sit in the queue.
	for range 5 {
		if err := p.Enqueue(chunk(10, 3)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, func() { return p.QueueLen() == 4 })

	p.Stop()

	if p.IsPlaying() {
		t.Error("IsPlaying should be false after Stop")
	}
	if got := p.QueueLen(); got != 0 {
		t.Errorf("queue length after Stop = %d, want 0", got)
	}
	b.mu.Lock()
	suspends := b.suspends
	b.mu.Unlock()
	if suspends != 1 {
		t.Errorf("suspends = %d, want 1", suspends)
	}

	// Release the gated write; the cancelled drain loop must not write more.
	close(b.gate)
	time.Sleep(20 * time.Millisecond)
	if got := b.writeCount(); got > 1 {
		t.Errorf("writes after Stop = %d, want at most 1", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	p := playback.NewWithBackend(&fakeBackend{})
	p.Stop()
	p.Stop()
}

func TestClose_ReleasesBackendOnce(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := playback.NewWithBackend(b)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := p.Enqueue(chunk(4, 1)); err == nil {
		t.Error("Enqueue after Close should fail")
	}
}

func TestEnqueue_RoundTripPreservesWaveform(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := playback.NewWithBackend(b)
	t.Cleanup(func() { _ = p.Close() })

	// Encode a small ramp through the same PCM16 path the gateway uses and
	// confirm playback sees it back within quantisation error.
	wave := []float32{-1, -0.5, 0, 0.5, 1}
	b64 := base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(wave))
	if err := p.Enqueue(b64); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() { return b.writeCount() == 1 })

	b.mu.Lock()
	got := b.writes[0]
	b.mu.Unlock()
	const lsb = 1.0 / 32767
	for i := range wave {
		diff := float64(wave[i] - got[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > lsb {
			t.Fatalf("sample %d: diff %g exceeds one LSB", i, diff)
		}
	}
}
