// Package vad segments microphone audio into speech turns. A Detector
// classifies each frame by RMS amplitude against a volume threshold,
// streams speech frames to the gateway as base64 PCM16, and drives the
// silence-timeout commit protocol that ends a turn.
//
// The detector is the single source of truth for segmentation: the
// gateway's own speech-start/stop signals are informational only and must
// never feed back into it.
package vad

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lumewell/voicelink/pkg/audio"
)

// Defaults and clamp ranges for the tunable thresholds.
const (
	DefaultSilenceThreshold = 1000 * time.Millisecond
	MinSilenceThreshold     = 200 * time.Millisecond
	MaxSilenceThreshold     = 2000 * time.Millisecond

	DefaultVolumeThreshold = 0.015
	MinVolumeThreshold     = 0.001
	MaxVolumeThreshold     = 0.5

	// MinBufferDuration is the least buffered speech worth committing.
	// Shorter segments are cleared at silence onset instead, so the
	// gateway never receives a near-empty turn.
	MinBufferDuration = 500 * time.Millisecond

	// responseDelay separates the commit from the response.create that
	// follows it, absorbing gateway-side commit acknowledgement ordering.
	responseDelay = 100 * time.Millisecond
)

// Sender is the outbound half of the gateway connection the detector
// drives. Implemented by *gateway.Conn.
type Sender interface {
	AppendAudio(base64PCM16 string)
	CommitInput()
	ClearInput()
	CreateResponse()
}

// Tuning carries runtime threshold adjustments. Zero fields leave the
// current value unchanged; non-zero values are clamped into their safe
// ranges before applying.
type Tuning struct {
	SilenceThreshold time.Duration
	VolumeThreshold  float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithSilenceThreshold sets the initial silence timeout, clamped to
// [MinSilenceThreshold, MaxSilenceThreshold].
func WithSilenceThreshold(d time.Duration) Option {
	return func(det *Detector) { det.silenceThreshold = clampDuration(d, MinSilenceThreshold, MaxSilenceThreshold) }
}

// WithVolumeThreshold sets the initial RMS speech threshold, clamped to
// [MinVolumeThreshold, MaxVolumeThreshold].
func WithVolumeThreshold(v float64) Option {
	return func(det *Detector) { det.volumeThreshold = clampFloat(v, MinVolumeThreshold, MaxVolumeThreshold) }
}

// WithTimerFunc replaces the one-shot timer constructor, letting tests
// fire timers deterministically instead of waiting wall-clock time.
func WithTimerFunc(fn func(d time.Duration, f func()) Timer) Option {
	return func(det *Detector) { det.newTimer = fn }
}

// Timer is the minimal one-shot timer surface the detector needs.
type Timer interface {
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

func newRealTimer(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

// Detector holds per-session segmentation state. Process is called from
// the frame pipeline goroutine; timer callbacks and Configure may arrive
// from others, so all state sits behind one mutex.
type Detector struct {
	sender   Sender
	newTimer func(d time.Duration, f func()) Timer

	mu               sync.Mutex
	silenceThreshold time.Duration
	volumeThreshold  float64
	buffered         time.Duration
	speechSeen       bool
	silenceTimer     Timer
	responseTimer    Timer
	processing       bool
	commits          uint64
}

// New builds a Detector that transmits through sender.
func New(sender Sender, opts ...Option) *Detector {
	d := &Detector{
		sender:           sender,
		newTimer:         newRealTimer,
		silenceThreshold: DefaultSilenceThreshold,
		volumeThreshold:  DefaultVolumeThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process classifies one frame and advances the segmentation state
// machine. Speech frames are encoded and streamed immediately; silence
// arms the commit timer once per pause. Socket writes happen after the
// lock is released.
func (d *Detector) Process(frame audio.Frame) {
	rms := audio.RMS(frame.Samples)

	d.mu.Lock()
	if rms > d.volumeThreshold {
		if d.silenceTimer != nil {
			d.silenceTimer.Stop()
			d.silenceTimer = nil
		}
		d.speechSeen = true
		d.buffered += frame.Duration()
		d.mu.Unlock()

		d.sender.AppendAudio(audio.EncodeBase64Chunked(audio.Float32ToPCM16(frame.Samples)))
		return
	}

	// Silent frames while a timer is armed neither re-arm nor reset it,
	// so residual noise cannot postpone the commit indefinitely.
	if d.silenceTimer != nil || !d.speechSeen {
		d.mu.Unlock()
		return
	}

	if d.buffered < MinBufferDuration {
		// Too little speech to be worth a response cycle.
		buffered := d.buffered
		d.resetSegmentLocked()
		d.mu.Unlock()

		slog.Debug("vad: clearing short segment", "buffered", buffered)
		d.sender.ClearInput()
		return
	}

	d.silenceTimer = d.newTimer(d.silenceThreshold, d.onSilenceTimeout)
	d.mu.Unlock()
}

func (d *Detector) onSilenceTimeout() {
	d.mu.Lock()
	d.silenceTimer = nil
	d.mu.Unlock()
	d.Commit()
}

// Commit finalises the buffered segment and schedules response
// generation. While a response cycle is already in flight it is a no-op,
// keeping at most one cycle outstanding per session.
func (d *Detector) Commit() {
	d.mu.Lock()
	if d.processing {
		d.mu.Unlock()
		slog.Debug("vad: commit skipped, response in flight")
		return
	}
	d.processing = true
	d.commits++
	d.mu.Unlock()

	d.sender.CommitInput()

	d.mu.Lock()
	d.responseTimer = d.newTimer(responseDelay, d.onResponseDelay)
	d.mu.Unlock()
}

func (d *Detector) onResponseDelay() {
	d.mu.Lock()
	d.responseTimer = nil
	d.mu.Unlock()
	d.sender.CreateResponse()
}

// Clear discards the buffered segment without committing and cancels any
// pending timers.
func (d *Detector) Clear() {
	d.mu.Lock()
	d.cancelTimersLocked()
	d.resetSegmentLocked()
	d.mu.Unlock()

	d.sender.ClearInput()
}

// ResponseDone marks the end of the in-flight response cycle, re-opening
// the detector for the next turn.
func (d *Detector) ResponseDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processing = false
	d.resetSegmentLocked()
}

// Configure applies threshold adjustments, clamping each into its safe
// range. Zero fields are left unchanged.
func (d *Detector) Configure(t Tuning) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.SilenceThreshold != 0 {
		d.silenceThreshold = clampDuration(t.SilenceThreshold, MinSilenceThreshold, MaxSilenceThreshold)
	}
	if t.VolumeThreshold != 0 {
		d.volumeThreshold = clampFloat(t.VolumeThreshold, MinVolumeThreshold, MaxVolumeThreshold)
	}
	slog.Debug("vad: configured", "silence_threshold", d.silenceThreshold, "volume_threshold", d.volumeThreshold)
}

// SilenceThreshold returns the active silence timeout.
func (d *Detector) SilenceThreshold() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silenceThreshold
}

// VolumeThreshold returns the active RMS speech threshold.
func (d *Detector) VolumeThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumeThreshold
}

// Buffered returns the duration of speech streamed since the segment
// began.
func (d *Detector) Buffered() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

// Processing reports whether a response cycle is in flight.
func (d *Detector) Processing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processing
}

// Commits returns the number of commits issued, for metrics.
func (d *Detector) Commits() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

// Stop cancels all pending timers. Called on session teardown; the
// detector can be reused afterwards.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelTimersLocked()
	d.processing = false
	d.resetSegmentLocked()
}

func (d *Detector) cancelTimersLocked() {
	if d.silenceTimer != nil {
		d.silenceTimer.Stop()
		d.silenceTimer = nil
	}
	if d.responseTimer != nil {
		d.responseTimer.Stop()
		d.responseTimer = nil
	}
}

func (d *Detector) resetSegmentLocked() {
	d.buffered = 0
	d.speechSeen = false
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
