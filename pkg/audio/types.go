package audio

import "time"

const (
	// TargetSampleRate is the sample rate the gateway expects: 24 kHz mono PCM16.
	TargetSampleRate = 24000

	// FrameSamples is the fixed number of samples per capture frame.
	FrameSamples = 2048
)

// FrameDuration is the wall-clock duration of one fixed-size frame at the
// target sample rate.
const FrameDuration = time.Duration(FrameSamples) * time.Second / TargetSampleRate

// Frame represents a single frame of captured audio flowing through the
// pipeline. Frames are the atomic unit of transport: produced by a capture
// source, classified by VAD, and either encoded for transmission or discarded.
// They are transient and never persisted.
type Frame struct {
	// Samples is mono float32 PCM in [-1, 1]. Always FrameSamples long once a
	// frame leaves a capture source.
	Samples []float32

	// SampleRate in Hz. Capture sources resample to TargetSampleRate before
	// emitting, so downstream consumers can rely on 24000.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
