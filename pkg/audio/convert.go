// Package audio provides the PCM primitives shared by the capture, VAD, and
// playback stages: float32/PCM16 conversion, resampling, amplitude
// measurement, and the base64 framing used on the wire.
//
// All functions operate on mono audio. The wire format is little-endian
// signed 16-bit PCM at [TargetSampleRate]; the in-process format is float32
// samples in [-1, 1].
package audio

import (
	"encoding/base64"
	"math"
	"strings"
)

// encodeChunkBytes is the number of PCM bytes base64-encoded per step in
// EncodeBase64Chunked. Must be a multiple of 3 so chunk boundaries never
// introduce padding.
const encodeChunkBytes = 0x7ffe // 32766, largest multiple of 3 below 32 KiB

// Float32ToPCM16 converts float32 samples in [-1, 1] to little-endian signed
// 16-bit PCM bytes. Out-of-range samples are clamped before scaling.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian signed 16-bit PCM bytes to float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7fff
		}
	}
	return out
}

// ResampleFloat32 resamples mono float32 samples from srcRate to dstRate.
// Upsampling uses linear interpolation; downsampling uses nearest-sample
// decimation. Neither is band-limited — the low-latency capture path trades
// aliasing rejection for avoiding filter delay. If the rates match, the input
// is returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	if dstRate > srcRate {
		// Linear interpolation between neighbouring source samples.
		for i := range dstLen {
			srcPos := float64(i) * ratio
			srcIdx := int(srcPos)
			frac := srcPos - float64(srcIdx)

			s0 := samples[srcIdx]
			s1 := s0
			if srcIdx+1 < len(samples) {
				s1 = samples[srcIdx+1]
			}
			out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
		}
		return out
	}

	// Nearest-sample decimation.
	for i := range dstLen {
		srcIdx := int(float64(i) * ratio)
		if srcIdx >= len(samples) {
			srcIdx = len(samples) - 1
		}
		out[i] = samples[srcIdx]
	}
	return out
}

// RMS returns the root-mean-square amplitude of the frame, the measure the
// VAD uses to classify speech versus silence. Returns 0 for an empty frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeBase64Chunked base64-encodes pcm in bounded chunks so that peak
// working-set size stays fixed regardless of input length. Chunks are aligned
// to the 3-byte base64 quantum, so concatenating the per-chunk encodings is
// byte-identical to encoding the whole input at once.
func EncodeBase64Chunked(pcm []byte) string {
	if len(pcm) <= encodeChunkBytes {
		return base64.StdEncoding.EncodeToString(pcm)
	}

	var b strings.Builder
	b.Grow(base64.StdEncoding.EncodedLen(len(pcm)))
	for off := 0; off < len(pcm); off += encodeChunkBytes {
		end := off + encodeChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		b.WriteString(base64.StdEncoding.EncodeToString(pcm[off:end]))
	}
	return b.String()
}
