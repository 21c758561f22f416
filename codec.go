package voicewire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PCMMimeType returns the wire mime type for 16-bit PCM at the given rate,
// e.g. "audio/pcm;rate=16000".
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// ParseSampleRate extracts the rate parameter from a PCM mime type. A mime
// type without a rate parameter falls back to the provided default.
func ParseSampleRate(mimeType string, fallback int) int {
	for part := range strings.SplitSeq(mimeType, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "rate="); ok {
			if rate, err := strconv.Atoi(rest); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return fallback
}

// ResampleBlockAverage converts samples between rates by averaging each
// source block that maps onto one destination sample. Good enough for
// speech capture; it is not an interpolating resampler.
func ResampleBlockAverage(src []float32, srcRate, dstRate int) []float32 {
	if len(src) == 0 || srcRate <= 0 || dstRate <= 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(math.Round(float64(len(src)) / ratio))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := range out {
		start := int(float64(i) * ratio)
		end := int(float64(i+1) * ratio)
		if end > len(src) {
			end = len(src)
		}
		if start >= end {
			start = end - 1
			if start < 0 {
				start = 0
			}
		}
		var sum float64
		for _, s := range src[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}

// Float32ToPCM16 converts [-1,1] float samples to little-endian 16-bit PCM,
// clamping out-of-range values.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// PCM16ToFloat32 converts little-endian 16-bit PCM to [-1,1] float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeAudioBase64 frames raw PCM bytes as base64 text for the wire.
func EncodeAudioBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudioBase64 decodes a base64 audio payload received from the wire.
func DecodeAudioBase64(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 audio payload: %w", err)
	}
	return pcm, nil
}

// RMSLevel computes the root-mean-square level of a sample block.
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PCM16DurationMs returns the duration of a mono 16-bit PCM payload.
func PCM16DurationMs(byteLen, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(byteLen/2) * 1000 / float64(sampleRate)
}
