// Package audio provides PCM16 helpers used across the pipeline: energy
// measurement, duration arithmetic, and minimal WAV encode/decode for the
// on-disk artifacts handed to the scoring worker.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMS computes the root-mean-square energy of little-endian PCM16 samples,
// normalised to [0, 1]. Odd trailing bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns the playback time of pcm at the given sample rate
// (mono PCM16).
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the PCM16 byte count covering d at the given sample rate.
func BytesFor(d time.Duration, sampleRate int) int {
	samples := int(d.Seconds() * float64(sampleRate))
	return samples * 2
}
