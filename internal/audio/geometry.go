// Package audio adapts fixed-geometry PCM to compressed voice frames and
// reads and writes the WAV files the engine streams and records.
package audio

import "time"

// Every frame the engine handles has this geometry.
const (
	SampleRate     = 48000
	Channels       = 2
	BitsPerSample  = 16
	FrameDuration  = 20 * time.Millisecond
	FrameSamples   = SampleRate / 50 // per channel
	bytesPerSample = BitsPerSample / 8
	FrameBytes     = FrameSamples * Channels * bytesPerSample
)

// silenceMarker is the compressed frame that tells the receiver there is no
// audio. It is not the encoding of a zero PCM block.
var silenceMarker = [3]byte{0xF8, 0xFF, 0xFE}

// SilenceFrame returns the "no audio" marker frame.
func SilenceFrame() []byte {
	b := silenceMarker
	return b[:]
}

// SilencePCM returns one frame of zero PCM.
func SilencePCM() []byte { return make([]byte, FrameBytes) }

// Duration of n bytes of PCM in the fixed geometry.
func Duration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(SampleRate*Channels*bytesPerSample)
}
