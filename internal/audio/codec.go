package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

const (
	bitrate      = 64000
	maxFrameSize = 4000
)

// Encoder compresses PCM frames.
type Encoder struct {
	enc *opus.Encoder
	pcm []int16
	buf []byte
}

func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("audio: set bitrate: %w", err)
	}
	return &Encoder{
		enc: enc,
		pcm: make([]int16, FrameSamples*Channels),
		buf: make([]byte, maxFrameSize),
	}, nil
}

// EncodeFrame compresses up to one frame of little-endian PCM. Short input is
// padded with silence to a full frame.
func (e *Encoder) EncodeFrame(pcm []byte) ([]byte, error) {
	if len(pcm) > FrameBytes {
		return nil, fmt.Errorf("audio: frame of %d bytes exceeds %d", len(pcm), FrameBytes)
	}
	clear(e.pcm)
	for i := 0; i+1 < len(pcm); i += 2 {
		e.pcm[i/2] = int16(binary.LittleEndian.Uint16(pcm[i:]))
	}
	n, err := e.enc.Encode(e.pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Decoder expands compressed frames. One Decoder per sender; it carries
// inter-frame state.
type Decoder struct {
	dec *opus.Decoder
	pcm []int16
}

func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new decoder: %w", err)
	}
	return &Decoder{dec: dec, pcm: make([]int16, FrameSamples*Channels)}, nil
}

// DecodeFrame returns little-endian PCM for one compressed frame. Frames that
// fail to decode come back as a full frame of silence.
func (d *Decoder) DecodeFrame(frame []byte) []byte {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil || n <= 0 {
		return SilencePCM()
	}
	out := make([]byte, n*Channels*bytesPerSample)
	for i, s := range d.pcm[:n*Channels] {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
