package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrGeometry reports a source whose PCM layout differs from the fixed one.
var ErrGeometry = errors.New("audio: unsupported PCM geometry")

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// Format describes a WAV file's PCM layout.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %d bit", f.SampleRate, f.Channels, f.BitsPerSample)
}

func (f Format) matches() bool {
	return f.SampleRate == SampleRate && f.Channels == Channels && f.BitsPerSample == BitsPerSample
}

// Source streams PCM frames out of a WAV file.
type Source struct {
	f       *os.File
	r       io.Reader
	format  Format
	dataLen int64
}

// OpenSource opens path and checks that it carries 48 kHz stereo 16-bit PCM.
// A mismatch returns an error wrapping ErrGeometry.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, FrameBytes*4)
	format, dataLen, err := readHeader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: %s: %w", path, err)
	}
	if !format.matches() {
		f.Close()
		return nil, fmt.Errorf("%w: %s has %s", ErrGeometry, path, format)
	}
	return &Source{f: f, r: io.LimitReader(br, dataLen), format: format, dataLen: dataLen}, nil
}

func readHeader(r io.Reader) (Format, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, 0, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, 0, errors.New("not a RIFF/WAVE file")
	}
	var (
		format  Format
		haveFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Format{}, 0, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, 0, fmt.Errorf("fmt chunk of %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			if tag != formatPCM && tag != formatExtensible {
				return Format{}, 0, fmt.Errorf("%w: format tag %#x", ErrGeometry, tag)
			}
			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFmt = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return Format{}, 0, err
				}
			}
		case "data":
			if !haveFmt {
				return Format{}, 0, errors.New("data chunk before fmt chunk")
			}
			return format, size, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, 0, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// Format returns the validated layout.
func (s *Source) Format() Format { return s.format }

// Duration of the whole data chunk.
func (s *Source) Duration() time.Duration { return Duration(s.dataLen) }

// ReadFrame fills buf with up to one frame of PCM. The final frame may be
// short; after it ReadFrame returns 0, io.EOF.
func (s *Source) ReadFrame(buf []byte) (int, error) {
	if len(buf) > FrameBytes {
		buf = buf[:FrameBytes]
	}
	n, err := io.ReadFull(s.r, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	}
	return n, err
}

func (s *Source) Close() error { return s.f.Close() }
