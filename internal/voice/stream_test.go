package voice

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type memSink struct {
	bytes.Buffer
	closed bool
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

type streamHarness struct {
	sinks map[string]*memSink
	caps  []capture
}

func (h *streamHarness) data(i int) []byte { return h.sinks[h.caps[i].path].Bytes() }

var testStreamConfig = streamConfig{
	frame:           20 * time.Millisecond,
	samplesPerFrame: 960,
	frameBytes:      2,
	lookAhead:       time.Second,
	pause:           time.Second,
	idle:            time.Second,
}

func newTestStream() (*Stream, *streamHarness) {
	h := &streamHarness{sinks: make(map[string]*memSink)}
	open := func(nonce string) (io.WriteCloser, string, error) {
		m := &memSink{}
		h.sinks[nonce] = m
		return m, nonce, nil
	}
	return newStream(testStreamConfig, "u1", open, func(c capture) { h.caps = append(h.caps, c) }), h
}

func pcm(seq uint16) []byte { return []byte{byte(seq), 0xA0 | byte(seq>>8)} }

func joinFrames(frames ...[]byte) []byte { return bytes.Join(frames, nil) }

var quiet = []byte{0, 0}

func writeAll(t *testing.T, s *Stream, at time.Time, seqs ...uint16) {
	t.Helper()
	for _, seq := range seqs {
		if err := s.Write(seq, uint32(seq)*960, pcm(seq), at); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
	}
}

func TestStreamReordersWithinWindow(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	writeAll(t, s, t0, 1, 2, 4, 3, 5)
	if err := s.Close(t0); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(h.caps) != 1 {
		t.Fatalf("expected one segment, got %d", len(h.caps))
	}
	want := joinFrames(pcm(1), pcm(2), pcm(3), pcm(4), pcm(5))
	if diff := cmp.Diff(want, h.data(0)); diff != "" {
		t.Fatalf("reconstructed audio mismatch (-want +got):\n%s", diff)
	}
	if h.caps[0].frames != 5 || h.caps[0].duration != 100*time.Millisecond {
		t.Fatalf("unexpected capture %+v", h.caps[0])
	}
}

func TestStreamFillsGapsWithSilence(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	writeAll(t, s, t0, 1, 2, 5)

	if got := h.sinks[s.rec.nonce].Bytes(); !bytes.Equal(got, joinFrames(pcm(1), pcm(2))) {
		t.Fatalf("frame 5 should be held for reordering, sink has %v", got)
	}
	if err := s.Maintain(t0.Add(time.Second)); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if len(h.caps) != 1 {
		t.Fatalf("expected idle flush after the hold expired, got %d segments", len(h.caps))
	}
	want := joinFrames(pcm(1), pcm(2), quiet, quiet, pcm(5))
	if diff := cmp.Diff(want, h.data(0)); diff != "" {
		t.Fatalf("gap fill mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamHoldsYoungFrames(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	writeAll(t, s, t0, 1, 3)
	s.Maintain(t0.Add(500 * time.Millisecond))
	if got := h.sinks[s.rec.nonce].Len(); got != 2 {
		t.Fatalf("expected only frame 1 emitted, sink has %d bytes", got)
	}
	s.Maintain(t0.Add(time.Second))
	if len(h.caps) != 1 {
		t.Fatalf("expected one segment, got %d", len(h.caps))
	}
	if diff := cmp.Diff(joinFrames(pcm(1), quiet, pcm(3)), h.data(0)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamSequenceWraparound(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	ts := uint32(0xFFFFFFFF - 960)
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		if err := s.Write(seq, ts, pcm(seq), t0); err != nil {
			t.Fatalf("write: %v", err)
		}
		ts += 960
	}
	s.Close(t0)
	want := joinFrames(pcm(65534), pcm(65535), pcm(0), pcm(1))
	if diff := cmp.Diff(want, h.data(0)); diff != "" {
		t.Fatalf("wraparound mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamPauseStartsNewSegment(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	s.Write(1, 960, pcm(1), t0)
	s.Write(2, 1920, pcm(2), t0.Add(20*time.Millisecond))
	s.Write(3, 1920+2*48000+960, pcm(3), t0.Add(2*time.Second))
	if len(h.caps) != 1 {
		t.Fatalf("pause should close the first segment, got %d", len(h.caps))
	}
	s.Close(t0.Add(2 * time.Second))
	if len(h.caps) != 2 {
		t.Fatalf("expected two segments, got %d", len(h.caps))
	}
	if diff := cmp.Diff(joinFrames(pcm(1), pcm(2)), h.data(0)); diff != "" {
		t.Fatalf("first segment (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pcm(3), h.data(1)); diff != "" {
		t.Fatalf("second segment (-want +got):\n%s", diff)
	}
	if h.caps[0].nonce == h.caps[1].nonce {
		t.Fatalf("segments share nonce %s", h.caps[0].nonce)
	}
}

func TestStreamDropsLateAndDuplicate(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	writeAll(t, s, t0, 1, 2, 2, 1)
	s.Close(t0)
	if diff := cmp.Diff(joinFrames(pcm(1), pcm(2)), h.data(0)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamIdleFlushAndReuse(t *testing.T) {
	s, h := newTestStream()
	t0 := time.Unix(1000, 0)
	writeAll(t, s, t0, 1)
	s.Maintain(t0.Add(500 * time.Millisecond))
	if len(h.caps) != 0 || !s.Active() {
		t.Fatalf("flushed before idle timeout")
	}
	s.Maintain(t0.Add(time.Second))
	if len(h.caps) != 1 || s.Active() {
		t.Fatalf("expected idle flush, got %d segments", len(h.caps))
	}
	if !h.sinks[h.caps[0].path].closed {
		t.Fatalf("sink not closed on flush")
	}

	writeAll(t, s, t0.Add(3*time.Second), 10)
	s.Close(t0.Add(3 * time.Second))
	if len(h.caps) != 2 {
		t.Fatalf("expected a second segment from the reused stream, got %d", len(h.caps))
	}
	if diff := cmp.Diff(pcm(10), h.data(1)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamCloseWithoutAudio(t *testing.T) {
	s, h := newTestStream()
	if err := s.Close(time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(h.caps) != 0 {
		t.Fatalf("empty stream reported %d segments", len(h.caps))
	}
}
