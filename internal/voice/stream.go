package voice

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-bridge/internal/audio"
)

type streamConfig struct {
	frame           time.Duration
	samplesPerFrame uint32
	frameBytes      int
	lookAhead       time.Duration
	pause           time.Duration
	idle            time.Duration
}

func newStreamConfig(o *Options) streamConfig {
	return streamConfig{
		frame:           audio.FrameDuration,
		samplesPerFrame: audio.FrameSamples,
		frameBytes:      audio.FrameBytes,
		lookAhead:       o.LookAhead,
		pause:           o.PauseThreshold,
		idle:            o.IdleTimeout,
	}
}

// capture is one closed recording handed to the flush callback.
type capture struct {
	userID   string
	nonce    string
	path     string
	started  time.Time
	frames   int64
	duration time.Duration
}

// openSink creates the raw sink for a new recording.
type openSink func(nonce string) (w io.WriteCloser, path string, err error)

type pendingFrame struct {
	ts  uint32
	pcm []byte
}

type recording struct {
	nonce   string
	path    string
	w       io.WriteCloser
	started time.Time
	lastSeq uint16
	lastTS  uint32
	frames  int64
}

// Stream rebuilds one sender's audio from packets keyed by sequence number.
// It holds fresh packets back for a short window so reordered ones can catch
// up, fills losses with silence, and cuts a new recording at pause-sized
// gaps. Not safe for concurrent use.
type Stream struct {
	cfg       streamConfig
	userID    string
	open      openSink
	onFlush   func(capture)
	pending   map[uint16]pendingFrame
	rec       *recording
	lastWrite time.Time
	silence   []byte
}

func newStream(cfg streamConfig, userID string, open openSink, onFlush func(capture)) *Stream {
	return &Stream{
		cfg:     cfg,
		userID:  userID,
		open:    open,
		onFlush: onFlush,
		pending: make(map[uint16]pendingFrame),
		silence: make([]byte, cfg.frameBytes),
	}
}

// Write buffers one decoded frame and emits whatever is ready.
func (s *Stream) Write(seq uint16, ts uint32, pcm []byte, now time.Time) error {
	if s.rec != nil {
		if int16(seq-s.rec.lastSeq) <= 0 {
			return nil
		}
		if len(s.pending) == 0 && s.isPause(s.gapFrames(seq, ts)) {
			s.flush()
		}
	}
	if _, dup := s.pending[seq]; dup {
		return nil
	}
	if s.rec == nil {
		if err := s.begin(seq, ts, now); err != nil {
			return err
		}
	}
	s.pending[seq] = pendingFrame{ts: ts, pcm: pcm}
	s.lastWrite = now
	return s.emit(now, false)
}

// Maintain emits held frames that have aged past the look-ahead window and
// flushes a recording whose sender went quiet.
func (s *Stream) Maintain(now time.Time) error {
	if s.rec == nil {
		return nil
	}
	err := s.emit(now, false)
	if len(s.pending) == 0 && now.Sub(s.lastWrite) >= s.cfg.idle {
		s.flush()
	}
	return err
}

// Close emits everything still held and flushes.
func (s *Stream) Close(now time.Time) error {
	err := s.emit(now, true)
	s.flush()
	return err
}

// Active reports an open recording.
func (s *Stream) Active() bool { return s.rec != nil }

func (s *Stream) begin(seq uint16, ts uint32, now time.Time) error {
	nonce := uuid.NewString()
	w, path, err := s.open(nonce)
	if err != nil {
		return fmt.Errorf("open raw sink: %w", err)
	}
	s.rec = &recording{
		nonce:   nonce,
		path:    path,
		w:       w,
		started: now,
		lastSeq: seq - 1,
		lastTS:  ts - s.cfg.samplesPerFrame,
	}
	return nil
}

// gapFrames is the number of frames missing between the last emitted frame
// and one at seq/ts, judged by whichever of the two counters shows more.
func (s *Stream) gapFrames(seq uint16, ts uint32) int {
	bySeq := int(int16(seq-s.rec.lastSeq)) - 1
	byTS := int(int32(ts-s.rec.lastTS))/int(s.cfg.samplesPerFrame) - 1
	return max(bySeq, byTS, 0)
}

func (s *Stream) isPause(gap int) bool {
	return time.Duration(gap)*s.cfg.frame > s.cfg.pause
}

// youth is how many buffered frames may be held back at now.
func (s *Stream) youth(now time.Time) int {
	y := int((s.cfg.lookAhead - now.Sub(s.lastWrite)) / s.cfg.frame)
	return max(y, 0)
}

// nextPresent returns the buffered frame closest after the last emitted
// sequence, dropping anything at or behind it.
func (s *Stream) nextPresent() (uint16, pendingFrame, bool) {
	var (
		best  uint16
		bestD = 1 << 16
		found bool
	)
	for seq := range s.pending {
		d := int(int16(seq - s.rec.lastSeq))
		if d <= 0 {
			delete(s.pending, seq)
			continue
		}
		if d < bestD {
			best, bestD, found = seq, d, true
		}
	}
	return best, s.pending[best], found
}

func (s *Stream) emit(now time.Time, force bool) error {
	for s.rec != nil && len(s.pending) > 0 {
		if _, ok := s.pending[s.rec.lastSeq+1]; !ok && !force && len(s.pending) <= s.youth(now) {
			return nil
		}
		seq, f, ok := s.nextPresent()
		if !ok {
			return nil
		}
		gap := s.gapFrames(seq, f.ts)
		if s.isPause(gap) {
			s.flush()
			if err := s.begin(seq, f.ts, now); err != nil {
				return err
			}
			continue
		}
		for i := 0; i < gap; i++ {
			if _, err := s.rec.w.Write(s.silence); err != nil {
				return err
			}
		}
		if _, err := s.rec.w.Write(f.pcm); err != nil {
			return err
		}
		s.rec.frames += int64(gap) + 1
		s.rec.lastSeq = seq
		s.rec.lastTS = f.ts
		delete(s.pending, seq)
	}
	return nil
}

// flush closes the current recording and reports it. Buffered frames stay.
func (s *Stream) flush() {
	r := s.rec
	if r == nil {
		return
	}
	s.rec = nil
	r.w.Close()
	s.onFlush(capture{
		userID:   s.userID,
		nonce:    r.nonce,
		path:     r.path,
		started:  r.started,
		frames:   r.frames,
		duration: time.Duration(r.frames) * s.cfg.frame,
	})
}
