package voice

import (
	"errors"
	"io"
	"math/rand/v2"
	"time"

	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/notify"
	"github.com/discord-voice-bridge/internal/packet"
)

// pacer schedules ticks against absolute deadlines so time lost in one tick
// is not carried into the next.
type pacer struct {
	frame time.Duration
	next  time.Time
	timer *time.Timer
}

func newPacer(frame time.Duration, start time.Time) *pacer {
	return &pacer{frame: frame, next: start.Add(frame)}
}

// wait blocks until the next tick boundary. It returns how far the tick that
// just ran overshot its budget, and false once stop closes. A late tick
// resyncs the schedule instead of bursting to catch up.
func (p *pacer) wait(now time.Time, stop <-chan struct{}) (time.Duration, bool) {
	d := p.next.Sub(now)
	if d <= 0 {
		p.next = now.Add(p.frame)
		select {
		case <-stop:
			return -d, false
		default:
			return -d, true
		}
	}
	p.next = p.next.Add(p.frame)
	if p.timer == nil {
		p.timer = time.NewTimer(d)
	} else {
		p.timer.Reset(d)
	}
	select {
	case <-stop:
		p.timer.Stop()
		return 0, false
	case <-p.timer.C:
		return 0, true
	}
}

// streamer is the outbound loop state for one transport generation.
type streamer struct {
	c   *Connection
	g   *generation
	tr  *transport
	enc FrameEncoder

	src       Source
	rev       uint64
	exhausted bool
	buf       []byte
	zero      []byte

	seq           uint16
	ts            uint32
	lastHeartbeat time.Time
	sent          time.Duration
}

func (c *Connection) runStreamer(g *generation, stop <-chan struct{}) {
	enc, err := c.opts.NewEncoder()
	if err != nil {
		c.log.Errorw("streamer: encoder init failed", "err", err)
		return
	}
	c.mu.Lock()
	tr := g.tr
	c.mu.Unlock()

	s := &streamer{
		c:    c,
		g:    g,
		tr:   tr,
		enc:  enc,
		buf:  make([]byte, audio.FrameBytes),
		zero: audio.SilencePCM(),
		seq:  uint16(rand.Uint32()),
		ts:   rand.Uint32(),
	}
	defer s.closeSource()

	c.log.Debugw("streamer: started", "generation", g.id)
	p := newPacer(audio.FrameDuration, time.Now())
	for {
		s.tick(time.Now())
		over, ok := p.wait(time.Now(), stop)
		if over > 0 {
			c.opts.Metrics.RealtimeViolation(c.guildID, over)
		}
		if !ok {
			c.log.Debugw("streamer: stopped", "generation", g.id)
			return
		}
	}
}

func (s *streamer) closeSource() {
	if s.src == nil {
		return
	}
	s.src.Close()
	s.src = nil
	s.exhausted = false
}

// tick sends exactly one frame.
func (s *streamer) tick(now time.Time) {
	c := s.c
	c.mu.Lock()
	content := c.content
	interval := c.heartbeatInterval
	sess := s.g.sess
	c.mu.Unlock()

	switch {
	case content.Path == "" && s.src != nil:
		s.closeSource()
		c.log.Infow("streamer: playback finished")
		c.emit(notify.Event{Kind: notify.PlaybackFinished})
	case content.Path != "" && content.revision != s.rev:
		s.closeSource()
		s.rev = content.revision
		src, err := c.opts.OpenSource(content.Path)
		if err != nil {
			c.log.Warnw("streamer: cannot stream source", "path", content.Path, "err", err)
			c.emit(notify.Event{Kind: notify.PlaybackFinished})
			c.clearContent(s.rev)
			break
		}
		s.src = src
		c.opts.Metrics.StreamStarted(c.guildID)
		c.log.Infow("streamer: playing", "path", content.Path)
	}

	frame := s.nextFrame(content.Paused)
	pkt, err := packet.Encode(packet.Header{Sequence: s.seq, Timestamp: s.ts, SSRC: s.tr.ssrc}, s.tr.key, frame)
	if err == nil {
		s.tr.conn.WriteToUDP(pkt, s.tr.remote)
	}
	s.seq++
	s.ts += audio.FrameSamples

	if interval > 0 && sess != nil && now.Sub(s.lastHeartbeat) > interval/2 {
		if err := sess.send(opHeartbeat, now.UnixMilli()); err != nil {
			c.log.Debugw("streamer: heartbeat failed", "err", err)
		}
		c.opts.Metrics.AudioStreamed(c.guildID, s.sent)
		s.lastHeartbeat = now
		s.sent = 0
	}
}

// nextFrame returns the compressed frame for this tick. A paused source
// sends encoded zero PCM; no source sends the silence marker.
func (s *streamer) nextFrame(paused bool) []byte {
	if s.src == nil || s.exhausted {
		return audio.SilenceFrame()
	}
	pcm := s.zero
	if !paused {
		n, err := s.src.ReadFrame(s.buf)
		if err != nil && !errors.Is(err, io.EOF) {
			s.c.log.Warnw("streamer: source read failed", "err", err)
		}
		if n == 0 {
			s.exhausted = true
			s.c.clearContent(s.rev)
			return audio.SilenceFrame()
		}
		pcm = s.buf[:n]
	}
	frame, err := s.enc.EncodeFrame(pcm)
	if err != nil {
		s.c.log.Warnw("streamer: encode failed", "err", err)
		return audio.SilenceFrame()
	}
	if !paused {
		s.sent += audio.FrameDuration
	}
	return frame
}
