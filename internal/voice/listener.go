package voice

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/media"
	"github.com/discord-voice-bridge/internal/notify"
	"github.com/discord-voice-bridge/internal/packet"
)

const (
	maintenanceInterval = 200 * time.Millisecond
	maxDatagram         = 1500
	finalizeTimeout     = 30 * time.Second
)

// rawSink buffers headerless PCM into a file.
type rawSink struct {
	f *os.File
	w *bufio.Writer
}

func (r *rawSink) Write(p []byte) (int, error) { return r.w.Write(p) }

func (r *rawSink) Close() error {
	err := r.w.Flush()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// speaker is one sender's decoder and reconstruction buffer.
type speaker struct {
	dec    FrameDecoder
	stream *Stream
}

// listener is the inbound loop state for one transport generation.
type listener struct {
	c         *Connection
	g         *generation
	tr        *transport
	cfg       streamConfig
	channelID string
	speakers  map[string]*speaker
	finalize  sync.WaitGroup
}

func (c *Connection) runListener(g *generation, stop <-chan struct{}) {
	c.mu.Lock()
	tr := g.tr
	channelID := c.target.ChannelID
	c.mu.Unlock()

	if err := os.MkdirAll(c.opts.RecordingDir, 0o755); err != nil {
		c.log.Errorw("listener: recording dir unavailable", "dir", c.opts.RecordingDir, "err", err)
		return
	}
	l := &listener{
		c:         c,
		g:         g,
		tr:        tr,
		cfg:       newStreamConfig(c.opts),
		channelID: channelID,
		speakers:  make(map[string]*speaker),
	}
	defer l.shutdown()
	c.log.Debugw("listener: started", "generation", g.id)

	buf := make([]byte, maxDatagram)
	nextMaintenance := time.Now().Add(maintenanceInterval)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if now := time.Now(); !now.Before(nextMaintenance) {
			l.maintain(now)
			nextMaintenance = now.Add(maintenanceInterval)
		}
		tr.conn.SetReadDeadline(nextMaintenance)
		n, _, err := tr.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if err := l.handle(buf[:n], time.Now()); err != nil {
			c.log.Errorw("listener: stopping", "err", err)
			return
		}
	}
}

// handle routes one datagram. Only decoder creation failure is returned;
// everything else drops the packet.
func (l *listener) handle(datagram []byte, now time.Time) error {
	h, payload, err := packet.Decode(datagram, l.tr.key)
	if err != nil || len(payload) == 0 {
		return nil
	}
	userID, ok := l.g.sender(h.SSRC)
	if !ok {
		return nil
	}
	sp, err := l.speaker(userID)
	if err != nil {
		return err
	}
	pcm := sp.dec.DecodeFrame(payload)
	if err := sp.stream.Write(h.Sequence, h.Timestamp, pcm, now); err != nil {
		l.c.log.Warnw("listener: buffer write failed", logging.Join(logging.UserFields(userID), logging.SSRCFields(h.SSRC), []interface{}{"err", err})...)
	}
	return nil
}

func (l *listener) speaker(userID string) (*speaker, error) {
	if sp, ok := l.speakers[userID]; ok {
		return sp, nil
	}
	dec, err := l.c.opts.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("decoder init: %w", err)
	}
	sp := &speaker{
		dec:    dec,
		stream: newStream(l.cfg, userID, l.openSink(userID), l.flushed),
	}
	l.speakers[userID] = sp
	return sp, nil
}

func (l *listener) openSink(userID string) openSink {
	return func(nonce string) (io.WriteCloser, string, error) {
		path := filepath.Join(l.c.opts.RecordingDir, fmt.Sprintf("%s-%s-%s.pcm", l.c.guildID, userID, nonce))
		f, err := os.Create(path)
		if err != nil {
			return nil, "", err
		}
		return &rawSink{f: f, w: bufio.NewWriter(f)}, path, nil
	}
}

func (l *listener) maintain(now time.Time) {
	for userID, sp := range l.speakers {
		if err := sp.stream.Maintain(now); err != nil {
			l.c.log.Warnw("listener: maintenance failed", logging.Join(logging.UserFields(userID), []interface{}{"err", err})...)
		}
	}
}

// shutdown force-flushes every buffer and waits for finalization.
func (l *listener) shutdown() {
	now := time.Now()
	for userID, sp := range l.speakers {
		if err := sp.stream.Close(now); err != nil {
			l.c.log.Warnw("listener: final flush failed", logging.Join(logging.UserFields(userID), []interface{}{"err", err})...)
		}
	}
	l.finalize.Wait()
	l.c.log.Debugw("listener: stopped", "generation", l.g.id)
}

// flushed finalizes a closed recording off the receive path.
func (l *listener) flushed(cp capture) {
	if cp.frames == 0 {
		os.Remove(cp.path)
		return
	}
	l.finalize.Add(1)
	go func() {
		defer l.finalize.Done()
		l.finish(cp)
	}()
}

func (l *listener) finish(cp capture) {
	c := l.c
	fields := logging.Join(logging.UserFields(cp.userID), logging.SegmentFields(cp.nonce, cp.duration.Milliseconds()))
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	artifact, err := c.opts.Finalizer.Finalize(ctx, media.RawSegment{
		GuildID:   c.guildID,
		ChannelID: l.channelID,
		UserID:    cp.userID,
		Nonce:     cp.nonce,
		RawPath:   cp.path,
		Duration:  cp.duration,
		StartedAt: cp.started,
	})
	if err != nil {
		c.log.Errorw("listener: finalize failed", logging.Join(fields, []interface{}{"err", err})...)
		return
	}
	if err := os.Remove(cp.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warnw("listener: remove raw segment", logging.Join(fields, []interface{}{"err", err})...)
	}
	c.opts.Metrics.SegmentCaptured(c.guildID)
	c.log.Infow("listener: segment captured", logging.Join(fields, []interface{}{"artifact", artifact})...)
	c.emit(notify.Event{
		Kind:         notify.SegmentCaptured,
		ChannelID:    l.channelID,
		UserID:       cp.userID,
		Nonce:        cp.nonce,
		Artifact:     artifact,
		DurationSecs: cp.duration.Seconds(),
	})
}
