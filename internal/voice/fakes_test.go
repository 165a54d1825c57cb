package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-bridge/internal/media"
	"github.com/discord-voice-bridge/internal/notify"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(e notify.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []notify.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]notify.Kind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) find(k notify.Kind) (notify.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == k {
			return e, true
		}
	}
	return notify.Event{}, false
}

type fakeMetrics struct {
	started    atomic.Int32
	connected  atomic.Int32
	segments   atomic.Int32
	violations atomic.Int32
}

func (m *fakeMetrics) StreamStarted(string)                    { m.started.Add(1) }
func (m *fakeMetrics) AudioStreamed(string, time.Duration)     {}
func (m *fakeMetrics) RealtimeViolation(string, time.Duration) { m.violations.Add(1) }
func (m *fakeMetrics) GroupConnected()                         { m.connected.Add(1) }
func (m *fakeMetrics) GroupDisconnected()                      { m.connected.Add(-1) }
func (m *fakeMetrics) SegmentCaptured(string)                  { m.segments.Add(1) }

// fakeEncoder tags each frame with its input length and first byte.
type fakeEncoder struct{}

func (fakeEncoder) EncodeFrame(pcm []byte) ([]byte, error) {
	first := byte(0)
	if len(pcm) > 0 {
		first = pcm[0]
	}
	return []byte{'E', byte(len(pcm) >> 8), byte(len(pcm)), first}, nil
}

// fakeDecoder expands a payload into a 4 byte frame led by its first byte.
type fakeDecoder struct{}

func (fakeDecoder) DecodeFrame(frame []byte) []byte {
	return []byte{frame[0], 0, 0, 0}
}

type fakeSource struct {
	frames [][]byte
	closed atomic.Int32
}

func (s *fakeSource) ReadFrame(buf []byte) (int, error) {
	if len(s.frames) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, s.frames[0])
	s.frames = s.frames[1:]
	return n, nil
}

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeFinalizer struct {
	mu   sync.Mutex
	segs []media.RawSegment
	raw  [][]byte
}

func (f *fakeFinalizer) Finalize(_ context.Context, seg media.RawSegment) (string, error) {
	data, err := os.ReadFile(seg.RawPath)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.segs = append(f.segs, seg)
	f.raw = append(f.raw, data)
	f.mu.Unlock()
	return "artifact://" + seg.Nonce, nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segs)
}

// fakeSignal is a scripted signaling connection. Values pushed to in are
// read as messages, or returned as errors.
type fakeSignal struct {
	in        chan any
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	out []outFrame
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{in: make(chan any, 16), done: make(chan struct{})}
}

func (f *fakeSignal) ReadMessage() (int, []byte, error) {
	select {
	case v := <-f.in:
		if err, ok := v.(error); ok {
			return 0, nil, err
		}
		b, _ := json.Marshal(v)
		return websocket.TextMessage, b, nil
	case <-f.done:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeSignal) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr, ok := v.(outFrame); ok {
		f.out = append(f.out, fr)
	}
	return nil
}

func (f *fakeSignal) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeSignal) SetWriteDeadline(time.Time) error          { return nil }

func (f *fakeSignal) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSignal) ops() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.out))
	for _, fr := range f.out {
		out = append(out, fr.Op)
	}
	return out
}

func (f *fakeSignal) closeWith(code int) {
	f.in <- &websocket.CloseError{Code: code}
}

// scriptedDialer hands out a fresh fakeSignal per dial.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeSignal
}

func (d *scriptedDialer) Dial(context.Context, string) (SignalConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeSignal()
	d.conns = append(d.conns, s)
	return s, nil
}

func (d *scriptedDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *scriptedDialer) conn(i int) *fakeSignal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// blockingDialer never connects; it returns once the dial is canceled.
type blockingDialer struct {
	n atomic.Int32
}

func (d *blockingDialer) Dial(ctx context.Context, _ string) (SignalConn, error) {
	d.n.Add(1)
	<-ctx.Done()
	return nil, errors.New("dial canceled")
}

func testOptions(t *testing.T, o Options) Options {
	t.Helper()
	if o.RecordingDir == "" {
		o.RecordingDir = t.TempDir()
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = time.Minute
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 10 * time.Millisecond
	}
	if o.NewEncoder == nil {
		o.NewEncoder = func() (FrameEncoder, error) { return fakeEncoder{}, nil }
	}
	if o.NewDecoder == nil {
		o.NewDecoder = func() (FrameDecoder, error) { return fakeDecoder{}, nil }
	}
	return o.withDefaults()
}

func newTestConnection(t *testing.T, o Options) *Connection {
	t.Helper()
	opts := testOptions(t, o)
	c := newConnection("g1", &opts, nil)
	t.Cleanup(c.Close)
	return c
}

func loopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
