package voice

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/media"
	"github.com/discord-voice-bridge/internal/notify"
	"github.com/discord-voice-bridge/internal/store"
)

// Store persists connection snapshots.
type Store interface {
	Load(ctx context.Context, guildID string) (store.Snapshot, error)
	Save(ctx context.Context, snap store.Snapshot) error
	List(ctx context.Context) ([]store.Snapshot, error)
}

// Metrics receives engine counters.
type Metrics interface {
	StreamStarted(guildID string)
	AudioStreamed(guildID string, d time.Duration)
	RealtimeViolation(guildID string, over time.Duration)
	GroupConnected()
	GroupDisconnected()
	SegmentCaptured(guildID string)
}

// Finalizer turns a closed raw capture into an artifact handle.
type Finalizer interface {
	Finalize(ctx context.Context, seg media.RawSegment) (string, error)
}

type FrameEncoder interface {
	EncodeFrame(pcm []byte) ([]byte, error)
}

type FrameDecoder interface {
	DecodeFrame(frame []byte) []byte
}

// Source yields PCM frames of the fixed geometry.
type Source interface {
	ReadFrame(buf []byte) (int, error)
	Close() error
}

// Options configures every Connection a Registry creates. Zero fields take
// the defaults listed in withDefaults.
type Options struct {
	PortMin            int
	PortMax            int
	GatewayVersion     int
	LookAhead          time.Duration
	PauseThreshold     time.Duration
	IdleTimeout        time.Duration
	ReconnectDelay     time.Duration
	MaxRetries         int
	HandshakeTimeout   time.Duration
	RecordingDir       string
	DefaultCallbackURL string

	Store      Store
	Notifier   notify.Notifier
	Metrics    Metrics
	Finalizer  Finalizer
	Discoverer AddressDiscoverer
	Dialer     Dialer
	NewEncoder func() (FrameEncoder, error)
	NewDecoder func() (FrameDecoder, error)
	OpenSource func(path string) (Source, error)
}

func (o Options) withDefaults() Options {
	if o.PortMin == 0 {
		o.PortMin = 12346
	}
	if o.PortMax == 0 {
		o.PortMax = 65535
	}
	if o.GatewayVersion == 0 {
		o.GatewayVersion = 4
	}
	if o.LookAhead == 0 {
		o.LookAhead = time.Second
	}
	if o.PauseThreshold == 0 {
		o.PauseThreshold = time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RecordingDir == "" {
		o.RecordingDir = "/tmp/voice-bridge"
	}
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.Notifier == nil {
		o.Notifier = notify.Func(func(notify.Event) {})
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Finalizer == nil {
		o.Finalizer = media.NewFinalizer(o.RecordingDir, nil)
	}
	if o.Discoverer == nil {
		o.Discoverer = UDPDiscoverer{Timeout: 5 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{Dialer: websocket.DefaultDialer}
	}
	if o.NewEncoder == nil {
		o.NewEncoder = func() (FrameEncoder, error) {
			enc, err := audio.NewEncoder()
			if err != nil {
				return nil, err
			}
			return enc, nil
		}
	}
	if o.NewDecoder == nil {
		o.NewDecoder = func() (FrameDecoder, error) {
			dec, err := audio.NewDecoder()
			if err != nil {
				return nil, err
			}
			return dec, nil
		}
	}
	if o.OpenSource == nil {
		o.OpenSource = func(path string) (Source, error) {
			src, err := audio.OpenSource(path)
			if err != nil {
				return nil, err
			}
			return src, nil
		}
	}
	return o
}

type noopMetrics struct{}

func (noopMetrics) StreamStarted(string)                    {}
func (noopMetrics) AudioStreamed(string, time.Duration)     {}
func (noopMetrics) RealtimeViolation(string, time.Duration) {}
func (noopMetrics) GroupConnected()                         {}
func (noopMetrics) GroupDisconnected()                      {}
func (noopMetrics) SegmentCaptured(string)                  {}
