// Package notify delivers engine events to the control plane's callback URL.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/discord-voice-bridge/internal/logging"
)

type Kind string

const (
	PlaybackFinished Kind = "voice_playback_finished"
	ReconnectNeeded  Kind = "voice_reconnect"
	SegmentCaptured  Kind = "voice_audio"
)

// Event is posted as JSON to CallbackURL.
type Event struct {
	Kind         Kind    `json:"event"`
	CallbackURL  string  `json:"-"`
	GuildID      string  `json:"guild_id"`
	ChannelID    string  `json:"channel_id,omitempty"`
	UserID       string  `json:"user_id,omitempty"`
	Nonce        string  `json:"nonce,omitempty"`
	Artifact     string  `json:"artifact,omitempty"`
	DurationSecs float64 `json:"duration_secs,omitempty"`
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(Event)
}

// Func adapts a function to Notifier.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}

// Options bound delivery of a single event.
type Options struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 10 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = time.Minute
	}
	return o
}

// HTTPNotifier posts events in the background, retrying with capped
// exponential backoff. Failures are logged and dropped.
type HTTPNotifier struct {
	client *http.Client
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHTTPNotifier(client *http.Client, opts Options) *HTTPNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPNotifier{client: client, opts: opts.withDefaults(), ctx: ctx, cancel: cancel}
}

func (n *HTTPNotifier) Notify(e Event) {
	if e.CallbackURL == "" {
		logging.Debugw("notify: no callback url, dropping event", "event", e.Kind, "guild.id", e.GuildID)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(e)
	}()
}

func (n *HTTPNotifier) deliver(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		logging.Errorw("notify: encode event", "event", e.Kind, "err", err)
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.opts.InitialInterval
	b.MaxInterval = n.opts.MaxInterval
	b.MaxElapsedTime = n.opts.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		return n.post(e.CallbackURL, body)
	}
	onRetry := func(err error, wait time.Duration) {
		logging.Debugw("notify: post failed, retrying", "event", e.Kind, "attempt", attempt, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, n.ctx), onRetry); err != nil {
		logging.Warnw("notify: giving up on event", "event", e.Kind, "guild.id", e.GuildID, "attempts", attempt, "err", err)
		return
	}
	logging.Debugw("notify: delivered", "event", e.Kind, "guild.id", e.GuildID, "attempts", attempt)
}

func (n *HTTPNotifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("callback returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("callback returned %s", resp.Status))
	}
}

// Close waits for in-flight deliveries until ctx ends, then abandons them.
func (n *HTTPNotifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
