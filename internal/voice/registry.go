// Package voice runs per-guild voice connections: the signaling state
// machine, the outbound streamer, the inbound listener with per-speaker
// reconstruction, and the close-code driven recovery policy.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/store"
)

// ErrNotConnected is returned by AwaitConnected when the transport never
// came up.
var ErrNotConnected = errors.New("voice: not connected")

// Registry owns one Connection per guild. Its lock guards only the map.
type Registry struct {
	opts Options

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts.withDefaults(), conns: make(map[string]*Connection)}
}

// Connection returns the guild's connection, creating it from its stored
// snapshot on first use.
func (r *Registry) Connection(guildID string) *Connection {
	r.mu.Lock()
	c, ok := r.conns[guildID]
	r.mu.Unlock()
	if ok {
		return c
	}

	var snap *store.Snapshot
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s, err := r.opts.Store.Load(ctx, guildID)
	cancel()
	switch {
	case err == nil:
		snap = &s
	case !errors.Is(err, store.ErrNotFound):
		logging.Warnw("registry: load snapshot", logging.Join(logging.GuildFields(guildID), []interface{}{"err", err})...)
	}
	return r.insert(guildID, snap)
}

func (r *Registry) insert(guildID string, snap *store.Snapshot) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[guildID]; ok {
		return c
	}
	c := newConnection(guildID, &r.opts, snap)
	if r.closed {
		c.closed = true
	}
	r.conns[guildID] = c
	return c
}

func (r *Registry) ServerUpdate(guildID, endpoint, token string) {
	r.Connection(guildID).ServerUpdate(endpoint, token)
}

func (r *Registry) StateUpdate(guildID string, u StateUpdate) {
	r.Connection(guildID).StateUpdate(u)
}

func (r *Registry) ContentUpdate(guildID, path string) {
	r.Connection(guildID).ContentUpdate(path)
}

func (r *Registry) Pause(guildID string)  { r.Connection(guildID).Pause() }
func (r *Registry) Resume(guildID string) { r.Connection(guildID).Resume() }

func (r *Registry) Connected(guildID string) bool {
	r.mu.Lock()
	c, ok := r.conns[guildID]
	r.mu.Unlock()
	return ok && c.Connected()
}

func (r *Registry) Connecting(guildID string) bool {
	r.mu.Lock()
	c, ok := r.conns[guildID]
	r.mu.Unlock()
	return ok && c.Connecting()
}

// AwaitConnected polls until the guild's transport is up, attempts run out
// or ctx ends.
func (r *Registry) AwaitConnected(ctx context.Context, guildID string, attempts int, interval time.Duration) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts)), ctx)
	return backoff.Retry(func() error {
		if r.Connected(guildID) {
			return nil
		}
		return ErrNotConnected
	}, b)
}

func (r *Registry) Snapshot(guildID string) store.Snapshot {
	return r.Connection(guildID).Snapshot()
}

// Guilds lists every guild with a connection, sorted.
func (r *Registry) Guilds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Restore rebuilds a connection for every stored snapshot and tries to
// start each one.
func (r *Registry) Restore(ctx context.Context) error {
	snaps, err := r.opts.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	g, _ := errgroup.WithContext(ctx)
	for i := range snaps {
		snap := snaps[i]
		g.Go(func() error {
			c := r.insert(snap.GuildID, &snap)
			c.Start()
			return nil
		})
	}
	g.Wait()
	logging.Infow("registry: restored connections", "count", len(snaps))
	return nil
}

// Shutdown closes every connection concurrently. In-flight recordings are
// flushed and finalized before it returns.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			c.Close()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
