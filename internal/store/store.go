// Package store persists per-guild connection snapshots so a restarted
// process can resume where it left off.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Load for a guild with no snapshot.
var ErrNotFound = errors.New("store: snapshot not found")

// Snapshot is the persisted view of one guild's connection: where it should
// be connected and what it should be playing.
type Snapshot struct {
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Token       string    `json:"token,omitempty"`
	CallbackURL string    `json:"callback_url,omitempty"`
	ContentPath string    `json:"content_path,omitempty"`
	Paused      bool      `json:"paused,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Memory keeps snapshots in process memory.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Snapshot
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]Snapshot)}
}

func (s *Memory) Load(_ context.Context, guildID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.m[guildID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *Memory) Save(_ context.Context, snap Snapshot) error {
	if snap.GuildID == "" {
		return errors.New("store: snapshot without guild id")
	}
	s.mu.Lock()
	s.m[snap.GuildID] = snap
	s.mu.Unlock()
	return nil
}

// List returns every snapshot ordered by guild id.
func (s *Memory) List(_ context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.m))
	for _, snap := range s.m {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out, nil
}

func (s *Memory) Delete(_ context.Context, guildID string) error {
	s.mu.Lock()
	delete(s.m, guildID)
	s.mu.Unlock()
	return nil
}
