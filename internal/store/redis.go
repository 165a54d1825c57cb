package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis stores each snapshot as a JSON string under prefix+guildID and keeps
// the set of known guilds under prefix+"index".
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "voice:snapshot:"
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *Redis) key(guildID string) string { return s.prefix + guildID }
func (s *Redis) indexKey() string          { return s.prefix + "index" }

func (s *Redis) Load(ctx context.Context, guildID string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(guildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", guildID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", guildID, err)
	}
	return snap, nil
}

func (s *Redis) Save(ctx context.Context, snap Snapshot) error {
	if snap.GuildID == "" {
		return errors.New("store: snapshot without guild id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.GuildID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(snap.GuildID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), snap.GuildID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.GuildID, err)
	}
	return nil
}

func (s *Redis) List(ctx context.Context) ([]Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", ids[i], err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Redis) Delete(ctx context.Context, guildID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(guildID))
		pipe.SRem(ctx, s.indexKey(), guildID)
		return nil
	})
	return err
}
