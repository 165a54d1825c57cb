package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

type snapshotStore interface {
	Load(ctx context.Context, guildID string) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	List(ctx context.Context) ([]Snapshot, error)
	Delete(ctx context.Context, guildID string) error
}

func stores(t *testing.T) map[string]snapshotStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]snapshotStore{
		"memory": NewMemory(),
		"redis":  NewRedis(client, "test:"),
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load(ctx, "g1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load missing: got %v", err)
			}

			a := Snapshot{GuildID: "g1", ChannelID: "c", UserID: "u", SessionID: "s", Endpoint: "e", Token: "t", CallbackURL: "http://cb", ContentPath: "/a.wav", Paused: true, UpdatedAt: ts}
			b := Snapshot{GuildID: "g0", ChannelID: "c0", UpdatedAt: ts}
			for _, snap := range []Snapshot{a, b} {
				if err := s.Save(ctx, snap); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}

			got, err := s.Load(ctx, "g1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(a, got); diff != "" {
				t.Fatalf("Load mismatch (-want +got):\n%s", diff)
			}

			all, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if diff := cmp.Diff([]Snapshot{b, a}, all); diff != "" {
				t.Fatalf("List mismatch (-want +got):\n%s", diff)
			}

			a.Paused = false
			if err := s.Save(ctx, a); err != nil {
				t.Fatalf("Save overwrite: %v", err)
			}
			got, _ = s.Load(ctx, "g1")
			if got.Paused {
				t.Fatalf("overwrite not applied")
			}

			if err := s.Delete(ctx, "g0"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			all, _ = s.List(ctx)
			if len(all) != 1 || all[0].GuildID != "g1" {
				t.Fatalf("after delete: %+v", all)
			}

			if err := s.Save(ctx, Snapshot{}); err == nil {
				t.Fatalf("expected error for empty guild id")
			}
		})
	}
}

func TestRedisLoadCorrupt(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Set("p:g", "{not json")
	if _, err := NewRedis(client, "p:").Load(context.Background(), "g"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := DialRedis(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	client.Close()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := DialRedis(ctx, addr, "", 0); err == nil {
		t.Fatalf("expected dial error after shutdown")
	}
}
