package gateway

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

const nameTTL = 5 * time.Minute

type lookup func(id string) (string, error)

type nameEntry struct {
	val    string
	expiry time.Time
}

// Names resolves guild, channel and user ids to display names for log
// lines, caching each answer for a few minutes. Failed lookups return "".
type Names struct {
	user, guild, channel lookup
	now                  func() time.Time

	mu    sync.Mutex
	cache map[string]nameEntry
}

// NewNames resolves through s, preferring its state cache.
func NewNames(s *discordgo.Session) *Names {
	return newNames(
		func(id string) (string, error) {
			u, err := s.User(id)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
		func(id string) (string, error) {
			if g, err := s.State.Guild(id); err == nil {
				return g.Name, nil
			}
			g, err := s.Guild(id)
			if err != nil {
				return "", err
			}
			return g.Name, nil
		},
		func(id string) (string, error) {
			if c, err := s.State.Channel(id); err == nil {
				return c.Name, nil
			}
			c, err := s.Channel(id)
			if err != nil {
				return "", err
			}
			return c.Name, nil
		},
	)
}

func newNames(user, guild, channel lookup) *Names {
	return &Names{user: user, guild: guild, channel: channel, now: time.Now, cache: make(map[string]nameEntry)}
}

// User, Guild and Channel return "" on a nil *Names.

func (n *Names) User(id string) string {
	if n == nil {
		return ""
	}
	return n.resolve("u:", id, n.user)
}

func (n *Names) Guild(id string) string {
	if n == nil {
		return ""
	}
	return n.resolve("g:", id, n.guild)
}

func (n *Names) Channel(id string) string {
	if n == nil {
		return ""
	}
	return n.resolve("c:", id, n.channel)
}

func (n *Names) resolve(kind, id string, fn lookup) string {
	if id == "" {
		return ""
	}
	key := kind + id
	n.mu.Lock()
	if e, ok := n.cache[key]; ok && n.now().Before(e.expiry) {
		n.mu.Unlock()
		return e.val
	}
	n.mu.Unlock()

	name, err := fn(id)
	if err != nil {
		return ""
	}
	n.mu.Lock()
	n.cache[key] = nameEntry{val: name, expiry: n.now().Add(nameTTL)}
	n.mu.Unlock()
	return name
}
