package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func TestNamesCachesUntilExpiry(t *testing.T) {
	calls := 0
	byID := func(id string) (string, error) {
		calls++
		if id == "missing" {
			return "", errors.New("unknown")
		}
		return "name-" + id, nil
	}
	n := newNames(byID, byID, byID)
	now := time.Unix(0, 0)
	n.now = func() time.Time { return now }

	if got := n.Guild("1"); got != "name-1" {
		t.Fatalf("Guild = %q", got)
	}
	n.Guild("1")
	if calls != 1 {
		t.Fatalf("expected cached lookup, calls = %d", calls)
	}
	if got := n.Channel("1"); got != "name-1" || calls != 2 {
		t.Fatalf("kinds must not share cache entries, calls = %d", calls)
	}

	now = now.Add(nameTTL + time.Second)
	n.Guild("1")
	if calls != 3 {
		t.Fatalf("expected refresh after ttl, calls = %d", calls)
	}
	if got := n.User("missing"); got != "" {
		t.Fatalf("failed lookup = %q", got)
	}
	if got := n.User(""); got != "" || calls != 4 {
		t.Fatalf("empty id should not be looked up, calls = %d", calls)
	}
}

func TestNilNames(t *testing.T) {
	var n *Names
	if n.User("1") != "" || n.Guild("1") != "" || n.Channel("1") != "" {
		t.Fatalf("nil resolver returned a name")
	}

	reg := &fakeRegistry{}
	a := New(reg, &fakeJoiner{}, "")
	a.SetSelf("bot")
	a.HandleVoiceState(&discordgo.VoiceState{GuildID: "g", ChannelID: "c", UserID: "bot", SessionID: "s"})
	a.HandleVoiceState(&discordgo.VoiceState{GuildID: "g", UserID: "bot", SessionID: "s"})
	if len(reg.calls) != 2 {
		t.Fatalf("expected both states routed without a names cache, got %v", reg.calls)
	}
}
