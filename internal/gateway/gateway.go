// Package gateway feeds the bot's own voice state and voice server events
// from the Discord gateway into the voice registry, and asks the gateway
// for fresh voice credentials when the engine needs them.
package gateway

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/notify"
	"github.com/discord-voice-bridge/internal/voice"
)

// Registry is the part of voice.Registry the adapter drives.
type Registry interface {
	StateUpdate(guildID string, u voice.StateUpdate)
	ServerUpdate(guildID, endpoint, token string)
}

// VoiceJoiner sends voice state updates to the main gateway.
// *discordgo.Session implements it.
type VoiceJoiner interface {
	ChannelVoiceJoinManual(guildID, channelID string, mute, deaf bool) error
}

type Adapter struct {
	reg         Registry
	joiner      VoiceJoiner
	callbackURL string
	names       *Names

	mu     sync.RWMutex
	selfID string
}

// New returns an adapter; callbackURL is attached to every membership
// update it routes and may be empty.
func New(reg Registry, joiner VoiceJoiner, callbackURL string) *Adapter {
	return &Adapter{reg: reg, joiner: joiner, callbackURL: callbackURL}
}

// Register installs the adapter's handlers on s.
func (a *Adapter) Register(s *discordgo.Session) {
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			a.SetSelf(r.User.ID)
		}
	})
	s.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if a.self() == "" && s.State != nil && s.State.User != nil {
			a.SetSelf(s.State.User.ID)
		}
		a.HandleVoiceState(vs.VoiceState)
	})
	s.AddHandler(func(_ *discordgo.Session, vs *discordgo.VoiceServerUpdate) {
		a.HandleVoiceServer(vs)
	})
}

// WithNames adds display names to the adapter's log lines.
func (a *Adapter) WithNames(n *Names) *Adapter {
	a.names = n
	return a
}

// SetSelf sets the bot user id; only its events are routed.
func (a *Adapter) SetSelf(userID string) {
	a.mu.Lock()
	a.selfID = userID
	a.mu.Unlock()
}

func (a *Adapter) self() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID
}

func (a *Adapter) HandleVoiceState(vs *discordgo.VoiceState) {
	if vs == nil || vs.UserID == "" || vs.UserID != a.self() {
		return
	}
	fields := logging.Join(logging.GuildFields(vs.GuildID), logging.ChannelFields(vs.ChannelID))
	if vs.ChannelID == "" {
		logging.Infow("gateway: left voice", logging.Join(fields, []interface{}{"guild.name", a.names.Guild(vs.GuildID)})...)
	} else {
		logging.Infow("gateway: in voice channel", logging.Join(fields, []interface{}{"guild.name", a.names.Guild(vs.GuildID), "channel.name", a.names.Channel(vs.ChannelID)})...)
	}
	a.reg.StateUpdate(vs.GuildID, voice.StateUpdate{
		ChannelID:   vs.ChannelID,
		UserID:      vs.UserID,
		SessionID:   vs.SessionID,
		CallbackURL: a.callbackURL,
	})
}

func (a *Adapter) HandleVoiceServer(vs *discordgo.VoiceServerUpdate) {
	if vs == nil || vs.GuildID == "" {
		return
	}
	logging.Debugw("gateway: voice server", logging.Join(logging.GuildFields(vs.GuildID), []interface{}{"endpoint", vs.Endpoint})...)
	a.reg.ServerUpdate(vs.GuildID, vs.Endpoint, vs.Token)
}

// Join asks the gateway to move the bot into channelID.
func (a *Adapter) Join(guildID, channelID string) error {
	return a.joiner.ChannelVoiceJoinManual(guildID, channelID, false, false)
}

// Leave asks the gateway to take the bot out of voice in guildID.
func (a *Adapter) Leave(guildID string) error {
	return a.joiner.ChannelVoiceJoinManual(guildID, "", false, false)
}

// Rejoin leaves and re-enters channelID so the gateway issues a new session
// and voice server assignment.
func (a *Adapter) Rejoin(guildID, channelID string) error {
	if err := a.Leave(guildID); err != nil {
		return err
	}
	return a.Join(guildID, channelID)
}

// ReconnectNotifier rejoins the channel named by every reconnect-needed
// event. Other events are ignored.
func (a *Adapter) ReconnectNotifier() notify.Notifier {
	return notify.Func(func(e notify.Event) {
		if e.Kind != notify.ReconnectNeeded || e.GuildID == "" || e.ChannelID == "" {
			return
		}
		go func() {
			fields := logging.Join(logging.GuildFields(e.GuildID), logging.ChannelFields(e.ChannelID))
			if err := a.Rejoin(e.GuildID, e.ChannelID); err != nil {
				logging.Warnw("gateway: rejoin failed", logging.Join(fields, []interface{}{"err", err})...)
				return
			}
			logging.Infow("gateway: rejoined for fresh credentials", fields...)
		}()
	})
}
