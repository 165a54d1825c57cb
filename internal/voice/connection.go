package voice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/notify"
	"github.com/discord-voice-bridge/internal/store"
)

// State is the signaling state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentified
	StateReady
	StateTransportSelected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateReady:
		return "ready"
	case StateTransportSelected:
		return "transport-selected"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Target is where a guild's connection should be.
type Target struct {
	ChannelID   string
	UserID      string
	SessionID   string
	Endpoint    string
	Token       string
	CallbackURL string
}

func (t Target) complete() bool {
	return t.ChannelID != "" && t.SessionID != "" && t.Endpoint != "" && t.Token != ""
}

// StateUpdate is a membership change for the bot user.
type StateUpdate struct {
	ChannelID   string
	UserID      string
	SessionID   string
	CallbackURL string
}

// Content is what the streamer should play. revision changes on every
// content update, so re-arming the same path restarts it.
type Content struct {
	Path     string
	Paused   bool
	revision uint64
}

// transport is the negotiated UDP leg of one generation. Immutable.
type transport struct {
	ssrc   uint32
	remote *net.UDPAddr
	mode   string
	key    []byte
	conn   *net.UDPConn
}

// generation is one signaling session and everything negotiated on it.
// Fields are guarded by the owning Connection's mu.
type generation struct {
	id         uint64
	sess       *session
	cancelDial context.CancelFunc
	stopping   bool
	quit       chan struct{}

	udp    *net.UDPConn
	ssrc   uint32
	remote *net.UDPAddr
	tr     *transport

	senders atomic.Pointer[map[uint32]string]

	listener *task
	streamer *task
	counted  bool
}

// setSender publishes a new ssrc map; readers never see a map change.
func (g *generation) setSender(ssrc uint32, userID string) {
	next := make(map[uint32]string)
	if old := g.senders.Load(); old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	next[ssrc] = userID
	g.senders.Store(&next)
}

func (g *generation) sender(ssrc uint32) (string, bool) {
	m := g.senders.Load()
	if m == nil {
		return "", false
	}
	u, ok := (*m)[ssrc]
	return u, ok
}

const (
	minRetryDelay = 100 * time.Millisecond
	restartDelay  = 100 * time.Millisecond
)

// Connection is one guild's voice connection. Mutation entry points are
// serialized by ctl; mu guards fields and is never held across I/O.
type Connection struct {
	guildID string
	opts    *Options
	log     logging.Logger
	limiter *rate.Limiter

	ctl    sync.Mutex
	saveMu sync.Mutex

	mu                sync.Mutex
	target            Target
	content           Content
	state             State
	gen               *generation
	nextGen           uint64
	heartbeatInterval time.Duration
	retries           int
	closed            bool

	// blocked is set by a no-reconnect close and cleared only by StateUpdate.
	blocked bool
}

func newConnection(guildID string, opts *Options, snap *store.Snapshot) *Connection {
	c := &Connection{
		guildID: guildID,
		opts:    opts,
		log:     logging.With(logging.GuildFields(guildID)...),
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectDelay), 1),
	}
	if snap != nil {
		c.target = Target{
			ChannelID:   snap.ChannelID,
			UserID:      snap.UserID,
			SessionID:   snap.SessionID,
			Endpoint:    snap.Endpoint,
			Token:       snap.Token,
			CallbackURL: snap.CallbackURL,
		}
		c.content = Content{Path: snap.ContentPath, Paused: snap.Paused}
		if snap.ContentPath != "" {
			c.content.revision = 1
		}
	}
	return c
}

func (c *Connection) GuildID() string { return c.guildID }

// live reports whether g is the active generation and not being torn down.
// c.mu must be held.
func (c *Connection) live(g *generation) bool {
	return c.gen == g && !g.stopping
}

// ServerUpdate records a voice server assignment. A changed endpoint or
// token restarts the signaling session.
func (c *Connection) ServerUpdate(endpoint, token string) {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	changed := c.target.Endpoint != endpoint || c.target.Token != token
	c.target.Endpoint, c.target.Token = endpoint, token
	c.mu.Unlock()

	c.persist()
	if changed {
		c.stop()
	}
	c.tryStart()
}

// StateUpdate records the bot's voice membership. Leaving the channel
// clears the server assignment too.
func (c *Connection) StateUpdate(u StateUpdate) {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	prev := c.target
	c.target.ChannelID = u.ChannelID
	c.target.UserID = u.UserID
	c.target.SessionID = u.SessionID
	if u.CallbackURL != "" {
		c.target.CallbackURL = u.CallbackURL
	}
	if u.ChannelID == "" {
		c.target.Endpoint, c.target.Token = "", ""
	}
	c.blocked = false
	changed := prev.ChannelID != c.target.ChannelID || prev.UserID != c.target.UserID ||
		prev.SessionID != c.target.SessionID || prev.Endpoint != c.target.Endpoint
	c.mu.Unlock()

	c.persist()
	if changed || u.ChannelID == "" {
		c.stop()
	}
	c.tryStart()
}

// ContentUpdate arms path for playback and clears pause. The signaling
// session is left alone.
func (c *Connection) ContentUpdate(path string) {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	c.content = Content{Path: path, revision: c.content.revision + 1}
	c.mu.Unlock()

	c.persist()
	c.tryStart()
}

func (c *Connection) Pause()  { c.setPaused(true) }
func (c *Connection) Resume() { c.setPaused(false) }

func (c *Connection) setPaused(paused bool) {
	c.mu.Lock()
	if c.content.Paused == paused {
		c.mu.Unlock()
		return
	}
	c.content.Paused = paused
	c.mu.Unlock()
	c.persist()
}

// Connecting reports a session that is open but not yet streaming.
func (c *Connection) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != nil && c.state != StateStreaming
}

// Connected reports an established transport.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != nil && c.state == StateStreaming
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Connection) Content() Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// Stop tears the connection down and keeps target and content. It is a
// no-op when nothing is open.
func (c *Connection) Stop() {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.stop()
}

// Close stops the connection for good.
func (c *Connection) Close() {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
}

// Start tries to connect with the current target.
func (c *Connection) Start() {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.tryStart()
}

// tryStart opens a signaling session if every precondition holds and none
// is open. c.ctl must be held.
func (c *Connection) tryStart() {
	c.mu.Lock()
	if c.closed || c.blocked || c.gen != nil || !c.target.complete() {
		c.mu.Unlock()
		return
	}
	c.nextGen++
	g := &generation{id: c.nextGen, quit: make(chan struct{})}
	c.gen = g
	c.state = StateConnecting
	target := c.target
	c.mu.Unlock()

	c.log.Infow("connection: starting", logging.Join(logging.ChannelFields(target.ChannelID), []interface{}{"generation", g.id})...)
	go c.runSession(g, target)
}

// stop tears down the active generation: both loops are stopped and joined
// before the socket and session close and the transport is dropped.
// c.ctl must be held.
func (c *Connection) stop() {
	c.mu.Lock()
	g := c.gen
	if g == nil {
		c.mu.Unlock()
		return
	}
	if !g.stopping {
		g.stopping = true
		close(g.quit)
	}
	listener, streamer := g.listener, g.streamer
	udp, sess, cancelDial := g.udp, g.sess, g.cancelDial
	counted := g.counted
	c.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	listener.stop()
	streamer.stop()
	if udp != nil {
		udp.Close()
	}
	listener.wait()
	streamer.wait()
	if sess != nil {
		sess.close(closeNormal)
	}

	c.mu.Lock()
	if c.gen == g {
		c.gen = nil
		c.state = StateDisconnected
		c.heartbeatInterval = 0
	}
	c.mu.Unlock()
	if counted {
		c.opts.Metrics.GroupDisconnected()
	}
	c.log.Infow("connection: stopped", "generation", g.id)
}

// sessionEnded handles the end of g's signaling connection.
func (c *Connection) sessionEnded(g *generation, code int) {
	c.mu.Lock()
	live := c.live(g)
	c.mu.Unlock()
	if !live {
		return
	}
	c.recover(g, code)
}

// recover tears g down and applies the close policy for code.
func (c *Connection) recover(g *generation, code int) {
	action := PolicyFor(code)

	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.mu.Lock()
	current := c.gen == g
	c.mu.Unlock()
	if !current {
		return
	}
	c.log.Warnw("signaling: session closed", "code", code, "policy", action.Policy.String(), "reason", action.Reason)
	c.stop()

	switch action.Policy {
	case RetrySameIdentity:
		c.scheduleRetry()
	case InvalidateCredential:
		c.invalidate(action.Invalidate)
	case NoReconnect:
		c.mu.Lock()
		c.blocked = true
		c.mu.Unlock()
	}
}

func (c *Connection) scheduleRetry() {
	c.mu.Lock()
	c.retries++
	exhausted := c.retries > c.opts.MaxRetries
	if exhausted {
		c.retries = 0
	}
	c.mu.Unlock()
	if exhausted {
		c.log.Warnw("connection: retries exhausted, requesting new credentials", "max_retries", c.opts.MaxRetries)
		c.emit(notify.Event{Kind: notify.ReconnectNeeded})
		return
	}
	delay := c.limiter.Reserve().Delay()
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	time.AfterFunc(delay, func() {
		c.ctl.Lock()
		defer c.ctl.Unlock()
		c.tryStart()
	})
}

func (c *Connection) invalidate(cred Credential) {
	c.mu.Lock()
	switch cred {
	case TokenCredential:
		c.target.Token = ""
	case SessionCredential:
		c.target.SessionID = ""
	case EndpointCredential:
		c.target.Endpoint = ""
	}
	c.mu.Unlock()
	c.log.Infow("connection: credential invalidated", "credential", cred.String())
	c.persist()
	c.emit(notify.Event{Kind: notify.ReconnectNeeded})
}

// supervise restarts loops of the live generation that exited on their own.
func (c *Connection) supervise(g *generation) {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live(g) || g.tr == nil {
		return
	}
	if g.listener.exited() {
		c.log.Warnw("supervisor: restarting listener", "generation", g.id)
		g.listener = c.spawnListener(g)
	}
	if g.streamer.exited() {
		c.log.Warnw("supervisor: restarting streamer", "generation", g.id)
		g.streamer = c.spawnStreamer(g)
	}
}

// watch restarts g's loops whenever one of them exits on its own, until g
// is torn down.
func (c *Connection) watch(g *generation) {
	for {
		c.mu.Lock()
		if !c.live(g) || g.listener == nil || g.streamer == nil {
			c.mu.Unlock()
			return
		}
		listenerDone, streamerDone := g.listener.done, g.streamer.done
		c.mu.Unlock()

		select {
		case <-g.quit:
			return
		case <-listenerDone:
		case <-streamerDone:
		}
		select {
		case <-g.quit:
			return
		case <-time.After(restartDelay):
		}
		c.supervise(g)
	}
}

func (c *Connection) spawnListener(g *generation) *task {
	return startTask("listener", func(stop <-chan struct{}) { c.runListener(g, stop) })
}

func (c *Connection) spawnStreamer(g *generation) *task {
	return startTask("streamer", func(stop <-chan struct{}) { c.runStreamer(g, stop) })
}

// emit fills in the guild's routing fields and hands e to the notifier.
func (c *Connection) emit(e notify.Event) {
	c.mu.Lock()
	e.GuildID = c.guildID
	if e.ChannelID == "" {
		e.ChannelID = c.target.ChannelID
	}
	e.CallbackURL = c.target.CallbackURL
	c.mu.Unlock()
	if e.CallbackURL == "" {
		e.CallbackURL = c.opts.DefaultCallbackURL
	}
	c.opts.Notifier.Notify(e)
}

// Snapshot returns the persistable view of the connection.
func (c *Connection) Snapshot() store.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return store.Snapshot{
		GuildID:     c.guildID,
		ChannelID:   c.target.ChannelID,
		UserID:      c.target.UserID,
		SessionID:   c.target.SessionID,
		Endpoint:    c.target.Endpoint,
		Token:       c.target.Token,
		CallbackURL: c.target.CallbackURL,
		ContentPath: c.content.Path,
		Paused:      c.content.Paused,
	}
}

// persist saves the current snapshot. Saves are serialized and each takes
// its snapshot inside the critical section, so the last write is current.
func (c *Connection) persist() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	snap := c.Snapshot()
	snap.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.Store.Save(ctx, snap); err != nil {
		c.log.Warnw("connection: persist snapshot", "err", err)
	}
}

// clearContent drops the source at revision rev once it is exhausted or
// unplayable. Newer content updates are left alone.
func (c *Connection) clearContent(rev uint64) {
	c.mu.Lock()
	if c.content.revision != rev || c.content.Path == "" {
		c.mu.Unlock()
		return
	}
	c.content.Path = ""
	c.content.Paused = false
	c.mu.Unlock()
	go c.persist()
}
