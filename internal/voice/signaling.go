package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-bridge/internal/packet"
)

// Voice gateway opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opHello              = 8
	opClientConnect      = 12
	opClientDisconnect   = 13
	opClientFlags        = 18
)

const (
	encryptionMode = "xsalsa20_poly1305"
	writeTimeout   = 5 * time.Second
	discoveryTime  = 5 * time.Second
)

type inFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type outFrame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloPayload struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type identifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type readyPayload struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionPayload struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

type speakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

type clientPayload struct {
	UserID string `json:"user_id"`
}

// SignalConn is the subset of *websocket.Conn the engine uses.
type SignalConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens signaling connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (SignalConn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (SignalConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// session serializes writes to one signaling connection.
type session struct {
	conn      SignalConn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (s *session) send(op int, d any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(outFrame{Op: op, D: d})
}

func (s *session) close(code int) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		s.mu.Unlock()
		s.conn.Close()
	})
}

func closeCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return closeAbnormal
}

// runSession dials the voice gateway and pumps inbound messages until the
// connection ends.
func (c *Connection) runSession(g *generation, target Target) {
	url, err := gatewayURL(target.Endpoint, c.opts.GatewayVersion)
	if err != nil {
		c.log.Warnw("signaling: bad endpoint", "endpoint", target.Endpoint, "err", err)
		c.sessionEnded(g, 4011)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	c.mu.Lock()
	if !c.live(g) {
		c.mu.Unlock()
		cancel()
		return
	}
	g.cancelDial = cancel
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, url)
	cancel()
	if err != nil {
		c.log.Warnw("signaling: dial failed", "url", url, "err", err)
		c.sessionEnded(g, closeHandshake)
		return
	}
	sess := &session{conn: conn}
	if !c.attach(g, sess) {
		sess.close(closeNormal)
		return
	}
	c.log.Infow("signaling: connected", "url", url, "generation", g.id)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.sessionEnded(g, closeCodeOf(err))
			return
		}
		c.dispatch(g, sess, data)
	}
}

func (c *Connection) attach(g *generation, sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live(g) {
		return false
	}
	g.sess = sess
	return true
}

func (c *Connection) dispatch(g *generation, sess *session, data []byte) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Debugw("signaling: undecodable message", "err", err)
		return
	}
	switch f.Op {
	case opHello:
		var p helloPayload
		if err := json.Unmarshal(f.D, &p); err != nil {
			c.log.Warnw("signaling: bad hello", "err", err)
			return
		}
		c.onHello(g, sess, p)
	case opReady:
		var p readyPayload
		if err := json.Unmarshal(f.D, &p); err != nil {
			c.log.Warnw("signaling: bad ready", "err", err)
			return
		}
		c.onReady(g, sess, p)
	case opSessionDescription:
		var p sessionDescriptionPayload
		if err := json.Unmarshal(f.D, &p); err != nil {
			c.log.Warnw("signaling: bad session description", "err", err)
			return
		}
		c.onSessionDescription(g, sess, p)
	case opSpeaking:
		var p speakingPayload
		if err := json.Unmarshal(f.D, &p); err != nil {
			c.log.Debugw("signaling: bad speaking", "err", err)
			return
		}
		c.onSpeaking(g, p)
	case opHeartbeatAck:
		c.log.Debugw("signaling: heartbeat ack")
		c.supervise(g)
	case opClientConnect, opClientFlags:
		var p clientPayload
		json.Unmarshal(f.D, &p)
		c.log.Infow("signaling: client connected", "user.id", p.UserID)
	case opClientDisconnect:
		var p clientPayload
		json.Unmarshal(f.D, &p)
		c.log.Infow("signaling: client disconnected", "user.id", p.UserID)
	default:
		c.log.Debugw("signaling: ignoring opcode", "op", f.Op)
	}
}

func (c *Connection) onHello(g *generation, sess *session, p helloPayload) {
	c.mu.Lock()
	if !c.live(g) {
		c.mu.Unlock()
		return
	}
	c.heartbeatInterval = time.Duration(p.HeartbeatInterval * float64(time.Millisecond))
	t := c.target
	c.state = StateIdentified
	c.mu.Unlock()

	err := sess.send(opIdentify, identifyPayload{
		ServerID:  c.guildID,
		UserID:    t.UserID,
		SessionID: t.SessionID,
		Token:     t.Token,
	})
	if err != nil {
		c.log.Warnw("signaling: identify failed", "err", err)
	}
}

// onReady opens the UDP socket, learns our public address and selects the
// transport. The socket lives in the generation until teardown.
func (c *Connection) onReady(g *generation, sess *session, p readyPayload) {
	if !slices.Contains(p.Modes, encryptionMode) {
		c.log.Errorw("signaling: server offers no supported encryption mode", "modes", p.Modes)
		c.recover(g, closeNoMode)
		return
	}
	remote := &net.UDPAddr{IP: net.ParseIP(p.IP), Port: p.Port}
	if remote.IP == nil {
		c.log.Warnw("signaling: ready with bad address", "ip", p.IP)
		c.recover(g, closeAddressFail)
		return
	}
	c.mu.Lock()
	live := c.live(g) && g.udp == nil
	c.mu.Unlock()
	if !live {
		return
	}

	conn, err := bindUDP(c.opts.PortMin, c.opts.PortMax)
	if err != nil {
		c.log.Errorw("transport: bind failed", "err", err)
		c.recover(g, closeAddressFail)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTime)
	ip, port, err := c.opts.Discoverer.Discover(ctx, conn, remote, p.SSRC)
	cancel()
	if err != nil {
		conn.Close()
		c.log.Errorw("transport: address discovery failed", "err", err)
		c.recover(g, closeAddressFail)
		return
	}

	c.mu.Lock()
	if !c.live(g) {
		c.mu.Unlock()
		conn.Close()
		return
	}
	g.udp = conn
	g.ssrc = p.SSRC
	g.remote = remote
	c.state = StateReady
	c.mu.Unlock()
	c.log.Infow("transport: socket bound", "local_port", localPort(conn), "public_ip", ip, "public_port", port, "ssrc", p.SSRC)

	err = sess.send(opSelectProtocol, selectProtocolPayload{
		Protocol: "udp",
		Data:     selectProtocolData{Address: ip, Port: port, Mode: encryptionMode},
	})
	if err != nil {
		c.log.Warnw("signaling: select protocol failed", "err", err)
		return
	}
	c.mu.Lock()
	if c.live(g) {
		c.state = StateTransportSelected
	}
	c.mu.Unlock()
}

// onSessionDescription completes the transport and starts both loops.
func (c *Connection) onSessionDescription(g *generation, sess *session, p sessionDescriptionPayload) {
	if len(p.SecretKey) != packet.KeySize {
		c.log.Errorw("signaling: session description with bad key", "key_len", len(p.SecretKey))
		return
	}
	key := make([]byte, packet.KeySize)
	for i, b := range p.SecretKey {
		key[i] = byte(b)
	}

	c.mu.Lock()
	if !c.live(g) || g.udp == nil || g.tr != nil {
		c.mu.Unlock()
		return
	}
	g.tr = &transport{ssrc: g.ssrc, remote: g.remote, mode: p.Mode, key: key, conn: g.udp}
	c.state = StateStreaming
	c.retries = 0
	g.counted = true
	ssrc := g.ssrc
	c.mu.Unlock()

	c.opts.Metrics.GroupConnected()
	c.log.Infow("transport: established", "mode", p.Mode, "ssrc", ssrc)
	if err := sess.send(opSpeaking, speakingPayload{Speaking: 1, Delay: 0, SSRC: ssrc}); err != nil {
		c.log.Warnw("signaling: speaking failed", "err", err)
	}

	c.mu.Lock()
	started := c.live(g)
	if started {
		g.listener = c.spawnListener(g)
		g.streamer = c.spawnStreamer(g)
	}
	c.mu.Unlock()
	if started {
		go c.watch(g)
	}
}

func (c *Connection) onSpeaking(g *generation, p speakingPayload) {
	if p.UserID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live(g) {
		return
	}
	g.setSender(p.SSRC, p.UserID)
}
