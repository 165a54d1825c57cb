package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const bindAttempts = 64

// bindUDP listens on a random port in [min, max].
func bindUDP(min, max int) (*net.UDPConn, error) {
	if min < 1 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port := min + rand.IntN(max-min+1)
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free UDP port in %d-%d after %d attempts: %w", min, max, bindAttempts, lastErr)
}

// AddressDiscoverer finds the address the voice server should send to.
type AddressDiscoverer interface {
	Discover(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, ssrc uint32) (ip string, port int, err error)
}

// StaticDiscoverer reports a fixed IP and the socket's own port.
type StaticDiscoverer struct {
	IP string
}

func (s StaticDiscoverer) Discover(_ context.Context, conn *net.UDPConn, _ *net.UDPAddr, _ uint32) (string, int, error) {
	return s.IP, localPort(conn), nil
}

func localPort(conn *net.UDPConn) int {
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// HTTPDiscoverer asks a "what is my IP" endpoint and pairs the answer with
// the socket's own port.
type HTTPDiscoverer struct {
	URL    string
	Client *http.Client
}

func (h HTTPDiscoverer) Discover(ctx context.Context, conn *net.UDPConn, _ *net.UDPAddr, _ uint32) (string, int, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("public address lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("public address lookup: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", 0, err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", 0, fmt.Errorf("public address lookup returned %q", ip)
	}
	return ip, localPort(conn), nil
}

const (
	discoveryRequest  = 0x1
	discoveryResponse = 0x2
	discoveryLen      = 74
)

// UDPDiscoverer runs voice IP discovery on the bound socket: the server
// echoes the address and port it sees the request coming from.
type UDPDiscoverer struct {
	Timeout time.Duration
}

func (u UDPDiscoverer) Discover(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, ssrc uint32) (string, int, error) {
	req := make([]byte, discoveryLen)
	binary.BigEndian.PutUint16(req[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(req[2:4], discoveryLen-4)
	binary.BigEndian.PutUint32(req[4:8], ssrc)

	timeout := u.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", 0, err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteToUDP(req, remote); err != nil {
		return "", 0, fmt.Errorf("ip discovery send: %w", err)
	}
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return "", 0, fmt.Errorf("ip discovery receive: %w", err)
		}
		if !from.IP.Equal(remote.IP) || n < discoveryLen || binary.BigEndian.Uint16(buf[0:2]) != discoveryResponse {
			continue
		}
		return parseDiscovery(buf[:n])
	}
}

func parseDiscovery(b []byte) (string, int, error) {
	addr := b[8:72]
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	ip := string(addr)
	if net.ParseIP(ip) == nil {
		return "", 0, errors.New("ip discovery: malformed address")
	}
	return ip, int(binary.BigEndian.Uint16(b[72:74])), nil
}

// gatewayURL turns a voice server endpoint into a dialable websocket URL
// pinned to version v.
func gatewayURL(endpoint string, v int) (string, error) {
	switch {
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	default:
		endpoint = "wss://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse voice endpoint: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(v))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
