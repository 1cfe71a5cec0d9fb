// Package discovery implements the client side of the Turms discovery
// relay protocol: authenticating over HTTP to obtain a JWT, then joining a
// Phoenix-framed WebSocket channel used to exchange signaling messages with
// other peers.
package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turms-labs/turms-go/pkg/turmserr"
)

const (
	socketPath         = "/socket/websocket"
	authPath           = "/api/auth"
	heartbeatInterval  = 45 * time.Second
	maxQueuedOutbound  = 32
)

// Client manages one authenticated connection to a discovery relay: it
// owns the WebSocket, a bounded outbound queue drained by a single writer
// goroutine, a heartbeat ticker and a monotonic reference counter for
// Phoenix frames.
type Client struct {
	url *url.URL

	conn   *websocket.Conn
	outbox chan []byte
	ref    atomic.Uint64

	// Incoming carries every application-level payload delivered on the
	// joined channel, decoded from its Phoenix envelope. Signaling events
	// for specific peers are distinguished by their payload shape, not by
	// topic, since this relay only ever uses a single lobby channel.
	Incoming chan json.RawMessage

	done chan struct{}
}

// New parses turmsURL (e.g. "wss://turms.example.com") without connecting.
func New(turmsURL string) (*Client, error) {
	u, err := url.Parse(turmsURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: parsing url: %w", err)
	}
	return &Client{
		url:      u,
		outbox:   make(chan []byte, maxQueuedOutbound),
		Incoming: make(chan json.RawMessage, maxQueuedOutbound),
		done:     make(chan struct{}),
	}, nil
}

func (c *Client) scheme(base string) string {
	switch c.url.Scheme {
	case "https", "wss":
		return base + "s"
	default:
		return base
	}
}

func (c *Client) host() string {
	if c.url.Port() != "" {
		return c.url.Hostname() + ":" + c.url.Port()
	}
	return c.url.Hostname()
}

// authenticate posts vanity/password to the relay's auth endpoint and
// returns the JWT to use for the WebSocket upgrade.
func (c *Client) authenticate(vanity string, password *string) (string, error) {
	body, err := json.Marshal(authRequest{Vanity: vanity, Password: password})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s://%s%s", c.scheme("http"), c.host(), authPath)
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("discovery: auth request: %w", err)
	}
	defer resp.Body.Close()

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("discovery: decoding auth response: %w", err)
	}

	if parsed.Status != authStatusSuccess || parsed.Data == "" {
		return "", turmserr.ErrAuthenticationFailed
	}
	return parsed.Data, nil
}

// Connect authenticates, upgrades to a WebSocket, joins the lobby channel
// and starts the reader, writer and heartbeat goroutines. It returns once
// the channel join has been sent; inbound traffic arrives on c.Incoming.
func (c *Client) Connect(vanity string, password *string) error {
	token, err := c.authenticate(vanity, password)
	if err != nil {
		return err
	}

	socketURL := fmt.Sprintf("%s://%s%s?token=%s", c.scheme("ws"), c.host(), socketPath, url.QueryEscape(token))
	conn, _, err := websocket.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		return fmt.Errorf("discovery: dialing websocket: %w", err)
	}
	c.conn = conn

	// The join frame is always sent with ref 0; every later frame takes its
	// ref from c.ref, starting at 1.
	join, err := newFrame(eventJoin, "", 0)
	if err != nil {
		return err
	}
	raw, err := join.encode()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("discovery: sending join: %w", err)
	}

	go c.writeLoop()
	go c.readLoop()
	go c.heartbeatLoop()

	return nil
}

// Send enqueues a payload for delivery on the lobby channel. It blocks if
// the outbound queue is full, applying back-pressure to the caller rather
// than dropping traffic.
func (c *Client) Send(payload any) error {
	f, err := newFrame("", payload, c.ref.Add(1))
	if err != nil {
		return err
	}
	raw, err := f.encode()
	if err != nil {
		return err
	}

	select {
	case c.outbox <- raw:
		return nil
	case <-c.done:
		return turmserr.ErrConnectionClosed
	}
}

// Close tears down the connection and stops all background goroutines.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) writeLoop() {
	for {
		select {
		case raw := <-c.outbox:
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Printf("discovery: write failed: %v", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.Incoming)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("discovery: read failed: %v", err)
				close(c.done)
			}
			return
		}

		f, err := decodeFrame(raw)
		if err != nil {
			log.Printf("discovery: malformed frame: %v", err)
			continue
		}

		select {
		case c.Incoming <- f.Payload:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				log.Printf("discovery: heartbeat send failed: %v", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) sendHeartbeat() error {
	f, err := newFrame(eventHeartbeat, struct{}{}, c.ref.Add(1))
	if err != nil {
		return err
	}
	raw, err := f.encode()
	if err != nil {
		return err
	}

	select {
	case c.outbox <- raw:
		return nil
	case <-c.done:
		return turmserr.ErrConnectionClosed
	}
}
