// Package client provides a reusable WebSocket load test client for the
// QuikChat broker. It connects using gobwas/ws (the same library the server
// uses), performs the register -> registered handshake, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister    = "register"
	TypeFindPartner = "find_partner"
	TypeCancelFind  = "cancel_find"
	TypeSignal      = "signal"
	TypeChat        = "chat"
	TypeNextPartner = "next_partner"
	TypeEndCall     = "end_call"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeRegistered   = "registered"
	TypePartnerFound = "partner_found"
	TypeWaiting      = "waiting"
	TypePartnerLeft  = "partner_left"
	TypeOnlineCount  = "online_count"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data. RegisterLatency covers the
// full handshake: dial through the registered ack.
type Metrics struct {
	ConnectLatency   time.Duration
	RegisterLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Options configures the simulated user. Zero-value fields get defaults: a
// random user ID and an "any"-everything profile.
type Options struct {
	UserID   string
	Username string
	Gender   string
	Country  string
	Language string
}

// Client represents a single simulated user connection to the broker. It
// manages the WebSocket lifecycle, dispatches incoming messages to registered
// handlers, and performs the register handshake automatically.
type Client struct {
	conn      net.Conn
	userID    string
	dialedAt  time.Time
	mu        sync.Mutex
	connID    string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately, a background goroutine begins
// reading messages, and a register message is sent. Use WaitForRegistered to
// block until the server acknowledges the registration.
func New(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.UserID == "" {
		opts.UserID = uuid.New().String()
	}
	if opts.Username == "" {
		opts.Username = fmt.Sprintf("loadtest-%s", opts.UserID[:8])
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   opts.UserID,
		dialedAt: start,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages before the handshake so the registered ack is
	// not lost.
	go c.readLoop()

	err = c.Send(map[string]interface{}{
		"type":     TypeRegister,
		"user_id":  opts.UserID,
		"username": opts.Username,
		"profile": map[string]string{
			"gender":   opts.Gender,
			"country":  opts.Country,
			"language": opts.Language,
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForRegistered blocks until the server has acknowledged the register
// message or the context is cancelled. This is useful for coordinating load
// test phases that depend on the handshake being complete.
func (c *Client) WaitForRegistered(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before registration was acknowledged")
		case <-ticker.C:
			c.mu.Lock()
			registered := c.connID != ""
			c.mu.Unlock()
			if registered {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user ID this client registered with.
func (c *Client) UserID() string {
	return c.userID
}

// ConnectionID returns the connection ID assigned by the server, or an empty
// string if the handshake has not completed yet.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle the registered ack internally so WaitForRegistered works
		// without the caller wiring a handler.
		if envelope.Type == TypeRegistered {
			var msg struct {
				ConnectionID string `json:"connection_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.ConnectionID != "" {
				c.mu.Lock()
				if c.connID == "" {
					c.metrics.RegisterLatency = time.Since(c.dialedAt)
				}
				c.connID = msg.ConnectionID
				c.mu.Unlock()
			}
		}

		// Dispatch to registered handler if one exists.
		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
