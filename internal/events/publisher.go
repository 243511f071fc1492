// Package events publishes broker lifecycle events to NATS for out-of-process
// consumers (dashboards, analytics, future moderation tooling). Publishing is
// strictly fire-and-forget: pairing and relay never block on, or fail
// because of, the event feed. With no NATS URL configured the publisher is
// nil and every method is a no-op.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for broker events.
const (
	SubjectCallCreated = "broker.call.created"
	SubjectCallEnded   = "broker.call.ended"
	SubjectPresence    = "broker.presence"
)

// CallCreatedEvent is published when a match produces a new call.
type CallCreatedEvent struct {
	CallID    string `json:"call_id"`
	Initiator string `json:"initiator"`
	Responder string `json:"responder"`
	Ts        int64  `json:"ts"`
}

// CallEndedEvent is published when a call leaves the live table.
type CallEndedEvent struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
	Ts     int64  `json:"ts"`
}

// PresenceEvent is published whenever the online count changes.
type PresenceEvent struct {
	Online int   `json:"online"`
	Ts     int64 `json:"ts"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "quikchat-broker",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Publisher wraps a NATS connection for publish-only use. A nil Publisher
// is valid and drops every event.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with the given config. It returns an error
// if the initial connection fails; reconnects afterwards are automatic.
func NewPublisher(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[events] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	log.Printf("[events] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// publish marshals and sends one event; failures are logged and swallowed.
func (p *Publisher) publish(subject string, event interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[events] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[events] publish %s: %v", subject, err)
	}
}

// CallCreated publishes a call-created event.
func (p *Publisher) CallCreated(callID, initiator, responder string) {
	p.publish(SubjectCallCreated, CallCreatedEvent{
		CallID:    callID,
		Initiator: initiator,
		Responder: responder,
		Ts:        time.Now().Unix(),
	})
}

// CallEnded publishes a call-ended event.
func (p *Publisher) CallEnded(callID, reason string) {
	p.publish(SubjectCallEnded, CallEndedEvent{
		CallID: callID,
		Reason: reason,
		Ts:     time.Now().Unix(),
	})
}

// Presence publishes the current online count.
func (p *Publisher) Presence(online int) {
	p.publish(SubjectPresence, PresenceEvent{
		Online: online,
		Ts:     time.Now().Unix(),
	})
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
