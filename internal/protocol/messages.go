// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the broker. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
// Signaling payloads are carried as raw JSON and never interpreted here.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// Server -> Client message types. TypeSignal and TypeChat are reused in the
// server direction with the relayed shapes ServerSignalMsg / ServerChatMsg.
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

// Roles assigned on a successful match. The initiator creates the first
// signaling offer; the role carries no other meaning.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Reasons carried by partner_left.
const (
	ReasonExplicit     = "explicit"
	ReasonSkipped      = "skipped"
	ReasonDisconnected = "disconnected"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// Profile carries the attributes a user advertises for filtering. Fields
// beyond the closed filter set travel in Attrs and are opaque to the broker.
type Profile struct {
	Gender   string            `json:"gender,omitempty"`
	Country  string            `json:"country,omitempty"`
	Language string            `json:"language,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Filter is the predicate a user supplies when requesting a partner. An
// empty (or "any") field matches every value of that attribute.
type Filter struct {
	Gender   string `json:"gender,omitempty"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

// Partner describes the matched peer in a partner_found message.
type Partner struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username,omitempty"`
	Profile  Profile `json:"profile"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg is sent by the client to bind a user identity to the current
// connection. Re-registering an id held by another connection evicts it.
type RegisterMsg struct {
	Type     string  `json:"type"`
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	Profile  Profile `json:"profile"`
}

// FindPartnerMsg is sent by the client to request pairing with an optional
// attribute filter.
type FindPartnerMsg struct {
	Type   string `json:"type"`
	Filter Filter `json:"filter"`
}

// CancelFindMsg is sent by the client to leave the waiting queue.
type CancelFindMsg struct {
	Type string `json:"type"`
}

// SignalMsg carries an opaque signaling payload (offer, answer, or
// connectivity candidate) to be relayed to the call partner. The payload is
// forwarded verbatim and never parsed by the broker.
type SignalMsg struct {
	Type    string          `json:"type"`
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMsg is a text message sent within a call, relayed to the partner.
type ChatMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

// NextPartnerMsg ends the current call so the sender can look for a new
// partner. The surviving participant sees reason "skipped".
type NextPartnerMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// EndCallMsg explicitly ends the current call.
type EndCallMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RegisteredMsg confirms a successful registration.
type RegisteredMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// PartnerFoundMsg is sent to both participants when a match is made.
type PartnerFoundMsg struct {
	Type    string  `json:"type"`
	CallID  string  `json:"call_id"`
	Partner Partner `json:"partner"`
	Role    string  `json:"role"` // initiator | responder
}

// WaitingMsg is sent when no compatible partner is available and the user
// has been placed in the queue.
type WaitingMsg struct {
	Type                 string `json:"type"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

// ServerSignalMsg is a relayed signaling payload, tagged with the sender.
type ServerSignalMsg struct {
	Type    string          `json:"type"`
	CallID  string          `json:"call_id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ServerChatMsg is a relayed chat message with a server-stamped timestamp.
type ServerChatMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// PartnerLeftMsg tells the surviving participant that their call ended.
type PartnerLeftMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Reason string `json:"reason"` // explicit | skipped | disconnected
}

// OnlineCountMsg is broadcast to every connection when the number of
// registered users changes.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates a recoverable error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindPartner:
		var m FindPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelFind:
		var m CancelFindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextPartner:
		var m NextPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
