package broker

import "time"

// CallState constants for the call lifecycle. The Active transition is
// informational: it marks the first signaling exchange and changes no
// behavior. No transition leaves StateEnded.
type CallState string

const (
	StatePaired CallState = "paired"
	StateActive CallState = "active"
	StateEnded  CallState = "ended"
)

// Role tags for the two participants.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// End reasons, delivered to the surviving participant.
const (
	ReasonExplicit     = "explicit"
	ReasonSkipped      = "skipped"
	ReasonDisconnected = "disconnected"
)

// Call represents one paired two-party session. Initiator and Responder are
// user ids; the role split decides only which side creates the first
// signaling offer.
type Call struct {
	ID        string
	Initiator string
	Responder string
	State     CallState
	CreatedAt time.Time
	EndedAt   time.Time
}

// IsParticipant reports whether the given user is a member of the call.
func (c *Call) IsParticipant(userID string) bool {
	return userID == c.Initiator || userID == c.Responder
}

// PartnerOf returns the other participant's user id, or "" if userID is not
// a member of the call.
func (c *Call) PartnerOf(userID string) string {
	switch userID {
	case c.Initiator:
		return c.Responder
	case c.Responder:
		return c.Initiator
	default:
		return ""
	}
}
