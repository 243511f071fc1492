package broker

import "time"

// Status constants for the per-user state machine.
type Status string

const (
	StatusOnline  Status = "online"  // registered, idle
	StatusWaiting Status = "waiting" // in the matchmaking queue
	StatusInCall  Status = "in_call" // participant of a live call
)

// UserSession represents one connected participant. UserID is the durable
// key (it survives reconnects); ConnectionID is a volatile attribute that
// changes every time the user reconnects, so relays resolve it fresh from
// the registry rather than caching it.
type UserSession struct {
	UserID        string
	ConnectionID  string
	Username      string
	Profile       Profile
	Status        Status
	CurrentCallID string // set iff Status == StatusInCall
	RegisteredAt  time.Time
}

// queueEntry is a waiting user plus the filter supplied at enqueue time.
// The timestamp orders the queue (oldest first) and feeds wait estimation.
type queueEntry struct {
	UserID     string
	Filter     Filter
	EnqueuedAt time.Time
}
