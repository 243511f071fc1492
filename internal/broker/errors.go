package broker

import "errors"

// Recoverable broker errors. Each maps to an error code reported back to the
// originating connection; none are fatal to the process.
var (
	ErrInvalidInput   = errors.New("broker: invalid input")
	ErrNotRegistered  = errors.New("broker: user not registered")
	ErrAlreadyQueued  = errors.New("broker: user already in queue")
	ErrAlreadyInCall  = errors.New("broker: user already in a call")
	ErrCallNotFound   = errors.New("broker: call not found")
	ErrNotParticipant = errors.New("broker: user is not a call participant")
)

// ErrorCode returns the wire error code for a broker error, or "internal"
// for anything unrecognized.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrAlreadyInCall):
		return "already_in_call"
	case errors.Is(err, ErrCallNotFound):
		return "call_not_found"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	default:
		return "internal"
	}
}
