// Package broker implements the matchmaking and signaling-relay core: the
// in-memory registry of connected users, the waiting queue with attribute
// filters, the two-party call table, and disconnect cleanup.
//
// All three structures are owned by a single Broker guarded by one mutex, so
// every read-modify-write sequence that touches registry, queue, and call
// table together (pairing, ending a call, disconnect cleanup) runs as one
// atomic step. No caller can observe a half-updated cross-structure state,
// and racing operations on the same user (cancel vs. match, double match)
// serialize so that exactly one wins.
//
// Broker methods mutate state and return value-typed results describing the
// notifications the transport layer should deliver; they never perform I/O
// and never block, so holding the mutex is always brief.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quikchat/broker/internal/metrics"
)

// Wait estimation constants: a queued user is told to expect roughly
// perUserWait per person ahead of them, never less than minimumWait.
const (
	minimumWait = 5 * time.Second
	perUserWait = 5 * time.Second
)

// Broker owns all live matchmaking state for one process.
type Broker struct {
	mu     sync.Mutex
	byUser map[string]*UserSession // userId -> session
	byConn map[string]string       // connectionId -> userId
	queue  []queueEntry            // waiting users, oldest first
	calls  map[string]*Call        // callId -> live (non-ended) call

	now func() time.Time // overridable in tests
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{
		byUser: make(map[string]*UserSession),
		byConn: make(map[string]string),
		calls:  make(map[string]*Call),
		now:    time.Now,
	}
}

// ---------------------------------------------------------------------------
// Result types returned to the transport layer
// ---------------------------------------------------------------------------

// PartnerNotice tells the transport to deliver a partner_left event. ConnID
// is resolved inside the critical section; it is empty when the partner has
// no live connection (nothing to deliver).
type PartnerNotice struct {
	UserID string
	ConnID string
	CallID string
	Reason string // "explicit" | "skipped" | "disconnected"
}

// RegisterResult describes the outcome of a registration.
type RegisterResult struct {
	Session UserSession
	// EvictedConnIDs lists stale connections that must be force-closed:
	// the previous connection of this userId (identity takeover) and, when
	// the connection re-registers under a new identity, nothing extra.
	EvictedConnIDs []string
	// PartnerNotices carries partner_left events for calls torn down by the
	// eviction of a stale session.
	PartnerNotices []PartnerNotice
}

// MatchSide describes one participant of a fresh match.
type MatchSide struct {
	UserID  string
	ConnID  string
	Role    string      // "initiator" | "responder"
	Partner UserSession // the other side, for the partner_found payload
}

// MatchResult describes a successful pairing.
type MatchResult struct {
	Call      Call
	Caller    MatchSide // the user whose find-partner request triggered the match
	Candidate MatchSide // the queued user that was selected
}

// WaitResult is returned when no compatible candidate exists and the caller
// was placed in the queue.
type WaitResult struct {
	Position      int // 1-indexed
	EstimatedWait time.Duration
}

// RelayTarget resolves where a signaling payload should be forwarded.
// PartnerConnID is empty when the partner currently has no live connection;
// the caller drops the payload in that case.
type RelayTarget struct {
	PartnerUserID string
	PartnerConnID string
}

// DisconnectResult describes the cleanup performed for a lost connection.
type DisconnectResult struct {
	UserID        string
	WasQueued     bool
	PartnerNotice *PartnerNotice // non-nil if a live call was torn down
}

// ---------------------------------------------------------------------------
// Session Registry
// ---------------------------------------------------------------------------

// Register binds a user identity to a live connection with status Online.
// If userId is already bound to a different connection, that stale session is
// evicted first (last-writer-wins): its queue entry is dropped, any live call
// it belonged to ends with reason "disconnected", and the old connection is
// reported back for force-closing. Likewise, if the connection was previously
// bound to a different userId, that old identity is torn down. Registering
// again on the same connection just refreshes username and profile.
func (b *Broker) Register(connID, userID, username string, profile Profile) (*RegisterResult, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res := &RegisterResult{}

	// The connection may already carry a different identity; destroy it.
	if prevUserID, ok := b.byConn[connID]; ok && prevUserID != userID {
		if notice := b.teardownUserLocked(prevUserID); notice != nil {
			res.PartnerNotices = append(res.PartnerNotices, *notice)
		}
		delete(b.byUser, prevUserID)
		delete(b.byConn, connID)
	}

	// Identity takeover: the userId is held by another live connection.
	if existing, ok := b.byUser[userID]; ok && existing.ConnectionID != connID {
		if notice := b.teardownUserLocked(userID); notice != nil {
			res.PartnerNotices = append(res.PartnerNotices, *notice)
		}
		res.EvictedConnIDs = append(res.EvictedConnIDs, existing.ConnectionID)
		delete(b.byConn, existing.ConnectionID)
		delete(b.byUser, userID)
	}

	sess, ok := b.byUser[userID]
	if !ok {
		sess = &UserSession{
			UserID:       userID,
			ConnectionID: connID,
			Status:       StatusOnline,
			RegisteredAt: b.now(),
		}
		b.byUser[userID] = sess
		b.byConn[connID] = userID
	}
	sess.Username = username
	sess.Profile = profile

	metrics.OnlineUsers.Set(float64(len(b.byUser)))

	res.Session = *sess
	return res, nil
}

// Lookup returns a copy of the session for the given user id.
func (b *Broker) Lookup(userID string) (UserSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.byUser[userID]
	if !ok {
		return UserSession{}, false
	}
	return *sess, true
}

// LookupByConnection returns a copy of the session bound to a connection id.
func (b *Broker) LookupByConnection(connID string) (UserSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.byConn[connID]
	if !ok {
		return UserSession{}, false
	}
	sess, ok := b.byUser[userID]
	if !ok {
		return UserSession{}, false
	}
	return *sess, true
}

// OnlineCount returns the number of registered users.
func (b *Broker) OnlineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byUser)
}

// Counts returns registry, queue, and live-call sizes for health reporting.
func (b *Broker) Counts() (online, waiting, calls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byUser), len(b.queue), len(b.calls)
}

// ---------------------------------------------------------------------------
// Matchmaking Queue
// ---------------------------------------------------------------------------

// FindPartner attempts to pair the user with the oldest queued user whose
// stored filter is mutually compatible with the caller's. On a match it
// atomically removes the candidate (and the caller, if queued), creates a
// call with the caller as initiator, and marks both users InCall. With no
// compatible candidate the caller is enqueued and a WaitResult is returned.
// Exactly one of the two results is non-nil on success.
func (b *Broker) FindPartner(userID string, filter Filter) (*MatchResult, *WaitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.byUser[userID]
	if !ok {
		return nil, nil, ErrNotRegistered
	}
	if sess.Status == StatusInCall {
		return nil, nil, ErrAlreadyInCall
	}

	// Oldest-first scan for a mutually compatible candidate.
	for i, entry := range b.queue {
		if entry.UserID == userID {
			continue
		}
		cand, ok := b.byUser[entry.UserID]
		if !ok || cand.Status != StatusWaiting {
			continue
		}
		if !Compatible(filter, sess.Profile, entry.Filter, cand.Profile) {
			continue
		}

		waited := b.now().Sub(entry.EnqueuedAt)
		b.removeQueueIndexLocked(i)
		b.dequeueLocked(userID)

		call := &Call{
			ID:        uuid.New().String(),
			Initiator: userID,
			Responder: cand.UserID,
			State:     StatePaired,
			CreatedAt: b.now(),
		}
		b.calls[call.ID] = call

		sess.Status = StatusInCall
		sess.CurrentCallID = call.ID
		cand.Status = StatusInCall
		cand.CurrentCallID = call.ID

		metrics.ActiveCalls.Set(float64(len(b.calls)))
		metrics.QueueSize.Set(float64(len(b.queue)))
		metrics.MatchesTotal.Inc()
		metrics.MatchWaitSeconds.Observe(waited.Seconds())

		return &MatchResult{
			Call: *call,
			Caller: MatchSide{
				UserID:  userID,
				ConnID:  sess.ConnectionID,
				Role:    RoleInitiator,
				Partner: *cand,
			},
			Candidate: MatchSide{
				UserID:  cand.UserID,
				ConnID:  cand.ConnectionID,
				Role:    RoleResponder,
				Partner: *sess,
			},
		}, nil, nil
	}

	// No candidate: enqueue the caller.
	if b.queuedLocked(userID) {
		return nil, nil, ErrAlreadyQueued
	}
	b.queue = append(b.queue, queueEntry{
		UserID:     userID,
		Filter:     filter,
		EnqueuedAt: b.now(),
	})
	sess.Status = StatusWaiting

	metrics.QueueSize.Set(float64(len(b.queue)))

	position := len(b.queue)
	wait := time.Duration(position) * perUserWait
	if wait < minimumWait {
		wait = minimumWait
	}
	return nil, &WaitResult{Position: position, EstimatedWait: wait}, nil
}

// CancelFind removes the user's queue entry. Idempotent: returns false when
// the user was not waiting (already matched, never queued, or unknown).
func (b *Broker) CancelFind(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dequeueLocked(userID)
}

// queuedLocked reports whether the user has a queue entry. Caller holds mu.
func (b *Broker) queuedLocked(userID string) bool {
	for _, entry := range b.queue {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

// dequeueLocked removes the user's queue entry, if any, and resets their
// status from Waiting to Online. Caller holds mu.
func (b *Broker) dequeueLocked(userID string) bool {
	for i, entry := range b.queue {
		if entry.UserID == userID {
			b.removeQueueIndexLocked(i)
			if sess, ok := b.byUser[userID]; ok && sess.Status == StatusWaiting {
				sess.Status = StatusOnline
			}
			metrics.QueueSize.Set(float64(len(b.queue)))
			return true
		}
	}
	return false
}

// removeQueueIndexLocked removes queue[i] preserving order. Caller holds mu.
func (b *Broker) removeQueueIndexLocked(i int) {
	b.queue = append(b.queue[:i], b.queue[i+1:]...)
}

// QueuePosition returns the user's 1-indexed queue position, or 0 if the
// user is not waiting.
func (b *Broker) QueuePosition(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.queue {
		if entry.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Call Table
// ---------------------------------------------------------------------------

// FindByParticipant returns a copy of the live call the user belongs to.
func (b *Broker) FindByParticipant(userID string) (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.byUser[userID]
	if !ok || sess.CurrentCallID == "" {
		return Call{}, false
	}
	call, ok := b.calls[sess.CurrentCallID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

// Partner returns the other participant's user id for a live call.
func (b *Broker) Partner(callID, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.calls[callID]
	if !ok {
		return "", ErrCallNotFound
	}
	partner := call.PartnerOf(userID)
	if partner == "" {
		return "", ErrNotParticipant
	}
	return partner, nil
}

// EndCall ends a live call at the request of one participant. The reason
// ("explicit" or "skipped") is delivered to the other side; both statuses
// return to Online. Ending an unknown or already-ended call is a no-op:
// ended calls leave the live table, so a stale call id is indistinguishable
// from a finished one.
func (b *Broker) EndCall(callID, byUserID, reason string) (*PartnerNotice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	call, ok := b.calls[callID]
	if !ok {
		return nil, nil
	}
	if !call.IsParticipant(byUserID) {
		return nil, ErrNotParticipant
	}
	return b.endCallLocked(call, byUserID, reason), nil
}

// endCallLocked transitions the call to Ended, removes it from the live
// table, resets both participants to Online, and builds the partner_left
// notice for the participant other than actor. Caller holds mu.
func (b *Broker) endCallLocked(call *Call, actor, reason string) *PartnerNotice {
	call.State = StateEnded
	call.EndedAt = b.now()
	delete(b.calls, call.ID)

	for _, uid := range []string{call.Initiator, call.Responder} {
		if sess, ok := b.byUser[uid]; ok && sess.CurrentCallID == call.ID {
			sess.Status = StatusOnline
			sess.CurrentCallID = ""
		}
	}

	metrics.ActiveCalls.Set(float64(len(b.calls)))

	survivor := call.PartnerOf(actor)
	if survivor == "" {
		return nil
	}
	notice := &PartnerNotice{
		UserID: survivor,
		CallID: call.ID,
		Reason: reason,
	}
	if sess, ok := b.byUser[survivor]; ok {
		notice.ConnID = sess.ConnectionID
	}
	return notice
}

// ---------------------------------------------------------------------------
// Signal Relay
// ---------------------------------------------------------------------------

// Relay validates a signaling send and resolves the partner's current live
// connection through the registry (never a cached connection id, since a
// reconnect may have replaced it). The payload itself stays in the transport
// layer; the broker only authorizes and routes. The first relay on a call
// marks it Active.
func (b *Broker) Relay(callID, fromUserID string) (RelayTarget, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	call, ok := b.calls[callID]
	if !ok {
		return RelayTarget{}, ErrCallNotFound
	}
	if !call.IsParticipant(fromUserID) {
		return RelayTarget{}, ErrNotParticipant
	}
	if call.State == StatePaired {
		call.State = StateActive
	}

	partnerID := call.PartnerOf(fromUserID)
	target := RelayTarget{PartnerUserID: partnerID}
	if sess, ok := b.byUser[partnerID]; ok {
		target.PartnerConnID = sess.ConnectionID
	}
	return target, nil
}

// ---------------------------------------------------------------------------
// Disconnect Coordinator
// ---------------------------------------------------------------------------

// Disconnect performs the full cleanup for a lost connection as one atomic
// step: dequeue, end any live call with reason "disconnected", and remove
// the registry entry. Returns nil when the connection was never registered.
// Cleanup never raises user-visible errors; it is idempotent by construction.
func (b *Broker) Disconnect(connID string) *DisconnectResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	userID, ok := b.byConn[connID]
	if !ok {
		return nil
	}
	// A takeover may have rebound the identity to a newer connection; only
	// tear the user down if this connection is still the live one.
	sess, ok := b.byUser[userID]
	if !ok || sess.ConnectionID != connID {
		delete(b.byConn, connID)
		return nil
	}

	res := &DisconnectResult{UserID: userID}
	res.WasQueued = b.dequeueLocked(userID)
	res.PartnerNotice = b.teardownUserLocked(userID)

	delete(b.byUser, userID)
	delete(b.byConn, connID)

	metrics.OnlineUsers.Set(float64(len(b.byUser)))
	return res
}

// teardownUserLocked dequeues the user and ends any live call they belong
// to with reason "disconnected", returning the partner notice if a call was
// torn down. The registry entry itself is left to the caller. Caller holds mu.
func (b *Broker) teardownUserLocked(userID string) *PartnerNotice {
	b.dequeueLocked(userID)

	sess, ok := b.byUser[userID]
	if !ok || sess.CurrentCallID == "" {
		return nil
	}
	call, ok := b.calls[sess.CurrentCallID]
	if !ok {
		return nil
	}
	return b.endCallLocked(call, userID, ReasonDisconnected)
}
