package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// register is a helper that registers a user and fails the test on error.
func register(t *testing.T, b *Broker, connID, userID string, profile Profile) *RegisterResult {
	t.Helper()
	res, err := b.Register(connID, userID, "user-"+userID, profile)
	if err != nil {
		t.Fatalf("failed to register %s: %v", userID, err)
	}
	return res
}

// matchPair registers two users with wildcard filters and pairs them,
// returning the match result.
func matchPair(t *testing.T, b *Broker, userA, userB string) *MatchResult {
	t.Helper()
	register(t, b, "conn-"+userA, userA, Profile{})
	register(t, b, "conn-"+userB, userB, Profile{})

	if _, wait, err := b.FindPartner(userA, Filter{}); err != nil || wait == nil {
		t.Fatalf("expected %s to wait, got wait=%v err=%v", userA, wait, err)
	}
	match, wait, err := b.FindPartner(userB, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match == nil || wait != nil {
		t.Fatalf("expected %s to match, got match=%v wait=%v", userB, match, wait)
	}
	return match
}

// ---------- Register tests ----------

func TestRegister_NewUser(t *testing.T) {
	b := New()

	res := register(t, b, "conn-1", "alice", Profile{Gender: "female", Country: "US"})

	if res.Session.UserID != "alice" {
		t.Errorf("expected UserID=alice, got %s", res.Session.UserID)
	}
	if res.Session.ConnectionID != "conn-1" {
		t.Errorf("expected ConnectionID=conn-1, got %s", res.Session.ConnectionID)
	}
	if res.Session.Status != StatusOnline {
		t.Errorf("expected status %s, got %s", StatusOnline, res.Session.Status)
	}
	if len(res.EvictedConnIDs) != 0 {
		t.Errorf("expected no evictions, got %v", res.EvictedConnIDs)
	}

	sess, ok := b.Lookup("alice")
	if !ok {
		t.Fatal("expected alice in registry")
	}
	if sess.Profile.Gender != "female" {
		t.Errorf("profile not stored: %+v", sess.Profile)
	}
}

func TestRegister_EmptyUserID(t *testing.T) {
	b := New()

	_, err := b.Register("conn-1", "", "nobody", Profile{})
	if err != ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegister_SameConnectionRefreshesProfile(t *testing.T) {
	b := New()

	register(t, b, "conn-1", "alice", Profile{Country: "US"})
	res := register(t, b, "conn-1", "alice", Profile{Country: "DE"})

	if len(res.EvictedConnIDs) != 0 {
		t.Errorf("re-register on same connection must not evict, got %v", res.EvictedConnIDs)
	}
	if res.Session.Profile.Country != "DE" {
		t.Errorf("expected refreshed profile, got %+v", res.Session.Profile)
	}
	if b.OnlineCount() != 1 {
		t.Errorf("expected 1 online user, got %d", b.OnlineCount())
	}
}

func TestRegister_IdentityTakeover(t *testing.T) {
	b := New()

	register(t, b, "conn-old", "alice", Profile{})
	res := register(t, b, "conn-new", "alice", Profile{})

	if len(res.EvictedConnIDs) != 1 || res.EvictedConnIDs[0] != "conn-old" {
		t.Fatalf("expected conn-old evicted, got %v", res.EvictedConnIDs)
	}
	if res.Session.ConnectionID != "conn-new" {
		t.Errorf("expected identity bound to conn-new, got %s", res.Session.ConnectionID)
	}

	// The old connection no longer resolves to anyone.
	if _, ok := b.LookupByConnection("conn-old"); ok {
		t.Error("stale connection should not resolve after takeover")
	}
	if sess, ok := b.LookupByConnection("conn-new"); !ok || sess.UserID != "alice" {
		t.Errorf("new connection should resolve to alice, got %+v ok=%v", sess, ok)
	}
	if b.OnlineCount() != 1 {
		t.Errorf("takeover must not duplicate the user, online=%d", b.OnlineCount())
	}
}

func TestRegister_TakeoverEndsLiveCall(t *testing.T) {
	b := New()
	matchPair(t, b, "alice", "bob")

	// Alice reconnects on a new connection; her call with bob must end and
	// bob must be notified with reason disconnected.
	res := register(t, b, "conn-alice-2", "alice", Profile{})

	if len(res.PartnerNotices) != 1 {
		t.Fatalf("expected 1 partner notice, got %d", len(res.PartnerNotices))
	}
	notice := res.PartnerNotices[0]
	if notice.UserID != "bob" {
		t.Errorf("expected notice for bob, got %s", notice.UserID)
	}
	if notice.Reason != ReasonDisconnected {
		t.Errorf("expected reason %s, got %s", ReasonDisconnected, notice.Reason)
	}
	if notice.ConnID != "conn-bob" {
		t.Errorf("expected notice delivered to conn-bob, got %s", notice.ConnID)
	}

	// Both users are back to Online and the call table is empty.
	if sess, _ := b.Lookup("bob"); sess.Status != StatusOnline || sess.CurrentCallID != "" {
		t.Errorf("bob not reset after teardown: %+v", sess)
	}
	if _, _, calls := b.Counts(); calls != 0 {
		t.Errorf("expected 0 live calls, got %d", calls)
	}
}

func TestRegister_ConnectionRebindsToNewIdentity(t *testing.T) {
	b := New()

	register(t, b, "conn-1", "alice", Profile{})
	register(t, b, "conn-1", "bob", Profile{})

	if _, ok := b.Lookup("alice"); ok {
		t.Error("old identity should be gone after the connection re-registered")
	}
	if sess, ok := b.LookupByConnection("conn-1"); !ok || sess.UserID != "bob" {
		t.Errorf("expected conn-1 bound to bob, got %+v ok=%v", sess, ok)
	}
	if b.OnlineCount() != 1 {
		t.Errorf("expected 1 online user, got %d", b.OnlineCount())
	}
}

// ---------- FindPartner tests ----------

func TestFindPartner_NotRegistered(t *testing.T) {
	b := New()

	_, _, err := b.FindPartner("ghost", Filter{})
	if err != ErrNotRegistered {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestFindPartner_EmptyQueueWaits(t *testing.T) {
	b := New()
	register(t, b, "conn-1", "alice", Profile{})

	match, wait, err := b.FindPartner("alice", Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match != nil {
		t.Fatalf("expected no match on an empty queue, got %+v", match)
	}
	if wait == nil {
		t.Fatal("expected a wait result")
	}
	if wait.Position != 1 {
		t.Errorf("expected position 1, got %d", wait.Position)
	}
	if wait.EstimatedWait != 5*time.Second {
		t.Errorf("expected 5s estimate, got %v", wait.EstimatedWait)
	}

	if sess, _ := b.Lookup("alice"); sess.Status != StatusWaiting {
		t.Errorf("expected alice Waiting, got %s", sess.Status)
	}
}

func TestFindPartner_MutualFiltersMatch(t *testing.T) {
	b := New()
	register(t, b, "conn-a", "alice", Profile{Gender: "male"})
	register(t, b, "conn-b", "bella", Profile{Gender: "female"})

	// Alice wants a female partner and waits.
	if _, wait, err := b.FindPartner("alice", Filter{Gender: "female"}); err != nil || wait == nil {
		t.Fatalf("expected alice to wait, got wait=%v err=%v", wait, err)
	}

	// Bella wants a male partner; both filters accept -> match, with bella
	// (the triggering caller) as initiator.
	match, wait, err := b.FindPartner("bella", Filter{Gender: "male"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wait != nil {
		t.Fatalf("expected a match, got wait %+v", wait)
	}
	if match.Call.Initiator != "bella" || match.Call.Responder != "alice" {
		t.Errorf("expected bella->alice, got %s->%s", match.Call.Initiator, match.Call.Responder)
	}
	if match.Caller.Role != RoleInitiator || match.Candidate.Role != RoleResponder {
		t.Errorf("wrong roles: caller=%s candidate=%s", match.Caller.Role, match.Candidate.Role)
	}
	if match.Caller.Partner.UserID != "alice" || match.Candidate.Partner.UserID != "bella" {
		t.Error("partner payloads point at the wrong sides")
	}
	if match.Call.State != StatePaired {
		t.Errorf("fresh call should be Paired, got %s", match.Call.State)
	}

	// Queue/call exclusivity: neither user is queued, both are InCall.
	if b.QueuePosition("alice") != 0 || b.QueuePosition("bella") != 0 {
		t.Error("matched users must not remain in the queue")
	}
	for _, uid := range []string{"alice", "bella"} {
		if sess, _ := b.Lookup(uid); sess.Status != StatusInCall || sess.CurrentCallID != match.Call.ID {
			t.Errorf("%s not InCall on the new call: %+v", uid, sess)
		}
	}
}

func TestFindPartner_OneDirectionalAcceptanceDoesNotMatch(t *testing.T) {
	b := New()
	register(t, b, "conn-a", "alice", Profile{Gender: "male"})
	register(t, b, "conn-b", "bob", Profile{Gender: "male"})

	// Alice waits, wanting female.
	if _, wait, _ := b.FindPartner("alice", Filter{Gender: "female"}); wait == nil {
		t.Fatal("expected alice to wait")
	}

	// Bob accepts anyone, but alice's stored filter rejects bob.
	match, wait, err := b.FindPartner("bob", Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match != nil {
		t.Fatalf("one-directional acceptance must not match, got %+v", match)
	}
	if wait == nil || wait.Position != 2 {
		t.Errorf("expected bob queued at position 2, got %+v", wait)
	}
}

func TestFindPartner_IncompatibleUsersQueueWithIncreasingEstimates(t *testing.T) {
	b := New()

	countries := []string{"US", "DE", "JP"}
	for i, country := range countries {
		uid := fmt.Sprintf("user-%d", i)
		register(t, b, "conn-"+uid, uid, Profile{Country: country})
	}

	// Each user only accepts a country nobody advertises.
	for i := range countries {
		uid := fmt.Sprintf("user-%d", i)
		_, wait, err := b.FindPartner(uid, Filter{Country: "BR"})
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", uid, err)
		}
		if wait == nil {
			t.Fatalf("expected %s to wait", uid)
		}
		if wait.Position != i+1 {
			t.Errorf("expected position %d, got %d", i+1, wait.Position)
		}
		wantWait := time.Duration(i+1) * 5 * time.Second
		if wantWait < 5*time.Second {
			wantWait = 5 * time.Second
		}
		if wait.EstimatedWait != wantWait {
			t.Errorf("expected estimate %v at position %d, got %v", wantWait, i+1, wait.EstimatedWait)
		}
	}
}

func TestFindPartner_OldestCompatibleWins(t *testing.T) {
	b := New()

	// Incompatible profiles keep first and second queued in arrival order.
	register(t, b, "conn-first", "first", Profile{Country: "US"})
	register(t, b, "conn-second", "second", Profile{Country: "DE"})
	if _, wait, _ := b.FindPartner("first", Filter{Country: "JP"}); wait == nil {
		t.Fatal("expected first to wait")
	}
	if _, wait, _ := b.FindPartner("second", Filter{Country: "JP"}); wait == nil {
		t.Fatal("expected second to wait")
	}

	// A caller compatible with both must pair with the oldest entry.
	register(t, b, "conn-third", "third", Profile{Country: "JP"})
	match, _, err := b.FindPartner("third", Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match == nil || match.Candidate.UserID != "first" {
		t.Errorf("expected third to pair with first (oldest), got %+v", match)
	}
	if b.QueuePosition("second") != 1 {
		t.Errorf("second should move up to position 1, got %d", b.QueuePosition("second"))
	}
}

func TestFindPartner_AlreadyQueued(t *testing.T) {
	b := New()
	register(t, b, "conn-1", "alice", Profile{})

	if _, wait, _ := b.FindPartner("alice", Filter{}); wait == nil {
		t.Fatal("expected alice to wait")
	}
	_, _, err := b.FindPartner("alice", Filter{})
	if err != ErrAlreadyQueued {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestFindPartner_AlreadyInCall(t *testing.T) {
	b := New()
	matchPair(t, b, "alice", "bob")

	_, _, err := b.FindPartner("alice", Filter{})
	if err != ErrAlreadyInCall {
		t.Errorf("expected ErrAlreadyInCall, got %v", err)
	}
}

func TestFindPartner_DoesNotMatchSelf(t *testing.T) {
	b := New()
	register(t, b, "conn-1", "alice", Profile{})

	if _, wait, _ := b.FindPartner("alice", Filter{}); wait == nil {
		t.Fatal("expected alice to wait")
	}
	// Dequeue and retry: still just alice, still waits.
	if !b.CancelFind("alice") {
		t.Fatal("expected cancel to succeed")
	}
	match, wait, err := b.FindPartner("alice", Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match != nil {
		t.Errorf("a user must never match themselves, got %+v", match)
	}
	if wait == nil {
		t.Error("expected alice back in the queue")
	}
}

// ---------- CancelFind tests ----------

func TestCancelFind(t *testing.T) {
	b := New()
	register(t, b, "conn-1", "alice", Profile{})

	if b.CancelFind("alice") {
		t.Error("cancel before queuing should return false")
	}

	if _, wait, _ := b.FindPartner("alice", Filter{}); wait == nil {
		t.Fatal("expected alice to wait")
	}
	if !b.CancelFind("alice") {
		t.Error("cancel while waiting should return true")
	}
	if sess, _ := b.Lookup("alice"); sess.Status != StatusOnline {
		t.Errorf("expected alice Online after cancel, got %s", sess.Status)
	}
	if b.CancelFind("alice") {
		t.Error("second cancel should return false")
	}
}

func TestCancelFind_AfterMatchIsNoOp(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	// Alice's cancel raced with bob's find and lost: the match already
	// consumed her queue entry, so cancel has nothing to do.
	if b.CancelFind("alice") {
		t.Error("cancel after being matched must be a no-op")
	}
	if sess, _ := b.Lookup("alice"); sess.Status != StatusInCall || sess.CurrentCallID != match.Call.ID {
		t.Errorf("cancel must not disturb the live call: %+v", sess)
	}
}

func TestCancelFind_RacesMatchExactlyOneWins(t *testing.T) {
	for i := 0; i < 100; i++ {
		b := New()
		register(t, b, "conn-a", "alice", Profile{})
		register(t, b, "conn-b", "bob", Profile{})
		if _, wait, _ := b.FindPartner("alice", Filter{}); wait == nil {
			t.Fatal("expected alice to wait")
		}

		var (
			wg        sync.WaitGroup
			cancelled bool
			match     *MatchResult
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled = b.CancelFind("alice")
		}()
		go func() {
			defer wg.Done()
			match, _, _ = b.FindPartner("bob", Filter{})
		}()
		wg.Wait()

		if cancelled == (match != nil) {
			t.Fatalf("iteration %d: cancelled=%v matched=%v, exactly one must win", i, cancelled, match != nil)
		}
		sess, _ := b.Lookup("alice")
		if match != nil {
			if sess.Status != StatusInCall {
				t.Fatalf("iteration %d: matched but alice is %s", i, sess.Status)
			}
		} else if sess.Status != StatusOnline {
			t.Fatalf("iteration %d: cancelled but alice is %s", i, sess.Status)
		}
	}
}

// ---------- EndCall tests ----------

func TestEndCall_NotifiesSurvivor(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	notice, err := b.EndCall(match.Call.ID, "alice", ReasonExplicit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notice == nil {
		t.Fatal("expected a partner notice")
	}
	if notice.UserID != "bob" || notice.ConnID != "conn-bob" {
		t.Errorf("expected notice for bob on conn-bob, got %+v", notice)
	}
	if notice.Reason != ReasonExplicit {
		t.Errorf("expected reason %s, got %s", ReasonExplicit, notice.Reason)
	}

	for _, uid := range []string{"alice", "bob"} {
		if sess, _ := b.Lookup(uid); sess.Status != StatusOnline || sess.CurrentCallID != "" {
			t.Errorf("%s not reset after end: %+v", uid, sess)
		}
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	if _, err := b.EndCall(match.Call.ID, "alice", ReasonExplicit); err != nil {
		t.Fatalf("first end failed: %v", err)
	}

	// Bob's concurrent end races in after the call is gone: silent no-op.
	notice, err := b.EndCall(match.Call.ID, "bob", ReasonExplicit)
	if err != nil {
		t.Errorf("ending an ended call must not error, got %v", err)
	}
	if notice != nil {
		t.Errorf("ending an ended call must not notify, got %+v", notice)
	}
}

func TestEndCall_NotParticipant(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")
	register(t, b, "conn-eve", "eve", Profile{})

	_, err := b.EndCall(match.Call.ID, "eve", ReasonExplicit)
	if err != ErrNotParticipant {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestEndCall_SkipThenImmediateRequeue(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	notice, err := b.EndCall(match.Call.ID, "alice", ReasonSkipped)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notice.Reason != ReasonSkipped {
		t.Errorf("expected reason %s, got %s", ReasonSkipped, notice.Reason)
	}

	// Both sides can immediately search again and re-pair.
	if _, wait, err := b.FindPartner("alice", Filter{}); err != nil || wait == nil {
		t.Fatalf("alice should requeue after skipping, wait=%v err=%v", wait, err)
	}
	rematch, _, err := b.FindPartner("bob", Filter{})
	if err != nil || rematch == nil {
		t.Fatalf("bob should re-pair with alice, match=%v err=%v", rematch, err)
	}
	if rematch.Call.ID == match.Call.ID {
		t.Error("re-pairing must create a fresh call id")
	}
}

// ---------- Relay tests ----------

func TestRelay_ResolvesPartnerAndActivates(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	target, err := b.Relay(match.Call.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.PartnerUserID != "bob" || target.PartnerConnID != "conn-bob" {
		t.Errorf("expected bob on conn-bob, got %+v", target)
	}

	// First relay flips the call to Active.
	call, ok := b.FindByParticipant("alice")
	if !ok {
		t.Fatal("call disappeared")
	}
	if call.State != StateActive {
		t.Errorf("expected Active after first relay, got %s", call.State)
	}
}

func TestRelay_Errors(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")
	register(t, b, "conn-eve", "eve", Profile{})

	if _, err := b.Relay("no-such-call", "alice"); err != ErrCallNotFound {
		t.Errorf("expected ErrCallNotFound, got %v", err)
	}
	if _, err := b.Relay(match.Call.ID, "eve"); err != ErrNotParticipant {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestRelay_ResolvesConnectionFresh(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	// Bob reconnects under a new connection. His call ended at takeover, so
	// first check the old call is gone for alice too.
	register(t, b, "conn-bob-2", "bob", Profile{})
	if _, err := b.Relay(match.Call.ID, "alice"); err != ErrCallNotFound {
		t.Errorf("expected ErrCallNotFound after partner takeover, got %v", err)
	}

	// New pairing relays to the partner's current connection, not any cached
	// one.
	if _, wait, _ := b.FindPartner("alice", Filter{}); wait == nil {
		t.Fatal("expected alice to wait")
	}
	rematch, _, err := b.FindPartner("bob", Filter{})
	if err != nil || rematch == nil {
		t.Fatalf("expected re-pair, match=%v err=%v", rematch, err)
	}
	target, err := b.Relay(rematch.Call.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.PartnerConnID != "conn-bob-2" {
		t.Errorf("relay must resolve the live connection, got %s", target.PartnerConnID)
	}
}

// ---------- Disconnect tests ----------

func TestDisconnect_UnknownConnection(t *testing.T) {
	b := New()
	if res := b.Disconnect("never-seen"); res != nil {
		t.Errorf("expected nil for unknown connection, got %+v", res)
	}
}

func TestDisconnect_RemovesWaitingUser(t *testing.T) {
	b := New()
	register(t, b, "conn-1", "alice", Profile{})
	if _, wait, _ := b.FindPartner("alice", Filter{}); wait == nil {
		t.Fatal("expected alice to wait")
	}

	res := b.Disconnect("conn-1")
	if res == nil {
		t.Fatal("expected a disconnect result")
	}
	if res.UserID != "alice" || !res.WasQueued {
		t.Errorf("expected queued alice cleanup, got %+v", res)
	}
	if res.PartnerNotice != nil {
		t.Errorf("waiting user has no partner to notify, got %+v", res.PartnerNotice)
	}
	if _, ok := b.Lookup("alice"); ok {
		t.Error("alice should be removed from the registry")
	}
	if online, waiting, _ := b.Counts(); online != 0 || waiting != 0 {
		t.Errorf("expected empty broker, online=%d waiting=%d", online, waiting)
	}
}

func TestDisconnect_TearsDownCallOnce(t *testing.T) {
	b := New()
	match := matchPair(t, b, "alice", "bob")

	res := b.Disconnect("conn-alice")
	if res == nil || res.PartnerNotice == nil {
		t.Fatalf("expected partner notice, got %+v", res)
	}
	if res.PartnerNotice.UserID != "bob" || res.PartnerNotice.Reason != ReasonDisconnected {
		t.Errorf("wrong notice: %+v", res.PartnerNotice)
	}
	if res.PartnerNotice.CallID != match.Call.ID {
		t.Errorf("notice for wrong call: %s", res.PartnerNotice.CallID)
	}

	// A second disconnect of the same connection finds nothing.
	if res := b.Disconnect("conn-alice"); res != nil {
		t.Errorf("second disconnect must be a no-op, got %+v", res)
	}

	// Bob is back online and free to search.
	if sess, _ := b.Lookup("bob"); sess.Status != StatusOnline {
		t.Errorf("bob not reset: %+v", sess)
	}
}

func TestDisconnect_StaleConnectionAfterTakeover(t *testing.T) {
	b := New()
	register(t, b, "conn-old", "alice", Profile{})
	register(t, b, "conn-new", "alice", Profile{})

	// When the evicted connection's close event arrives, the identity
	// already lives on conn-new and must survive.
	if res := b.Disconnect("conn-old"); res != nil {
		t.Errorf("stale disconnect must not tear down the new session, got %+v", res)
	}
	if sess, ok := b.Lookup("alice"); !ok || sess.ConnectionID != "conn-new" {
		t.Errorf("alice should remain on conn-new, got %+v ok=%v", sess, ok)
	}
}

// ---------- Sweep tests ----------

func TestSweepQueue_RemovesDeadEntries(t *testing.T) {
	b := New()
	register(t, b, "conn-a", "alice", Profile{Country: "US"})
	register(t, b, "conn-b", "bob", Profile{Country: "DE"})

	// Mutually incompatible so both stay queued.
	if _, wait, _ := b.FindPartner("alice", Filter{Country: "JP"}); wait == nil {
		t.Fatal("expected alice to wait")
	}
	if _, wait, _ := b.FindPartner("bob", Filter{Country: "JP"}); wait == nil {
		t.Fatal("expected bob to wait")
	}

	// Only bob's connection is still live.
	removed := b.SweepQueue(func(connID string) bool { return connID == "conn-b" })

	if len(removed) != 1 || removed[0] != "alice" {
		t.Errorf("expected [alice] removed, got %v", removed)
	}
	if b.QueuePosition("bob") != 1 {
		t.Errorf("bob should move to position 1, got %d", b.QueuePosition("bob"))
	}
	if b.QueuePosition("alice") != 0 {
		t.Error("alice should no longer be queued")
	}
}

func TestSweepQueue_AllLive(t *testing.T) {
	b := New()
	register(t, b, "conn-a", "alice", Profile{Country: "US"})
	if _, wait, _ := b.FindPartner("alice", Filter{Country: "JP"}); wait == nil {
		t.Fatal("expected alice to wait")
	}

	removed := b.SweepQueue(func(string) bool { return true })
	if len(removed) != 0 {
		t.Errorf("expected nothing removed, got %v", removed)
	}
	if b.QueuePosition("alice") != 1 {
		t.Error("alice should remain queued")
	}
}
