package presence

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func TestBroadcaster_EmitsOnTrigger(t *testing.T) {
	var count atomic.Int64
	count.Store(7)

	frames := make(chan []byte, 8)
	notified := make(chan int, 8)

	b := New(
		func() int { return int(count.Load()) },
		func(msg []byte) { frames <- msg },
		func(online int) { notified <- online },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Trigger()

	select {
	case msg := <-frames:
		var decoded struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
		}
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("broadcast frame is not JSON: %v", err)
		}
		if decoded.Type != "online_count" {
			t.Errorf("expected online_count, got %s", decoded.Type)
		}
		if decoded.Count != 7 {
			t.Errorf("expected count 7, got %d", decoded.Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast after trigger")
	}

	select {
	case online := <-notified:
		if online != 7 {
			t.Errorf("notify got %d, want 7", online)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notify callback was not invoked")
	}
}

func TestBroadcaster_SamplesLatestCount(t *testing.T) {
	var count atomic.Int64

	frames := make(chan []byte, 8)
	b := New(
		func() int { return int(count.Load()) },
		func(msg []byte) { frames <- msg },
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	// The count moves after the trigger; the emitted value must be the one
	// read at emission time, not at trigger time.
	count.Store(3)
	b.Trigger()

	select {
	case msg := <-frames:
		var decoded struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("broadcast frame is not JSON: %v", err)
		}
		if decoded.Count != 3 {
			t.Errorf("expected count 3, got %d", decoded.Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast after trigger")
	}
}

func TestBroadcaster_TriggerNeverBlocks(t *testing.T) {
	b := New(func() int { return 0 }, func([]byte) {}, nil)

	// Not started: the cap-1 channel absorbs one trigger, the rest coalesce.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Trigger()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger blocked")
	}
}
