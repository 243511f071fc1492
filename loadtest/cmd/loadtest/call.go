package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quikchat/broker/loadtest/client"
	"github.com/quikchat/broker/loadtest/stats"
)

// pairResult tracks the outcome of a single call pair's lifecycle.
type pairResult struct {
	matched      bool
	signaled     bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
	matchLatency time.Duration
}

// runCall implements the full call lifecycle load test. Each simulated user
// pair goes through the complete flow: connect -> register -> find_partner ->
// exchange signaling -> exchange chat messages -> end_call. This test
// measures end-to-end latency and throughput for the entire call experience.
func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs for full call lifecycle")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	callDuration := fs.Duration("call-duration", 30*time.Second, "How long each pair stays in the call")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between chat messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each chat message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match completion")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Call test: %d pairs (%d clients) to %s (ramp=%s, call=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *callDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	// Track whether ramp-up was interrupted so we can skip later phases.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and register all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, client.Options{})
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForRegistered(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)
				collector.AddRegister(m.RegisterLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping call phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// We need an even number of clients to form pairs. Drop any extra.
	mu.Lock()
	if len(clients)%2 != 0 {
		extra := clients[len(clients)-1]
		clients = clients[:len(clients)-1]
		extra.Close()
	}
	actualPairs := len(clients) / 2
	mu.Unlock()

	if actualPairs == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 + 3 + 4 — Match, Call, End (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-4: Running %d call pairs ---\n", actualPairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, actualPairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Generate chat payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	callProgressStop := make(chan struct{})
	var callProgressWg sync.WaitGroup
	callProgressWg.Add(1)
	go func() {
		defer callProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [call] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, actualPairs, sent, recv, errs)
			case <-callProgressStop:
				return
			}
		}
	}()

	callStart := time.Now()

	mu.Lock()
	pairedClients := make([]*client.Client, len(clients))
	copy(pairedClients, clients)
	mu.Unlock()

	for i := 0; i < actualPairs; i++ {
		i := i // capture loop variable
		c1 := pairedClients[i*2]
		c2 := pairedClients[i*2+1]

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger find_partner sends by 100ms between pairs to avoid
			// overwhelming the server. The queue is shared, so staggering
			// also keeps the intended pairing: pair i drains itself before
			// pair i+1 arrives.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, c1, c2, *callDuration, *msgInterval, *matchTimeout,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(callProgressStop)
	callProgressWg.Wait()

	callElapsed := time.Since(callStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulCalls int
	var signaledPairs int
	var totalSent, totalRecv int64
	var totalMatchLatency time.Duration
	matchedCount := 0

	for _, r := range results {
		if r.endedCleanly {
			successfulCalls++
		}
		if r.signaled {
			signaledPairs++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.matched {
			matchedCount++
			totalMatchLatency += r.matchLatency
		}
	}

	fmt.Printf("\n--- Call Results ---\n")
	fmt.Printf("Successful calls:  %d / %d\n", successfulCalls, actualPairs)
	fmt.Printf("Pairs matched:     %d / %d\n", matchedCount, actualPairs)
	fmt.Printf("Pairs signaled:    %d / %d\n", signaledPairs, actualPairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Call duration:     %s\n", callElapsed.Round(time.Millisecond))
	if matchedCount > 0 {
		avgMatch := totalMatchLatency / time.Duration(matchedCount)
		fmt.Printf("Avg match latency: %s\n", avgMatch.Round(time.Millisecond))
	}
	if callElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/callElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runPair executes the full call lifecycle for a pair of clients:
// find_partner -> signaling exchange -> chat messages -> end_call.
// It returns after the call ends or the context is cancelled.
func runPair(
	ctx context.Context,
	c1, c2 *client.Client,
	callDuration, msgInterval, matchTimeout time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Phase 2: Matching ---

	// matchInfo carries the relevant fields of a partner_found message.
	type matchInfo struct {
		callID string
		role   string
	}

	c1Matched := make(chan matchInfo, 1)
	c2Matched := make(chan matchInfo, 1)

	// Channels for signaling payload reception.
	c1SigRecv := make(chan struct{}, 8)
	c2SigRecv := make(chan struct{}, 8)

	// Channels for chat message reception during the call phase.
	c1MsgRecv := make(chan struct{}, 100)
	c2MsgRecv := make(chan struct{}, 100)

	// Channels for partner_left notification.
	c1PartnerLeft := make(chan struct{}, 1)
	c2PartnerLeft := make(chan struct{}, 1)

	onPartnerFound := func(ch chan matchInfo) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				CallID string `json:"call_id"`
				Role   string `json:"role"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.CallID != "" {
				select {
				case ch <- matchInfo{callID: msg.CallID, role: msg.Role}:
				default:
				}
			}
		}
	}
	c1.On(client.TypePartnerFound, onPartnerFound(c1Matched))
	c2.On(client.TypePartnerFound, onPartnerFound(c2Matched))

	onSignal := func(ch chan struct{}) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeSignal, onSignal(c1SigRecv))
	c2.On(client.TypeSignal, onSignal(c2SigRecv))

	onChat := func(ch chan struct{}) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			totalMsgRecv.Add(1)
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeChat, onChat(c1MsgRecv))
	c2.On(client.TypeChat, onChat(c2MsgRecv))

	onLeft := func(ch chan struct{}) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypePartnerLeft, onLeft(c1PartnerLeft))
	c2.On(client.TypePartnerLeft, onLeft(c2PartnerLeft))

	// Both send find_partner with wildcard filters.
	matchStart := time.Now()

	findMsg := map[string]interface{}{
		"type":   client.TypeFindPartner,
		"filter": map[string]string{},
	}
	if err := c1.Send(findMsg); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Send(findMsg); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for partner_found on both clients.
	matchCtx, matchCancel := context.WithTimeout(ctx, matchTimeout)
	defer matchCancel()

	var m1, m2 matchInfo

	select {
	case m1 = <-c1Matched:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case m2 = <-c2Matched:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	matchLatency := time.Since(matchStart)
	result.matched = true
	result.matchLatency = matchLatency
	collector.AddMatch(matchLatency)

	// --- Phase 3a: Signaling exchange ---

	// The initiator sends an offer-shaped payload, the responder answers.
	// Payloads are opaque to the broker; these stand in for SDP blobs.
	initiator, responder := c1, c2
	initiatorCall, responderCall := m1.callID, m2.callID
	responderSigRecv := c2SigRecv
	initiatorSigRecv := c1SigRecv
	if m2.role == "initiator" {
		initiator, responder = c2, c1
		initiatorCall, responderCall = m2.callID, m1.callID
		responderSigRecv = c1SigRecv
		initiatorSigRecv = c2SigRecv
	}

	sigCtx, sigCancel := context.WithTimeout(ctx, 10*time.Second)
	defer sigCancel()

	if err := initiator.Send(map[string]interface{}{
		"type":    client.TypeSignal,
		"call_id": initiatorCall,
		"payload": map[string]string{"kind": "offer", "sdp": "v=0 loadtest"},
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case <-responderSigRecv:
	case <-sigCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	if err := responder.Send(map[string]interface{}{
		"type":    client.TypeSignal,
		"call_id": responderCall,
		"payload": map[string]string{"kind": "answer", "sdp": "v=0 loadtest"},
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case <-initiatorSigRecv:
	case <-sigCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	result.signaled = true

	// --- Phase 3b: Chat ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	callCtx, callCancel := context.WithTimeout(ctx, callDuration)
	defer callCancel()

	// Each client sends messages on its own ticker. We track approximate
	// message latency by recording the time of the last send and measuring
	// until the next receive on the same client.
	var c1LastSend atomic.Int64 // unix nanoseconds of last send
	var c2LastSend atomic.Int64 // unix nanoseconds of last send

	var callWg sync.WaitGroup
	callWg.Add(2)

	sender := func(c *client.Client, callID string, lastSend *atomic.Int64) {
		defer callWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-callCtx.Done():
				return
			case <-ticker.C:
				lastSend.Store(time.Now().UnixNano())
				if err := c.Send(map[string]string{
					"type":    client.TypeChat,
					"call_id": callID,
					"text":    msgPayload,
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				result.msgSent++
			}
		}
	}
	go sender(c1, m1.callID, &c1LastSend)
	go sender(c2, m2.callID, &c2LastSend)

	callWg.Add(2)
	receiver := func(recv chan struct{}, lastSend *atomic.Int64) {
		defer callWg.Done()
		for {
			select {
			case <-callCtx.Done():
				return
			case <-recv:
				result.msgRecv++
				// Approximate latency: time since this side's last send.
				if ts := lastSend.Load(); ts > 0 {
					latency := time.Since(time.Unix(0, ts))
					collector.AddRelay(latency)
				}
			}
		}
	}
	go receiver(c1MsgRecv, &c1LastSend)
	go receiver(c2MsgRecv, &c2LastSend)

	// Wait for the call duration to expire.
	callWg.Wait()

	// --- Phase 4: End Call ---

	// c1 sends end_call.
	if err := c1.Send(map[string]string{
		"type":    client.TypeEndCall,
		"call_id": m1.callID,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for c2 to receive partner_left (with a short timeout).
	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-c2PartnerLeft:
		result.endedCleanly = true
	case <-c1PartnerLeft:
		// c1 got partner_left instead — still counts as ended.
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}
}
