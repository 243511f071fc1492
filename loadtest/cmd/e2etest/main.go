// Package main implements a standalone end-to-end integration test for the
// QuikChat broker. It validates the full user journey against a running
// server: health checks, registration handshake, matchmaking, signal relay,
// chat relay, end call, identity takeover, and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quikchat/broker/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== QuikChat Broker E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2Register(ctx, *wsURL))

	// Scenarios 3-5 share matched clients; run them as a group.
	s3, s4, s5 := scenario345MatchRelayEnd(ctx, *wsURL)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6IdentityTakeover(ctx, *wsURL))

	// Optional scenario (non-fatal, depends on Redis being configured).
	results = append(results, scenario7RateLimiting(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health — expect JSON with status "ok".
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status string `json:"status"`
		Online int    `json:"online_users"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status=%q", healthResp.Status)}
	}

	// 1b. /metrics — expect Prometheus text with quikchat_connections_total.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "quikchat_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing quikchat_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online=%d", healthResp.Online)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Register
// ---------------------------------------------------------------------------

func scenario2Register(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect and Register"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, client.Options{})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, client.Options{})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	if err := clientA.WaitForRegistered(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A register: %v", err)}
	}
	if err := clientB.WaitForRegistered(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B register: %v", err)}
	}

	cidA := clientA.ConnectionID()
	cidB := clientB.ConnectionID()
	if cidA == "" || cidB == "" {
		return scenarioResult{name, resultFail, "empty connection ID"}
	}
	if cidA == cidB {
		return scenarioResult{name, resultFail, "duplicate connection IDs"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("conn_a=%s, conn_b=%s", truncateID(cidA), truncateID(cidB))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Matchmaking, Signal and Chat Relay, End Call
// ---------------------------------------------------------------------------

func scenario345MatchRelayEnd(ctx context.Context, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Matchmaking"
	s4Name := "Scenario 4: Signal and Chat Relay"
	s5Name := "Scenario 5: End Call"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: matching failed"},
			scenarioResult{s5Name, resultFail, "skipped: matching failed"}
	}

	// --- Scenario 3: Matchmaking ---
	matchStart := time.Now()

	clientA, clientB, callIDA, callIDB, err := connectAndMatch(ctx, wsURL)
	if err != nil {
		return failAll(err.Error())
	}
	defer clientA.Close()
	defer clientB.Close()

	if callIDA != callIDB {
		return failAll(fmt.Sprintf("call ID mismatch: %s vs %s", callIDA, callIDB))
	}

	matchDuration := time.Since(matchStart)
	s3Result := scenarioResult{s3Name, resultPass,
		fmt.Sprintf("call_id=%s, match_time=%s", truncateID(callIDA), matchDuration.Round(time.Millisecond))}

	// --- Scenario 4: Signal and Chat Relay ---
	sigToB := make(chan string, 1) // carries the payload kind that B received
	chatToA := make(chan string, 1)

	clientB.On(client.TypeSignal, func(raw json.RawMessage) {
		var msg struct {
			From    string `json:"from"`
			Payload struct {
				Kind string `json:"kind"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case sigToB <- msg.Payload.Kind:
			default:
			}
		}
	})

	clientA.On(client.TypeChat, func(raw json.RawMessage) {
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case chatToA <- msg.Text:
			default:
			}
		}
	})

	relayCtx, relayCancel := context.WithTimeout(ctx, 10*time.Second)
	defer relayCancel()

	// Client A sends a signaling payload; the broker must forward it to B
	// without inspecting it.
	if err := clientA.Send(map[string]interface{}{
		"type":    client.TypeSignal,
		"call_id": callIDA,
		"payload": map[string]string{"kind": "offer", "sdp": "v=0 e2e"},
	}); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client A signal: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	select {
	case kind := <-sigToB:
		if kind != "offer" {
			return s3Result,
				scenarioResult{s4Name, resultFail, fmt.Sprintf("payload mismatch: expected offer, got %q", kind)},
				scenarioResult{s5Name, resultFail, "skipped: relay failed"}
		}
	case <-relayCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client B did not receive signal from A"},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	// Client B sends a chat message; A should receive it verbatim.
	textB := "Hello from B"
	if err := clientB.Send(map[string]string{
		"type":    client.TypeChat,
		"call_id": callIDB,
		"text":    textB,
	}); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B chat: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	select {
	case got := <-chatToA:
		if got != textB {
			return s3Result,
				scenarioResult{s4Name, resultFail, fmt.Sprintf("content mismatch: expected %q, got %q", textB, got)},
				scenarioResult{s5Name, resultFail, "skipped: relay failed"}
		}
	case <-relayCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client A did not receive chat from B"},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	s4Result := scenarioResult{s4Name, resultPass, "signal + chat relayed"}

	// --- Scenario 5: End Call ---
	partnerLeftB := make(chan string, 1) // carries the reason

	clientB.On(client.TypePartnerLeft, func(raw json.RawMessage) {
		var msg struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case partnerLeftB <- msg.Reason:
		default:
		}
	})

	endCtx, endCancel := context.WithTimeout(ctx, 10*time.Second)
	defer endCancel()

	// Client A sends end_call.
	if err := clientA.Send(map[string]string{
		"type":    client.TypeEndCall,
		"call_id": callIDA,
	}); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A end_call: %v", err)}
	}

	// Client B should receive partner_left with reason "explicit".
	select {
	case reason := <-partnerLeftB:
		if reason != "explicit" {
			return s3Result, s4Result,
				scenarioResult{s5Name, resultFail, fmt.Sprintf("unexpected reason %q", reason)}
		}
	case <-endCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: client B did not receive partner_left"}
	}

	// Close connections cleanly.
	clientA.Close()
	clientB.Close()

	s5Result := scenarioResult{s5Name, resultPass, "reason=explicit"}
	return s3Result, s4Result, s5Result
}

// ---------------------------------------------------------------------------
// Scenario 6: Identity Takeover
// ---------------------------------------------------------------------------

func scenario6IdentityTakeover(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Identity Takeover"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	userID := uuid.New().String()

	first, err := client.New(scenarioCtx, wsURL, client.Options{UserID: userID})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("first connect: %v", err)}
	}
	defer first.Close()

	if err := first.WaitForRegistered(scenarioCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("first register: %v", err)}
	}

	// Register again with the same user ID on a new connection. The broker
	// must honor the newest connection and force-close the old one.
	second, err := client.New(scenarioCtx, wsURL, client.Options{UserID: userID})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("second connect: %v", err)}
	}
	defer second.Close()

	if err := second.WaitForRegistered(scenarioCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("second register: %v", err)}
	}

	// The first connection should be closed by the server shortly; its read
	// loop records an error when that happens.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if first.GetMetrics().Errors > 0 {
			return scenarioResult{name, resultPass, "stale connection evicted"}
		}
		select {
		case <-scenarioCtx.Done():
			return scenarioResult{name, resultFail, "interrupted"}
		case <-time.After(100 * time.Millisecond):
		}
	}

	return scenarioResult{name, resultFail, "stale connection was not closed"}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	c, err := client.New(scenarioCtx, wsURL, client.Options{})
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	if err := c.WaitForRegistered(scenarioCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}

	// Listen for rate_limited.
	rateLimited := make(chan struct{}, 1)
	c.On(client.TypeRateLimited, func(_ json.RawMessage) {
		select {
		case rateLimited <- struct{}{}:
		default:
		}
	})

	// Cycle find_partner/cancel_find rapidly. The partner-search limit is
	// well below 40 requests per minute.
	sentCount := 0
	for i := 0; i < 40; i++ {
		err := c.Send(map[string]interface{}{
			"type":   client.TypeFindPartner,
			"filter": map[string]string{},
		})
		if err != nil {
			break
		}
		sentCount++
		_ = c.Send(map[string]string{"type": client.TypeCancelFind})
	}

	// Wait briefly for a rate_limited response.
	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d requests", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited after %d requests (limiter may be disabled)", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connectAndMatch creates two clients, registers them, matches them against
// each other, and returns both clients with the call IDs each side received.
// Caller is responsible for closing the clients.
func connectAndMatch(ctx context.Context, wsURL string) (clientA, clientB *client.Client, callIDA, callIDB string, err error) {
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err = client.New(connCtx, wsURL, client.Options{})
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("client A connect: %w", err)
	}

	clientB, err = client.New(connCtx, wsURL, client.Options{})
	if err != nil {
		clientA.Close()
		return nil, nil, "", "", fmt.Errorf("client B connect: %w", err)
	}

	if err := clientA.WaitForRegistered(connCtx); err != nil {
		clientA.Close()
		clientB.Close()
		return nil, nil, "", "", fmt.Errorf("client A register: %w", err)
	}
	if err := clientB.WaitForRegistered(connCtx); err != nil {
		clientA.Close()
		clientB.Close()
		return nil, nil, "", "", fmt.Errorf("client B register: %w", err)
	}

	// Set up match handlers.
	matchFoundA := make(chan string, 1)
	matchFoundB := make(chan string, 1)

	onFound := func(ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				CallID string `json:"call_id"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.CallID != "" {
				select {
				case ch <- msg.CallID:
				default:
				}
			}
		}
	}
	clientA.On(client.TypePartnerFound, onFound(matchFoundA))
	clientB.On(client.TypePartnerFound, onFound(matchFoundB))

	// Both send find_partner with wildcard filters.
	findMsg := map[string]interface{}{
		"type":   client.TypeFindPartner,
		"filter": map[string]string{},
	}
	if err := clientA.Send(findMsg); err != nil {
		clientA.Close()
		clientB.Close()
		return nil, nil, "", "", fmt.Errorf("client A find_partner: %w", err)
	}
	if err := clientB.Send(findMsg); err != nil {
		clientA.Close()
		clientB.Close()
		return nil, nil, "", "", fmt.Errorf("client B find_partner: %w", err)
	}

	// Wait for partner_found.
	matchCtx, matchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer matchCancel()

	select {
	case callIDA = <-matchFoundA:
	case <-matchCtx.Done():
		clientA.Close()
		clientB.Close()
		return nil, nil, "", "", fmt.Errorf("timeout waiting for partner_found on client A")
	}

	select {
	case callIDB = <-matchFoundB:
	case <-matchCtx.Done():
		clientA.Close()
		clientB.Close()
		return nil, nil, "", "", fmt.Errorf("timeout waiting for partner_found on client B")
	}

	return clientA, clientB, callIDA, callIDB, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
