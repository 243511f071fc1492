package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quikchat/broker/internal/broker"
	"github.com/quikchat/broker/internal/events"
	"github.com/quikchat/broker/internal/metrics"
	"github.com/quikchat/broker/internal/presence"
	"github.com/quikchat/broker/internal/protocol"
	"github.com/quikchat/broker/internal/ratelimit"
	"github.com/quikchat/broker/internal/ws"
)

func main() {
	config := ws.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	sweepInterval := broker.DefaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweepInterval = d
		}
	}

	// --- Redis (optional, rate limiting only) ---
	var limiter *ratelimit.Limiter
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis at %s: %v", redisAddr, err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- NATS (optional, lifecycle event feed) ---
	var publisher *events.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		eventsConfig := events.DefaultConfig()
		eventsConfig.URL = natsURL
		var err error
		publisher, err = events.NewPublisher(eventsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("QuikChat broker starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  sweep_interval:  %s", sweepInterval)
	log.Printf("  redis_addr:      %s", orDisabled(redisAddr))
	log.Printf("  nats_url:        %s", orDisabled(os.Getenv("NATS_URL")))

	b := broker.New()
	dispatcher := ws.NewDispatcher()

	// Declare server early so handler closures can capture it.
	var server *ws.Server

	// sendError reports a recoverable broker error back to the client.
	sendError := func(conn *ws.Connection, err error) {
		resp, buildErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    broker.ErrorCode(err),
			Message: err.Error(),
		})
		if buildErr != nil {
			log.Printf("failed to build error message conn=%s: %v", conn.ID, buildErr)
			return
		}
		_ = conn.WriteMessage(resp)
	}

	// sendRateLimited tells the client to back off.
	sendRateLimited := func(conn *ws.Connection, identifier string, rule ratelimit.Rule) {
		retry := limiter.RetryAfter(context.Background(), identifier, rule)
		resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: retry,
		})
		_ = conn.WriteMessage(resp)
	}

	// deliverNotice sends partner_left for a torn-down call and mirrors the
	// end to the event feed.
	deliverNotice := func(notice *broker.PartnerNotice) {
		if notice == nil {
			return
		}
		publisher.CallEnded(notice.CallID, notice.Reason)
		if notice.ConnID == "" {
			return
		}
		resp, err := protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{
			CallID: notice.CallID,
			Reason: notice.Reason,
		})
		if err != nil {
			log.Printf("failed to build partner_left call=%s: %v", notice.CallID, err)
			return
		}
		if err := server.SendMessage(notice.ConnID, resp); err != nil {
			log.Printf("partner_left delivery failed user=%s: %v", notice.UserID, err)
		}
	}

	// userByConn resolves the registered identity behind a connection.
	userByConn := func(conn *ws.Connection) (broker.UserSession, bool) {
		sess, ok := b.LookupByConnection(conn.ID)
		if !ok {
			sendError(conn, broker.ErrNotRegistered)
		}
		return sess, ok
	}

	presenceCaster := presence.New(
		b.OnlineCount,
		func(msg []byte) { server.Connections().Broadcast(msg) },
		publisher.Presence,
	)

	// -----------------------------------------------------------------------
	// register — bind a user identity to this connection
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		regMsg, ok := msg.(protocol.RegisterMsg)
		if !ok {
			return
		}

		res, err := b.Register(conn.ID, regMsg.UserID, regMsg.Username, broker.Profile{
			Gender:   regMsg.Profile.Gender,
			Country:  regMsg.Profile.Country,
			Language: regMsg.Profile.Language,
			Attrs:    regMsg.Profile.Attrs,
		})
		if err != nil {
			sendError(conn, err)
			return
		}

		// Partners of calls torn down by the takeover hear about it first,
		// then the stale connections are force-closed. Order matters: once a
		// connection closes, nothing can be delivered to it.
		for i := range res.PartnerNotices {
			deliverNotice(&res.PartnerNotices[i])
		}
		for _, evicted := range res.EvictedConnIDs {
			log.Printf("register: evicting stale connection %s for user=%s", evicted, regMsg.UserID)
			server.CloseConnection(evicted)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeRegistered, protocol.RegisteredMsg{
			UserID:       res.Session.UserID,
			ConnectionID: res.Session.ConnectionID,
		})
		_ = conn.WriteMessage(resp)

		presenceCaster.Trigger()
		log.Printf("register user=%s conn=%s", regMsg.UserID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// find_partner — match against the queue or start waiting
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindPartner, func(conn *ws.Connection, msg interface{}) {
		findMsg, ok := msg.(protocol.FindPartnerMsg)
		if !ok {
			return
		}
		sess, ok := userByConn(conn)
		if !ok {
			return
		}

		if !limiter.Allow(context.Background(), sess.UserID, ratelimit.RuleFindPartner) {
			sendRateLimited(conn, sess.UserID, ratelimit.RuleFindPartner)
			return
		}

		match, wait, err := b.FindPartner(sess.UserID, broker.Filter{
			Gender:   findMsg.Filter.Gender,
			Country:  findMsg.Filter.Country,
			Language: findMsg.Filter.Language,
		})
		if err != nil {
			sendError(conn, err)
			return
		}

		if wait != nil {
			resp, _ := protocol.NewServerMessage(protocol.TypeWaiting, protocol.WaitingMsg{
				Position:             wait.Position,
				EstimatedWaitSeconds: int(wait.EstimatedWait.Seconds()),
			})
			_ = conn.WriteMessage(resp)
			log.Printf("find_partner user=%s waiting position=%d", sess.UserID, wait.Position)
			return
		}

		publisher.CallCreated(match.Call.ID, match.Call.Initiator, match.Call.Responder)

		for _, side := range []broker.MatchSide{match.Caller, match.Candidate} {
			resp, err := protocol.NewServerMessage(protocol.TypePartnerFound, protocol.PartnerFoundMsg{
				CallID: match.Call.ID,
				Role:   side.Role,
				Partner: protocol.Partner{
					UserID:   side.Partner.UserID,
					Username: side.Partner.Username,
					Profile: protocol.Profile{
						Gender:   side.Partner.Profile.Gender,
						Country:  side.Partner.Profile.Country,
						Language: side.Partner.Profile.Language,
						Attrs:    side.Partner.Profile.Attrs,
					},
				},
			})
			if err != nil {
				log.Printf("failed to build partner_found call=%s: %v", match.Call.ID, err)
				continue
			}
			if err := server.SendMessage(side.ConnID, resp); err != nil {
				log.Printf("partner_found delivery failed user=%s: %v", side.UserID, err)
			}
		}
		log.Printf("match call=%s initiator=%s responder=%s",
			match.Call.ID, match.Call.Initiator, match.Call.Responder)
	})

	// -----------------------------------------------------------------------
	// cancel_find — leave the waiting queue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCancelFind, func(conn *ws.Connection, msg interface{}) {
		sess, ok := userByConn(conn)
		if !ok {
			return
		}
		if b.CancelFind(sess.UserID) {
			log.Printf("cancel_find user=%s", sess.UserID)
		}
	})

	// -----------------------------------------------------------------------
	// signal — relay an opaque signaling payload to the call partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSignal, func(conn *ws.Connection, msg interface{}) {
		sigMsg, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		sess, ok := userByConn(conn)
		if !ok {
			return
		}

		if !limiter.Allow(context.Background(), sess.UserID, ratelimit.RuleSignal) {
			sendRateLimited(conn, sess.UserID, ratelimit.RuleSignal)
			return
		}

		target, err := b.Relay(sigMsg.CallID, sess.UserID)
		if err != nil {
			sendError(conn, err)
			return
		}
		if target.PartnerConnID == "" {
			// Partner has no live connection right now; drop silently. A
			// reconnect resynchronizes at the transport layer.
			metrics.SignalsDroppedTotal.Inc()
			return
		}

		// Marshal the relayed frame directly: routing the raw payload
		// through a generic map would re-encode it, and the broker forwards
		// signaling payloads byte-for-byte.
		resp, err := json.Marshal(protocol.ServerSignalMsg{
			Type:    protocol.TypeSignal,
			CallID:  sigMsg.CallID,
			From:    sess.UserID,
			Payload: sigMsg.Payload,
		})
		if err != nil {
			log.Printf("failed to build signal relay call=%s: %v", sigMsg.CallID, err)
			return
		}
		if err := server.SendMessage(target.PartnerConnID, resp); err != nil {
			metrics.SignalsDroppedTotal.Inc()
			return
		}
		metrics.SignalsTotal.WithLabelValues("signal").Inc()
	})

	// -----------------------------------------------------------------------
	// chat — relay a text message to the call partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeChat, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		sess, ok := userByConn(conn)
		if !ok {
			return
		}

		target, err := b.Relay(chatMsg.CallID, sess.UserID)
		if err != nil {
			sendError(conn, err)
			return
		}
		if target.PartnerConnID == "" {
			metrics.SignalsDroppedTotal.Inc()
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeChat, protocol.ServerChatMsg{
			CallID: chatMsg.CallID,
			From:   sess.UserID,
			Text:   chatMsg.Text,
			Ts:     time.Now().Unix(),
		})
		if err := server.SendMessage(target.PartnerConnID, resp); err != nil {
			metrics.SignalsDroppedTotal.Inc()
			return
		}
		metrics.SignalsTotal.WithLabelValues("chat").Inc()
	})

	// -----------------------------------------------------------------------
	// next_partner / end_call — end the current call
	// -----------------------------------------------------------------------
	endHandler := func(reason string) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			var callID string
			switch m := msg.(type) {
			case protocol.NextPartnerMsg:
				callID = m.CallID
			case protocol.EndCallMsg:
				callID = m.CallID
			default:
				return
			}
			sess, ok := userByConn(conn)
			if !ok {
				return
			}

			notice, err := b.EndCall(callID, sess.UserID, reason)
			if err != nil {
				sendError(conn, err)
				return
			}
			deliverNotice(notice)
			log.Printf("end call=%s by=%s reason=%s", callID, sess.UserID, reason)
		}
	}
	dispatcher.Register(protocol.TypeNextPartner, endHandler(broker.ReasonSkipped))
	dispatcher.Register(protocol.TypeEndCall, endHandler(broker.ReasonExplicit))

	server = ws.NewServer(config, dispatcher.Dispatch)

	// Connection admission: per-IP rate limit (no-op without Redis).
	server.SetConnectGate(func(remoteIP string) bool {
		return limiter.Allow(context.Background(), remoteIP, ratelimit.RuleConnect)
	})

	// Disconnect coordinator: dequeue, end the call, remove the session,
	// refresh presence. The broker does all of it in one critical section.
	server.SetOnDisconnect(func(connID string) {
		res := b.Disconnect(connID)
		if res == nil {
			return
		}
		deliverNotice(res.PartnerNotice)
		presenceCaster.Trigger()
		log.Printf("disconnect cleanup user=%s conn=%s queued=%v", res.UserID, connID, res.WasQueued)
	})

	// HTTP endpoints besides /ws.
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		online, waiting, calls := b.Counts()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
			Online      int    `json:"online_users"`
			Waiting     int    `json:"waiting"`
			ActiveCalls int    `json:"active_calls"`
			Uptime      string `json:"uptime"`
		}{
			Status:      "ok",
			Connections: server.Connections().Count(),
			Online:      online,
			Waiting:     waiting,
			ActiveCalls: calls,
			Uptime:      server.Uptime().Round(time.Second).String(),
		})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	presenceCaster.Start(ctx)
	b.StartSweep(ctx, sweepInterval, server.Connections().Has)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		publisher.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
