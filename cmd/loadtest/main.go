// Command loadtest drives simulated players against a running shard: it
// ramps up a target connection count, has each client identify, create
// or join a game, and ping on an interval, and prints periodic
// throughput/latency stats until interrupted or the sustain window ends.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/codearena/internal/protocol"
)

type options struct {
	wsURL          string
	healthURL      string
	targetConns    int
	rampPerSec     int
	sustainSeconds int
	reportSeconds  int
	pingSeconds    int
	joinFraction   float64
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.wsURL, "url", "ws://127.0.0.1:5000/ws", "shard websocket endpoint")
	flag.StringVar(&o.healthURL, "health-url", "http://127.0.0.1:5000/health", "shard health endpoint")
	flag.IntVar(&o.targetConns, "connections", 100, "target number of simulated clients")
	flag.IntVar(&o.rampPerSec, "ramp", 20, "new connections opened per second")
	flag.IntVar(&o.sustainSeconds, "sustain", 60, "seconds to hold the target connection count")
	flag.IntVar(&o.reportSeconds, "report-interval", 5, "seconds between stat reports")
	flag.IntVar(&o.pingSeconds, "ping-interval", 10, "seconds between each client's keepalive ping")
	flag.Float64Var(&o.joinFraction, "join-fraction", 0.7, "fraction of clients that join an existing game instead of creating one")
	flag.Parse()
	return o
}

// stats are updated from every client goroutine concurrently; every
// field is touched only through sync/atomic.
type stats struct {
	connected     int64
	failed        int64
	gamesCreated  int64
	gamesJoined   int64
	responses     int64
	errors        int64
	latencyTotal  int64 // nanoseconds, response round trip
	latencySample int64
}

func (s *stats) recordLatency(d time.Duration) {
	atomic.AddInt64(&s.latencyTotal, int64(d))
	atomic.AddInt64(&s.latencySample, 1)
}

func (s *stats) snapshot() (connected, failed, created, joined, responses, errs int64, avgLatency time.Duration) {
	connected = atomic.LoadInt64(&s.connected)
	failed = atomic.LoadInt64(&s.failed)
	created = atomic.LoadInt64(&s.gamesCreated)
	joined = atomic.LoadInt64(&s.gamesJoined)
	responses = atomic.LoadInt64(&s.responses)
	errs = atomic.LoadInt64(&s.errors)
	if n := atomic.LoadInt64(&s.latencySample); n > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&s.latencyTotal) / n)
	}
	return
}

func main() {
	opts := parseFlags()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := &stats{}
	var activeGames []string
	var gamesMu sync.Mutex

	log.Printf("loadtest: ramping to %d connections at %d/s against %s", opts.targetConns, opts.rampPerSec, opts.wsURL)

	rampTicker := time.NewTicker(time.Second / time.Duration(max(opts.rampPerSec, 1)))
	defer rampTicker.Stop()
	reportTicker := time.NewTicker(time.Duration(opts.reportSeconds) * time.Second)
	defer reportTicker.Stop()

	sustainDeadline := time.After(time.Duration(opts.sustainSeconds+opts.targetConns/max(opts.rampPerSec, 1)) * time.Second)

	spawned := 0
	for spawned < opts.targetConns {
		select {
		case <-ctx.Done():
			printReport(st)
			return
		case <-rampTicker.C:
			spawned++
			joinGame := ""
			if rand.Float64() < opts.joinFraction {
				gamesMu.Lock()
				if len(activeGames) > 0 {
					joinGame = activeGames[rand.Intn(len(activeGames))]
				}
				gamesMu.Unlock()
			}
			go runClient(ctx, opts, st, joinGame, func(gameID string) {
				gamesMu.Lock()
				activeGames = append(activeGames, gameID)
				gamesMu.Unlock()
			})
		case <-reportTicker.C:
			printReport(st)
			pollHealth(opts.healthURL)
		}
	}

	for {
		select {
		case <-ctx.Done():
			printReport(st)
			return
		case <-sustainDeadline:
			printReport(st)
			log.Println("loadtest: sustain window elapsed, exiting")
			return
		case <-reportTicker.C:
			printReport(st)
			pollHealth(opts.healthURL)
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runClient opens one websocket connection, identifies, creates or
// joins a game, then pings on an interval until ctx is cancelled.
func runClient(ctx context.Context, opts options, st *stats, joinGame string, onCreated func(string)) {
	conn, _, _, err := ws.Dial(ctx, opts.wsURL)
	if err != nil {
		atomic.AddInt64(&st.failed, 1)
		return
	}
	defer conn.Close()
	atomic.AddInt64(&st.connected, 1)
	defer atomic.AddInt64(&st.connected, -1)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := wsutil.ReadServerData(conn); err != nil {
		atomic.AddInt64(&st.errors, 1)
		return
	}

	nickname := fmt.Sprintf("loadbot-%d", rand.Int31())
	identifySent := time.Now()
	if err := sendRequest(conn, protocol.ReqIdentify, protocol.IdentifyRequest{Nickname: nickname}); err != nil {
		atomic.AddInt64(&st.errors, 1)
		return
	}
	waitForResponse(conn, st, identifySent)

	if joinGame != "" {
		sent := time.Now()
		if err := sendRequest(conn, protocol.ReqJoin, protocol.JoinRequest{GameID: joinGame}); err == nil {
			waitForResponse(conn, st, sent)
			atomic.AddInt64(&st.gamesJoined, 1)
		}
	} else {
		sent := time.Now()
		if err := sendRequest(conn, protocol.ReqCreate, protocol.CreateRequest{}); err == nil {
			if resp, ok := waitForResponse(conn, st, sent); ok {
				var created protocol.CreateResponse
				if json.Unmarshal(resp.D, &created) == nil && created.GameID != "" {
					onCreated(created.GameID)
					atomic.AddInt64(&st.gamesCreated, 1)
				}
			}
		}
	}

	ticker := time.NewTicker(time.Duration(opts.pingSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := time.Now()
			if err := sendRequest(conn, protocol.ReqPing, protocol.PingRequest{}); err != nil {
				atomic.AddInt64(&st.errors, 1)
				return
			}
			waitForResponse(conn, st, sent)
		}
	}
}

func sendRequest(conn net.Conn, op protocol.RequestOp, payload any) error {
	d, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := json.Marshal(protocol.Request{Op: op, D: d})
	if err != nil {
		return err
	}
	env, err := json.Marshal(protocol.Envelope{Op: protocol.OpRequest, D: req})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, env)
}

func waitForResponse(conn net.Conn, st *stats, sent time.Time) (protocol.Response, bool) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		return protocol.Response{}, false
	}
	var env protocol.Envelope
	if json.Unmarshal(raw, &env) != nil || env.Op != protocol.OpResponse {
		return protocol.Response{}, false
	}
	var resp protocol.Response
	if json.Unmarshal(env.D, &resp) != nil {
		return protocol.Response{}, false
	}
	atomic.AddInt64(&st.responses, 1)
	st.recordLatency(time.Since(sent))
	return resp, true
}

func printReport(st *stats) {
	connected, failed, created, joined, responses, errs, avgLatency := st.snapshot()
	log.Printf("connected=%d failed=%d gamesCreated=%d gamesJoined=%d responses=%d errors=%d avgLatency=%s",
		connected, failed, created, joined, responses, errs, avgLatency)
}

func pollHealth(url string) {
	resp, err := http.Get(url)
	if err != nil {
		log.Printf("health check failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("health check returned %d", resp.StatusCode)
	}
}
