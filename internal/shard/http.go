package shard

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/adred-codev/codearena/internal/session"
)

// handleWebSocket upgrades the request, registers the new session in
// the local table and the directory, and launches its read/write pumps.
// Two gates run before the upgrade: the live resource guard (CPU/RSS,
// sampled by the LoadGate) and the static MaxConnections slot semaphore.
func (s *Shard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.gate != nil {
		if accept, code := s.gate.ShouldAcceptConnection(); !accept {
			if s.met != nil {
				s.met.CapacityRejections.WithLabelValues(code).Inc()
			}
			s.log.Debug().Str("reason", code).Msg("connection rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	select {
	case <-s.slots:
	default:
		if s.met != nil {
			s.met.CapacityRejections.WithLabelValues("at_max_connections").Inc()
		}
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.slots <- struct{}{}
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.New()
	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
	}
	sess := session.New(clientID, s.cfg.ID, conn, s.cfg.SendQueueSize, limiter, s.router, s.log)

	s.store(sess)
	if err := s.dir.RegisterSocket(r.Context(), clientID, s.cfg.ID); err != nil {
		s.log.Warn().Err(err).Str("clientId", clientID.String()).Msg("register socket in directory")
	}
	if err := sess.OnOpen(); err != nil {
		s.log.Warn().Err(err).Str("clientId", clientID.String()).Msg("send hello")
	}

	go s.runWritePump(sess)
	go s.runReadPump(sess, clientID, conn)
}

func (s *Shard) runWritePump(sess *session.Session) {
	sess.WriteLoop()
}

func (s *Shard) runReadPump(sess *session.Session, clientID uuid.UUID, conn net.Conn) {
	sess.ReadLoop(s.ctx, s.cfg.RequestTimeout)

	s.drop(clientID)
	if err := s.dir.UnregisterSocket(s.ctx, clientID); err != nil {
		s.log.Warn().Err(err).Str("clientId", clientID.String()).Msg("unregister socket from directory")
	}
	_ = conn.Close()
	s.slots <- struct{}{}
}

type healthResponse struct {
	ShardID string `json:"shard_id"`
	Status  string `json:"status"`
}

func (s *Shard) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{ShardID: s.cfg.ID.String(), Status: "ok"})
}
