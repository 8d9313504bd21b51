// Package shard runs one shard process: it owns the listener, the local
// session table, the Redis pub/sub subscription that carries inter-shard
// traffic, and implements the collaborator interfaces (router.Sessions,
// game.ShardTransport) that let the router and game packages reach
// outside their own import boundary without ever importing this package
// themselves.
package shard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/codearena/internal/game"
	"github.com/adred-codev/codearena/internal/metrics"
	"github.com/adred-codev/codearena/internal/router"
	"github.com/adred-codev/codearena/internal/session"
	"github.com/adred-codev/codearena/internal/shardwire"
)

// Directory is the surface Shard needs from the directory package;
// satisfied by *directory.Directory, and by test fakes.
type Directory interface {
	RegisterSocket(ctx context.Context, clientID, shardID uuid.UUID) error
	UnregisterSocket(ctx context.Context, clientID uuid.UUID) error
	Publish(ctx context.Context, shardID uuid.UUID, payload []byte) error
	Subscribe(ctx context.Context, shardID uuid.UUID) *redis.PubSub
}

// LoadGate gates new connections against live resource pressure, on top
// of the static MaxConnections slot semaphore. Satisfied by
// *sysload.Sampler. A nil LoadGate disables the check entirely.
type LoadGate interface {
	ShouldAcceptConnection() (accept bool, code string)
}

// Config holds everything a Shard needs beyond its collaborators.
type Config struct {
	ID             uuid.UUID
	BindAddr       string
	MaxConnections int
	SendQueueSize  int
	RequestTimeout time.Duration
	RateLimit      rate.Limit
	RateBurst      int
}

// Shard owns one accept loop, one pub/sub subscription and the session
// table both consult. It implements router.Sessions and
// game.ShardTransport; the router it drives is assigned after
// construction via SetRouter, breaking the otherwise-cyclic
// Shard<->Router wiring at construction time rather than at the type
// level (neither package imports the other).
type Shard struct {
	cfg  Config
	dir  Directory
	met  *metrics.Registry
	gate LoadGate
	log  zerolog.Logger

	router *router.Router

	sessions sync.Map // uuid.UUID -> *session.Session
	slots    chan struct{}

	ln net.Listener
	hs *http.Server
	ps *shardPubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	critical chan error
}

// New builds a Shard. gate may be nil, in which case only the static
// MaxConnections slot semaphore gates new connections. The returned
// value has no Router yet; call SetRouter once one has been constructed
// with this Shard as its Sessions and ShardTransport collaborator.
func New(cfg Config, dir Directory, met *metrics.Registry, gate LoadGate, logger zerolog.Logger) *Shard {
	ctx, cancel := context.WithCancel(context.Background())
	slots := make(chan struct{}, cfg.MaxConnections)
	for i := 0; i < cfg.MaxConnections; i++ {
		slots <- struct{}{}
	}

	return &Shard{
		cfg:      cfg,
		dir:      dir,
		met:      met,
		gate:     gate,
		log:      logger.With().Str("shardId", cfg.ID.String()).Logger(),
		slots:    slots,
		ctx:      ctx,
		cancel:   cancel,
		critical: make(chan error, 1),
	}
}

// SetRouter assigns the router this shard dispatches requests through.
// Must be called before Run.
func (s *Shard) SetRouter(r *router.Router) {
	s.router = r
}

// Lookup implements router.Sessions.
func (s *Shard) Lookup(clientID uuid.UUID) (*session.Session, bool) {
	v, ok := s.sessions.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}

func (s *Shard) store(sess *session.Session) {
	s.sessions.Store(sess.ClientID(), sess)
	if s.met != nil {
		s.met.SessionsActive.Inc()
		s.met.SessionsTotal.Inc()
	}
}

func (s *Shard) drop(clientID uuid.UUID) {
	if _, ok := s.sessions.LoadAndDelete(clientID); ok && s.met != nil {
		s.met.SessionsActive.Dec()
	}
}

// PublishToClient implements game.ShardTransport: it wraps frame for
// delivery on shardID's topic, to be picked up by whichever shard has
// clientID's session.
func (s *Shard) PublishToClient(ctx context.Context, shardID, clientID uuid.UUID, frame []byte) error {
	return s.publishEnvelope(ctx, shardID, shardwire.ShardDefault{
		Op:           shardwire.OpSendToClient,
		D:            frame,
		ID:           uuid.New(),
		TargetClient: clientID,
	})
}

// PublishRequest implements game.ShardTransport.
func (s *Shard) PublishRequest(ctx context.Context, shardID uuid.UUID, req shardwire.ShardRequest) error {
	d, err := shardwire.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode shard request: %w", err)
	}
	return s.publishEnvelope(ctx, shardID, shardwire.ShardDefault{Op: shardwire.OpRequest, D: d, ID: uuid.New()})
}

// PublishResponse implements game.ShardTransport.
func (s *Shard) PublishResponse(ctx context.Context, shardID uuid.UUID, resp shardwire.ShardResponse) error {
	d, err := shardwire.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode shard response: %w", err)
	}
	return s.publishEnvelope(ctx, shardID, shardwire.ShardDefault{Op: shardwire.OpResponse, D: d, ID: uuid.New()})
}

func (s *Shard) publishEnvelope(ctx context.Context, shardID uuid.UUID, env shardwire.ShardDefault) error {
	payload, err := shardwire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode shard envelope: %w", err)
	}
	if err := s.dir.Publish(ctx, shardID, payload); err != nil {
		if s.met != nil {
			s.met.DirectoryErrors.Inc()
		}
		return fmt.Errorf("publish to shard %s: %w", shardID, err)
	}
	return nil
}

// UnregisterLocalParticipant implements game.ShardTransport. It only
// succeeds when hostID's session still lives on this shard and holds an
// authoritative *game.Host replica.
func (s *Shard) UnregisterLocalParticipant(ctx context.Context, hostID, clientID uuid.UUID) (bool, error) {
	hostSess, ok := s.Lookup(hostID)
	if !ok {
		return false, nil
	}
	repl, ok := hostSess.Game()
	if !ok {
		return false, nil
	}
	host, ok := repl.(*game.Host)
	if !ok {
		return false, nil
	}
	host.Unregister(ctx, clientID)
	return true, nil
}

// Run binds the listener, starts the HTTP server, the pub/sub reader
// loop and the critical-error watcher, and blocks until ctx is
// cancelled or a fatal error occurs. The caller is expected to call
// Shutdown from a signal handler running concurrently with Run.
func (s *Shard) Run(ctx context.Context) error {
	if s.router == nil {
		return fmt.Errorf("shard %s: Run called before SetRouter", s.cfg.ID)
	}

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("shard %s: listen %s: %w", s.cfg.ID, s.cfg.BindAddr, err)
	}
	s.ln = ln
	s.log.Info().Str("addr", s.cfg.BindAddr).Msg("shard listening")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.met != nil {
		mux.Handle("/metrics", s.met.Handler())
	}
	s.hs = &http.Server{Handler: mux}

	s.ps = newShardPubSub(s)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.hs.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server stopped")
			select {
			case s.critical <- err:
			default:
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		s.ps.run(s.ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.critical:
		return err
	}
}

// Shutdown stops accepting new connections, drains the ones already
// open for up to gracePeriod, then tears everything down.
func (s *Shard) Shutdown(gracePeriod time.Duration) error {
	s.log.Info().Msg("shard shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	if s.hs != nil {
		if err := s.hs.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http server shutdown")
		}
	}
	if s.ps != nil {
		s.ps.close()
	}

	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("shard shut down")
	return nil
}
