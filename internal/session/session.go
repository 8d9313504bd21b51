// Package session owns one live client connection: its read loop, its
// write loop, and the lifecycle hooks the shard runtime and request
// router drive it through. A Session uses the game package only for the
// game.Replica interface — it never touches a concrete Host or Follower —
// and dispatches requests only through the Dispatcher
// interface injected at construction, so the request router can sit
// "above" session in the import graph without session needing to know
// about it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/codearena/internal/game"
	"github.com/adred-codev/codearena/internal/protocol"
)

// Dispatcher routes a decoded client Request to the game/directory/
// catalogue/sandbox layer and returns a ClientError on failure. On
// success it is responsible for sending the appropriate Response or
// GameEvent frames itself, via sess.Send.
type Dispatcher interface {
	Route(ctx context.Context, sess *Session, req protocol.Request) *protocol.ClientError
}

// Session is one accepted connection.
type Session struct {
	id      uuid.UUID
	shardID uuid.UUID
	conn    net.Conn

	nickname atomic.Pointer[string]
	gameMu   sync.RWMutex
	gameRepl game.Replica

	send          chan []byte
	cleanShutdown *atomic.Bool
	limiter       *rate.Limiter
	dispatcher    Dispatcher
	logger        zerolog.Logger
}

// New builds a Session over an already-upgraded connection.
func New(id, shardID uuid.UUID, conn net.Conn, sendQueueSize int, limiter *rate.Limiter, dispatcher Dispatcher, logger zerolog.Logger) *Session {
	s := &Session{
		id:            id,
		shardID:       shardID,
		conn:          conn,
		send:          make(chan []byte, sendQueueSize),
		cleanShutdown: new(atomic.Bool),
		limiter:       limiter,
		dispatcher:    dispatcher,
		logger:        logger.With().Str("clientId", id.String()).Logger(),
	}
	// The cleanup argument carries only the channel and the flag
	// pointer, never s itself — a closure over s would keep it
	// reachable forever and the cleanup would never run.
	runtime.AddCleanup(s, forceDisconnectOnGC, cleanupState{cleanShutdown: s.cleanShutdown, send: s.send})
	return s
}

// ClientID is this session's 128-bit identifier.
func (s *Session) ClientID() uuid.UUID { return s.id }

// ShardID is the shard this session was accepted on.
func (s *Session) ShardID() uuid.UUID { return s.shardID }

// RemoteAddr is the peer address.
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// SendChan returns the bounded channel the write pump drains. Callers
// that build a game.PartialParticipant for this session take a copy of
// this channel, never a pointer to the Session itself.
func (s *Session) SendChan() chan []byte { return s.send }

// Nickname returns the identified nickname, if any.
func (s *Session) Nickname() (string, bool) {
	p := s.nickname.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// SetNicknameOnce sets the nickname the first time it's called. Returns
// false if a nickname was already set.
func (s *Session) SetNicknameOnce(nickname string) bool {
	return s.nickname.CompareAndSwap(nil, &nickname)
}

// Game returns the current game replica, if any.
func (s *Session) Game() (game.Replica, bool) {
	s.gameMu.RLock()
	defer s.gameMu.RUnlock()
	return s.gameRepl, s.gameRepl != nil
}

// SetGame installs a game replica, replacing any previous one.
func (s *Session) SetGame(r game.Replica) {
	s.gameMu.Lock()
	defer s.gameMu.Unlock()
	s.gameRepl = r
}

// ClearGame removes the current game replica.
func (s *Session) ClearGame() {
	s.gameMu.Lock()
	defer s.gameMu.Unlock()
	s.gameRepl = nil
}

// OnOpen emits Hello{id} once the session is installed in the shard
// table.
func (s *Session) OnOpen() error {
	frame, err := protocol.Encode(protocol.OpHello, protocol.HelloPayload{ID: s.id})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	return s.Send(frame)
}

// Send is a non-blocking enqueue onto the bounded send channel.
func (s *Session) Send(frame []byte) error {
	select {
	case s.send <- frame:
		return nil
	default:
		return protocol.NewClientError(protocol.ErrSendError, "send queue full")
	}
}

// SendModel marshals op+payload into an Envelope and sends it.
func (s *Session) SendModel(op protocol.OpCode, payload any) error {
	frame, err := protocol.Encode(op, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	return s.Send(frame)
}

// SendError wraps a ClientError as an Error frame. The caller decides
// whether to close the connection based on ce.Code.Terminal().
func (s *Session) SendError(ce *protocol.ClientError) error {
	frame, err := protocol.EncodeError(ce)
	if err != nil {
		return fmt.Errorf("encode client error: %w", err)
	}
	return s.Send(frame)
}

// OnMessage decodes one client frame as an Envelope{Op: Request}, routes
// it through the Dispatcher under ctx's deadline, and reports whether the
// connection must now be closed. A decode failure at the envelope level
// is InvalidMessage (terminal); a decode failure of the inner Request
// payload is ParsingError (terminal); anything else is whatever
// ClientError the Dispatcher returned.
func (s *Session) OnMessage(ctx context.Context, raw []byte) (shouldClose bool) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		ce := protocol.NewClientError(protocol.ErrInvalidMessage, err.Error())
		_ = s.SendError(ce)
		return true
	}
	if env.Op != protocol.OpRequest {
		ce := protocol.NewClientError(protocol.ErrInvalidOpCode, string(env.Op))
		_ = s.SendError(ce)
		return ce.Code.Terminal()
	}

	var req protocol.Request
	if err := json.Unmarshal(env.D, &req); err != nil {
		ce := protocol.NewClientError(protocol.ErrParsingError, err.Error())
		_ = s.SendError(ce)
		return true
	}

	done := make(chan *protocol.ClientError, 1)
	go func() {
		done <- s.dispatcher.Route(ctx, s, req)
	}()

	select {
	case ce := <-done:
		if ce == nil {
			return false
		}
		_ = s.SendError(ce)
		return ce.Code.Terminal()
	case <-ctx.Done():
		payload := protocol.TimeoutResponse{D: json.RawMessage(raw)}
		if err := s.SendModel(protocol.OpResponse, timeoutEnvelope(payload)); err != nil {
			s.logger.Warn().Err(err).Msg("send timeout response")
		}
		return false
	}
}

// timeoutEnvelope wraps a TimeoutResponse as the inner Response the
// Envelope carries; SendModel then wraps that in the outer envelope.
func timeoutEnvelope(payload protocol.TimeoutResponse) protocol.Response {
	d, _ := json.Marshal(payload)
	return protocol.Response{Op: protocol.RespTimeout, D: d}
}

// OnClose drops any held game replica (triggering game-drop semantics)
// and marks this session as cleanly shut down so the finalizer does not
// push a spurious ForcedDisconnection frame.
func (s *Session) OnClose(ctx context.Context) {
	s.cleanShutdown.Store(true)

	repl, ok := s.Game()
	if !ok {
		return
	}
	if err := repl.Drop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("drop game replica on close")
	}
	s.ClearGame()
}

// cleanupState is the argument runtime.AddCleanup hands to
// forceDisconnectOnGC. It must never hold a reference back to the
// Session itself, or the Session could never become unreachable and
// the cleanup would never fire.
type cleanupState struct {
	cleanShutdown *atomic.Bool
	send          chan []byte
}

// forceDisconnectOnGC runs if a Session is garbage collected without
// OnClose having run — a crash or an abandoned reference, never the
// normal path. It is best-effort: by the time it runs, nothing may be
// reading the send channel any more.
func forceDisconnectOnGC(state cleanupState) {
	if state.cleanShutdown.Load() {
		return
	}
	frame, err := json.Marshal(protocol.Envelope{Op: protocol.OpForcedDisconnection})
	if err != nil {
		return
	}
	select {
	case state.send <- frame:
	default:
	}
}
