// Package router decodes client Requests and dispatches them against the
// game/directory/catalogue/sandbox layer, per op. It
// implements session.Dispatcher, so a *session.Session never needs to
// import this package — the dependency direction is router -> session,
// not the reverse.
package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/codearena/internal/catalogue"
	"github.com/adred-codev/codearena/internal/directory"
	"github.com/adred-codev/codearena/internal/game"
	"github.com/adred-codev/codearena/internal/ids"
	"github.com/adred-codev/codearena/internal/metrics"
	"github.com/adred-codev/codearena/internal/protocol"
	"github.com/adred-codev/codearena/internal/sandbox"
	"github.com/adred-codev/codearena/internal/session"
	"github.com/adred-codev/codearena/internal/shardwire"
)

// Directory is the surface Router needs from the directory package;
// satisfied by *directory.Directory, and by test fakes.
type Directory interface {
	ClaimGame(ctx context.Context, gameID string) (bool, error)
	PlaceGame(ctx context.Context, gameID string, placement directory.GamePlacement) error
	LookupGame(ctx context.Context, gameID string) (directory.GameState, error)
	LookupSocket(ctx context.Context, clientID uuid.UUID) (uuid.UUID, error)
	DeleteGame(ctx context.Context, gameID string) error
}

// Sessions is the local shard's session table, consulted only by the
// router: the sessions table is never touched from inside a
// game-replica lock.
type Sessions interface {
	Lookup(clientID uuid.UUID) (*session.Session, bool)
}

const maxCreateAttempts = 10

// Router holds every collaborator a request handler might need.
type Router struct {
	shardID   uuid.UUID
	language  string
	cat       *catalogue.Catalogue
	sbx       sandbox.Compiler
	dir       Directory
	sessions  Sessions
	transport game.ShardTransport
	met       *metrics.Registry
	logger    zerolog.Logger

	pending pendingJoins
}

// New builds a Router bound to one shard's identity and collaborators.
// met may be nil, in which case Router-owned metrics are simply not
// recorded.
func New(shardID uuid.UUID, language string, cat *catalogue.Catalogue, sbx sandbox.Compiler, dir Directory, sessions Sessions, transport game.ShardTransport, met *metrics.Registry, logger zerolog.Logger) *Router {
	return &Router{
		shardID:   shardID,
		language:  language,
		cat:       cat,
		sbx:       sbx,
		dir:       dir,
		sessions:  sessions,
		transport: transport,
		met:       met,
		logger:    logger.With().Str("shardId", shardID.String()).Logger(),
		pending:   newPendingJoins(),
	}
}

// Route implements session.Dispatcher.
func (r *Router) Route(ctx context.Context, sess *session.Session, req protocol.Request) *protocol.ClientError {
	switch req.Op {
	case protocol.ReqIdentify:
		return r.handleIdentify(sess, req)
	case protocol.ReqCreate:
		return r.handleCreate(ctx, sess)
	case protocol.ReqExists:
		return r.handleExists(ctx, sess, req)
	case protocol.ReqJoin:
		return r.handleJoin(ctx, sess, req)
	case protocol.ReqLeave:
		return r.handleLeave(ctx, sess)
	case protocol.ReqStart:
		return r.handleStart(ctx, sess, req)
	case protocol.ReqTask:
		return r.handleTask(sess, req)
	case protocol.ReqCompile:
		return r.handleCompile(ctx, sess, req)
	case protocol.ReqPing:
		return r.handlePing(sess)
	default:
		return protocol.NewClientError(protocol.ErrInvalidOpCode, string(req.Op))
	}
}

func sendResponse(sess *session.Session, op protocol.ResponseOp, payload any) *protocol.ClientError {
	frame, err := protocol.EncodeResponse(op, payload)
	if err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}
	if err := sess.Send(frame); err != nil {
		return protocol.NewClientError(protocol.ErrSendError, err.Error())
	}
	return nil
}

func requireNickname(sess *session.Session) (string, *protocol.ClientError) {
	nick, ok := sess.Nickname()
	if !ok {
		return "", protocol.NewClientError(protocol.ErrClientNotIdentified, "")
	}
	return nick, nil
}

func (r *Router) handleIdentify(sess *session.Session, req protocol.Request) *protocol.ClientError {
	var payload protocol.IdentifyRequest
	if err := decode(req.D, &payload); err != nil {
		return protocol.NewClientError(protocol.ErrNoDataWithOpCode, err.Error())
	}
	success := sess.SetNicknameOnce(payload.Nickname)
	return sendResponse(sess, protocol.RespIdentify, protocol.IdentifyResponse{Success: success})
}

func (r *Router) handleCreate(ctx context.Context, sess *session.Session) *protocol.ClientError {
	if _, cerr := requireNickname(sess); cerr != nil {
		return cerr
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		gameID, err := ids.NewGameID()
		if err != nil {
			return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
		}
		ok, err := r.dir.ClaimGame(ctx, gameID)
		if err != nil {
			return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
		}
		if ok {
			return sendResponse(sess, protocol.RespCreate, protocol.CreateResponse{GameID: gameID})
		}
	}
	return protocol.NewClientError(protocol.ErrInternalServerError, "exhausted game id generation attempts")
}

func (r *Router) handleExists(ctx context.Context, sess *session.Session, req protocol.Request) *protocol.ClientError {
	var payload protocol.ExistsRequest
	if err := decode(req.D, &payload); err != nil {
		return protocol.NewClientError(protocol.ErrNoDataWithOpCode, err.Error())
	}

	state, err := r.dir.LookupGame(ctx, payload.GameID)
	if errors.Is(err, directory.ErrNotFound) {
		return sendResponse(sess, protocol.RespExists, protocol.ExistsResponse{Exists: false})
	}
	if err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}
	if !state.Placed {
		return sendResponse(sess, protocol.RespExists, protocol.ExistsResponse{Exists: true})
	}

	if _, ok := r.sessions.Lookup(state.Placement.HostID); state.Placement.ShardID == r.shardID && !ok {
		if err := r.dir.DeleteGame(ctx, payload.GameID); err != nil {
			r.logger.Warn().Err(err).Str("gameId", payload.GameID).Msg("delete stale game entry")
		}
		return sendResponse(sess, protocol.RespExists, protocol.ExistsResponse{Exists: false})
	}
	return sendResponse(sess, protocol.RespExists, protocol.ExistsResponse{Exists: true})
}

func (r *Router) handleLeave(ctx context.Context, sess *session.Session) *protocol.ClientError {
	repl, ok := sess.Game()
	if !ok {
		return protocol.NewClientError(protocol.ErrNotInGame, "")
	}

	if err := repl.Drop(ctx); err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}
	sess.ClearGame()

	if repl.IsHost() {
		return sendResponse(sess, protocol.RespShutdown, protocol.ShutdownResponse{Success: true})
	}
	return sendResponse(sess, protocol.RespLeave, protocol.LeaveResponse{Success: true})
}

func (r *Router) handleStart(ctx context.Context, sess *session.Session, req protocol.Request) *protocol.ClientError {
	repl, ok := sess.Game()
	if !ok {
		return protocol.NewClientError(protocol.ErrNotInGame, "")
	}
	host, ok := repl.(*game.Host)
	if !ok {
		return protocol.NewClientError(protocol.ErrNotGameHost, "")
	}

	var payload protocol.StartRequest
	if err := decode(req.D, &payload); err != nil {
		return protocol.NewClientError(protocol.ErrNoDataWithOpCode, err.Error())
	}

	return host.Start(ctx, payload.TaskCount, r.cat)
}

func (r *Router) handleTask(sess *session.Session, req protocol.Request) *protocol.ClientError {
	repl, ok := sess.Game()
	if !ok {
		return protocol.NewClientError(protocol.ErrNotInGame, "")
	}
	host, cerr := r.resolveHost(repl)
	if cerr != nil {
		return cerr
	}

	var payload protocol.TaskRequest
	if derr := decode(req.D, &payload); derr != nil {
		return protocol.NewClientError(protocol.ErrNoDataWithOpCode, derr.Error())
	}

	task, cerr := host.Task(payload.TaskIndex)
	if cerr != nil {
		return cerr
	}
	return sendResponse(sess, protocol.RespTask, protocol.TaskResponse{Task: task})
}

func (r *Router) handleCompile(ctx context.Context, sess *session.Session, req protocol.Request) *protocol.ClientError {
	repl, ok := sess.Game()
	if !ok {
		return protocol.NewClientError(protocol.ErrNotInGame, "")
	}
	host, cerr := r.resolveHost(repl)
	if cerr != nil {
		return cerr
	}

	var payload protocol.CompileRequest
	if derr := decode(req.D, &payload); derr != nil {
		return protocol.NewClientError(protocol.ErrNoDataWithOpCode, derr.Error())
	}

	resp, cerr := host.Compile(ctx, r.sbx, sess.ClientID(), payload.TaskIndex, payload.Code)
	if r.met != nil {
		r.met.CompilesTotal.WithLabelValues(compileOutcome(cerr, resp)).Inc()
	}
	if cerr != nil {
		return cerr
	}
	return sendResponse(sess, protocol.RespCompile, resp)
}

// compileOutcome labels a finished Compile call for the CompilesTotal
// counter: "error" on a ClientError, "in_progress" while the public
// suite hasn't finished, "pass" once it has and every public case
// passed, "fail" otherwise.
func compileOutcome(cerr *protocol.ClientError, resp protocol.CompileResponse) string {
	if cerr != nil {
		return "error"
	}
	if !resp.IsDonePublicTests {
		return "in_progress"
	}
	for _, ok := range resp.PublicTestResults {
		if !ok {
			return "fail"
		}
	}
	return "pass"
}

func (r *Router) handlePing(sess *session.Session) *protocol.ClientError {
	return sendResponse(sess, protocol.RespPing, protocol.PingResponse{})
}

// resolveHost returns the *game.Host a Task/Compile request must run
// against. If the caller is itself the host, that's immediate. If the
// caller is a follower, the host's session is looked up in this shard's
// own session table — which only succeeds when the host lives on this
// shard. A follower whose host lives on another shard has no local
// *game.Host to consult and no route to one: the wire protocol's
// ShardRequest opcode set is Join/Leave only, so Task/Compile cannot be
// forwarded without inventing an opcode the external interface doesn't
// define. This is the recorded resolution of the "should follower
// Compile be forwarded" open question (DESIGN.md).
func (r *Router) resolveHost(repl game.Replica) (*game.Host, *protocol.ClientError) {
	switch v := repl.(type) {
	case *game.Host:
		return v, nil
	case *game.Follower:
		if v.HostShardID() != r.shardID {
			return nil, protocol.NewClientError(protocol.ErrInternalServerError, "task/compile requires the host to be on this shard")
		}
		hostSess, ok := r.sessions.Lookup(v.HostClientID())
		if !ok {
			return nil, protocol.NewClientError(protocol.ErrClientDoesNotExist, "")
		}
		hostRepl, ok := hostSess.Game()
		if !ok {
			return nil, protocol.NewClientError(protocol.ErrInternalServerError, "host session has no active game")
		}
		host, ok := hostRepl.(*game.Host)
		if !ok {
			return nil, protocol.NewClientError(protocol.ErrInternalServerError, "host replica is not authoritative")
		}
		return host, nil
	default:
		return nil, protocol.NewClientError(protocol.ErrInternalServerError, "unrecognised replica type")
	}
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(raw, v)
}

var errEmptyPayload = errors.New("router: empty request payload")
