package router

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adred-codev/codearena/internal/directory"
	"github.com/adred-codev/codearena/internal/game"
	"github.com/adred-codev/codearena/internal/protocol"
	"github.com/adred-codev/codearena/internal/session"
	"github.com/adred-codev/codearena/internal/shardwire"
)

// pendingJoins correlates an outstanding cross-shard JoinResponse back
// to the client that is waiting on it.
type pendingJoins struct {
	mu sync.Mutex
	m  map[uuid.UUID]chan shardwire.JoinResponse
}

func newPendingJoins() pendingJoins {
	return pendingJoins{m: make(map[uuid.UUID]chan shardwire.JoinResponse)}
}

func (p *pendingJoins) register(clientID uuid.UUID) chan shardwire.JoinResponse {
	ch := make(chan shardwire.JoinResponse, 1)
	p.mu.Lock()
	p.m[clientID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingJoins) clear(clientID uuid.UUID) {
	p.mu.Lock()
	delete(p.m, clientID)
	p.mu.Unlock()
}

// DeliverJoinResponse is called by the shard's pub/sub reader when a
// ShardResponse{Op: Join} arrives on this shard's own topic. It routes
// the payload to whichever handleJoin call is waiting on it, if any —
// a response for a client with no pending Join is dropped silently (the
// caller gave up, or this is a duplicate).
func (r *Router) DeliverJoinResponse(resp shardwire.JoinResponse) {
	r.pending.mu.Lock()
	ch, ok := r.pending.m[resp.ClientID]
	r.pending.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func isValidGameID(gameID string) bool {
	if len(gameID) != 10 {
		return false
	}
	for _, c := range gameID {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (r *Router) handleJoin(ctx context.Context, sess *session.Session, req protocol.Request) *protocol.ClientError {
	nickname, cerr := requireNickname(sess)
	if cerr != nil {
		return cerr
	}
	if _, ok := sess.Game(); ok {
		return protocol.NewClientError(protocol.ErrAlreadyInGame, "")
	}

	var payload protocol.JoinRequest
	if err := decode(req.D, &payload); err != nil {
		return protocol.NewClientError(protocol.ErrNoDataWithOpCode, err.Error())
	}
	if !isValidGameID(payload.GameID) {
		return protocol.NewClientError(protocol.ErrInvalidGameID, payload.GameID)
	}

	state, err := r.dir.LookupGame(ctx, payload.GameID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return r.becomeHost(ctx, sess, payload.GameID, nickname)
	case err != nil:
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	case !state.Placed:
		return r.becomeHost(ctx, sess, payload.GameID, nickname)
	case state.Placement.ShardID == r.shardID:
		return r.joinLocal(ctx, sess, payload.GameID, nickname, state.Placement)
	default:
		return r.joinRemote(ctx, sess, payload.GameID, state.Placement)
	}
}

func (r *Router) becomeHost(ctx context.Context, sess *session.Session, gameID, nickname string) *protocol.ClientError {
	self := game.NewLocalParticipant(sess.ClientID(), r.shardID, nickname, sess.SendChan())
	var gamesActive prometheus.Gauge
	if r.met != nil {
		gamesActive = r.met.GamesActive
	}
	host := game.NewHost(gameID, r.shardID, self, r.language, r.transport, r.dir, gamesActive, r.logger)

	placement := directory.GamePlacement{ShardID: r.shardID, HostID: sess.ClientID()}
	if err := r.dir.PlaceGame(ctx, gameID, placement); err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}

	if r.met != nil {
		r.met.GamesCreated.Inc()
		r.met.GamesActive.Inc()
	}

	sess.SetGame(host)
	return sendResponse(sess, protocol.RespJoin, protocol.JoinResponse{Success: true, GameID: gameID, IsHost: true})
}

func (r *Router) joinLocal(ctx context.Context, sess *session.Session, gameID, nickname string, placement directory.GamePlacement) *protocol.ClientError {
	hostSess, ok := r.sessions.Lookup(placement.HostID)
	if !ok {
		if err := r.dir.DeleteGame(ctx, gameID); err != nil {
			r.logger.Warn().Err(err).Str("gameId", gameID).Msg("delete orphaned game entry")
		}
		return protocol.NewClientError(protocol.ErrClientDoesNotExist, "")
	}
	hostRepl, ok := hostSess.Game()
	if !ok {
		return protocol.NewClientError(protocol.ErrInternalServerError, "host session has no active game")
	}
	host, ok := hostRepl.(*game.Host)
	if !ok {
		return protocol.NewClientError(protocol.ErrInternalServerError, "host replica is not authoritative")
	}

	newPartial := game.NewLocalParticipant(sess.ClientID(), r.shardID, nickname, sess.SendChan())
	accepted, err := host.Register(ctx, newPartial)
	if err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}
	if !accepted {
		return sendResponse(sess, protocol.RespJoin, protocol.JoinResponse{Success: false, GameID: gameID})
	}

	hostNickname, _ := hostSess.Nickname()
	hostPartial := game.NewLocalParticipant(hostSess.ClientID(), r.shardID, hostNickname, hostSess.SendChan())
	follower := game.NewFollower(gameID, sess.ClientID(), r.shardID, hostPartial, r.transport)
	sess.SetGame(follower)

	return sendResponse(sess, protocol.RespJoin, protocol.JoinResponse{Success: true, GameID: gameID, IsHost: false})
}

func (r *Router) joinRemote(ctx context.Context, sess *session.Session, gameID string, placement directory.GamePlacement) *protocol.ClientError {
	payload, err := shardwire.Marshal(shardwire.JoinRequest{
		GameID:   gameID,
		HostID:   placement.HostID,
		ClientID: sess.ClientID(),
		ShardID:  r.shardID,
	})
	if err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}

	respCh := r.pending.register(sess.ClientID())
	defer r.pending.clear(sess.ClientID())

	if err := r.transport.PublishRequest(ctx, placement.ShardID, shardwire.ShardRequest{Op: shardwire.ReqJoin, D: payload}); err != nil {
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			return sendResponse(sess, protocol.RespJoin, protocol.JoinResponse{Success: false, GameID: gameID})
		}
		hostPartial := game.NewRemoteParticipant(resp.HostID, resp.ShardID, "", r.transport)
		follower := game.NewFollower(gameID, sess.ClientID(), r.shardID, hostPartial, r.transport)
		sess.SetGame(follower)
		return sendResponse(sess, protocol.RespJoin, protocol.JoinResponse{Success: true, GameID: gameID, IsHost: false})
	case <-ctx.Done():
		// The session's own per-message deadline has elapsed; it will
		// send Response/Timeout. Nothing more to do here.
		return nil
	}
}

// HandleShardJoinRequest runs on the host's shard when a ShardRequest{Op:
// Join} arrives from a peer shard.
func (r *Router) HandleShardJoinRequest(ctx context.Context, req shardwire.JoinRequest) shardwire.JoinResponse {
	fail := shardwire.JoinResponse{GameID: req.GameID, HostID: req.HostID, ClientID: req.ClientID, ShardID: r.shardID, Success: false}

	hostSess, ok := r.sessions.Lookup(req.HostID)
	if !ok {
		return fail
	}
	hostRepl, ok := hostSess.Game()
	if !ok {
		return fail
	}
	host, ok := hostRepl.(*game.Host)
	if !ok {
		return fail
	}

	remote := game.NewRemoteParticipant(req.ClientID, req.ShardID, "", r.transport)
	accepted, err := host.Register(ctx, remote)
	if err != nil || !accepted {
		return fail
	}

	return shardwire.JoinResponse{GameID: req.GameID, HostID: req.HostID, ClientID: req.ClientID, ShardID: r.shardID, Success: true}
}

// HandleShardLeaveRequest runs on the host's shard when a
// ShardRequest{Op: Leave} arrives from a follower's shard during a
// cross-shard Drop. There is nothing to reply with: the follower
// already emitted its own LeaveResponse locally.
func (r *Router) HandleShardLeaveRequest(ctx context.Context, req shardwire.LeaveRequest) {
	state, err := r.dir.LookupGame(ctx, req.GameID)
	if err != nil || !state.Placed {
		return
	}
	hs, ok := r.sessions.Lookup(state.Placement.HostID)
	if !ok {
		return
	}
	hostRepl, ok := hs.Game()
	if !ok {
		return
	}
	host, ok := hostRepl.(*game.Host)
	if !ok {
		return
	}
	host.Unregister(ctx, req.ClientID)
}
