package shard

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/codearena/internal/shardwire"
)

// shardPubSub owns the Redis subscription on this shard's own topic and
// dispatches every inbound envelope. A decode failure or an unknown
// target is logged and dropped; nothing here is fatal to the shard.
type shardPubSub struct {
	shard *Shard
	sub   *redis.PubSub
}

func newShardPubSub(s *Shard) *shardPubSub {
	return &shardPubSub{
		shard: s,
		sub:   s.dir.Subscribe(s.ctx, s.cfg.ID),
	}
}

func (p *shardPubSub) close() {
	_ = p.sub.Close()
}

func (p *shardPubSub) run(ctx context.Context) {
	ch := p.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (p *shardPubSub) handle(ctx context.Context, payload []byte) {
	env, err := shardwire.DecodeEnvelope(payload)
	if err != nil {
		p.shard.log.Debug().Err(err).Msg("decode shard envelope")
		p.drop()
		return
	}

	switch env.Op {
	case shardwire.OpSendToClient, shardwire.OpGameEvent:
		// Both opcodes carry an already-serialised client frame destined
		// for TargetClient; OpGameEvent exists for symmetry with the
		// client-facing protocol's two-step decode shape but every game
		// event is in practice delivered through the generic
		// OpSendToClient path (game.Host.SendGlobal always goes through
		// PartialParticipant.Send -> ShardTransport.PublishToClient), so
		// the two are handled identically here.
		p.deliverToClient(env.TargetClient, env.D)
	case shardwire.OpRequest:
		p.handleRequest(ctx, env.D)
	case shardwire.OpResponse:
		p.handleResponse(env.D)
	default:
		p.shard.log.Debug().Str("op", string(env.Op)).Msg("unknown shard envelope op")
		p.drop()
	}
}

func (p *shardPubSub) deliverToClient(clientID uuid.UUID, frame []byte) {
	sess, ok := p.shard.Lookup(clientID)
	if !ok {
		// The target disconnected (or moved shards) racing with this
		// message in flight. Expected under normal churn.
		p.drop()
		return
	}
	if err := sess.Send(frame); err != nil {
		p.shard.log.Debug().Err(err).Msg("deliver inter-shard frame")
		p.drop()
	}
}

func (p *shardPubSub) handleRequest(ctx context.Context, d []byte) {
	var req shardwire.ShardRequest
	if err := shardwire.Unmarshal(d, &req); err != nil {
		p.shard.log.Debug().Err(err).Msg("decode shard request")
		p.drop()
		return
	}

	switch req.Op {
	case shardwire.ReqJoin:
		var joinReq shardwire.JoinRequest
		if err := shardwire.Unmarshal(req.D, &joinReq); err != nil {
			p.shard.log.Debug().Err(err).Msg("decode join request")
			p.drop()
			return
		}
		resp := p.shard.router.HandleShardJoinRequest(ctx, joinReq)
		respPayload, err := shardwire.Marshal(resp)
		if err != nil {
			p.shard.log.Warn().Err(err).Msg("encode join response")
			return
		}
		if err := p.shard.PublishResponse(ctx, joinReq.ShardID, shardwire.ShardResponse{Op: shardwire.ReqJoin, D: respPayload}); err != nil {
			p.shard.log.Warn().Err(err).Msg("publish join response")
		}
	case shardwire.ReqLeave:
		var leaveReq shardwire.LeaveRequest
		if err := shardwire.Unmarshal(req.D, &leaveReq); err != nil {
			p.shard.log.Debug().Err(err).Msg("decode leave request")
			p.drop()
			return
		}
		p.shard.router.HandleShardLeaveRequest(ctx, leaveReq)
	default:
		p.shard.log.Debug().Str("op", string(req.Op)).Msg("unknown shard request op")
		p.drop()
	}
}

func (p *shardPubSub) handleResponse(d []byte) {
	var resp shardwire.ShardResponse
	if err := shardwire.Unmarshal(d, &resp); err != nil {
		p.shard.log.Debug().Err(err).Msg("decode shard response")
		p.drop()
		return
	}

	switch resp.Op {
	case shardwire.ReqJoin:
		var joinResp shardwire.JoinResponse
		if err := shardwire.Unmarshal(resp.D, &joinResp); err != nil {
			p.shard.log.Debug().Err(err).Msg("decode join response")
			p.drop()
			return
		}
		p.shard.router.DeliverJoinResponse(joinResp)
	case shardwire.ReqLeave:
		// No caller ever waits on a LeaveResponse: the follower that
		// initiated the leave already emitted its own LeaveResponse
		// locally.
	default:
		p.shard.log.Debug().Str("op", string(resp.Op)).Msg("unknown shard response op")
		p.drop()
	}
}

func (p *shardPubSub) drop() {
	if p.shard.met != nil {
		p.shard.met.ShardPubSubDrops.Inc()
	}
}
