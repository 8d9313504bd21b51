package game

import (
	"context"

	"github.com/google/uuid"

	"github.com/adred-codev/codearena/internal/shardwire"
)

// ShardTransport is the only way a game replica reaches outside its own
// shard. The shard package implements it; game never imports shard,
// session, or directory directly.
type ShardTransport interface {
	// PublishToClient wraps frame as ShardDefault{Op: OpSendToClient}
	// and publishes it to shardID's topic. Used when the recipient
	// participant is not local.
	PublishToClient(ctx context.Context, shardID, clientID uuid.UUID, frame []byte) error

	// PublishRequest wraps req as ShardDefault{Op: OpRequest} and
	// publishes it to shardID's topic.
	PublishRequest(ctx context.Context, shardID uuid.UUID, req shardwire.ShardRequest) error

	// PublishResponse wraps resp as ShardDefault{Op: OpResponse} and
	// publishes it to shardID's topic.
	PublishResponse(ctx context.Context, shardID uuid.UUID, resp shardwire.ShardResponse) error

	// UnregisterLocalParticipant finds the local Host replica owned by
	// hostID (if that host's session still lives on this shard) and
	// calls its Unregister for clientID. It exists so a Follower whose
	// host happens to live on the same shard can drop without holding a
	// pointer to the Host replica or to any session.
	UnregisterLocalParticipant(ctx context.Context, hostID, clientID uuid.UUID) (bool, error)
}
