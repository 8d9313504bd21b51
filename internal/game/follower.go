package game

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/adred-codev/codearena/internal/shardwire"
)

// Follower is the non-authoritative replica every participant other
// than the host holds. It carries no task state of its own; Task and
// Compile requests are always answered by consulting the host.
type Follower struct {
	gameID     string
	clientID   uuid.UUID
	selfShard  uuid.UUID
	partialHost *PartialParticipant
	transport  ShardTransport
}

// NewFollower builds a follower replica pointing at partialHost, which
// may be local or remote.
func NewFollower(gameID string, clientID, selfShard uuid.UUID, partialHost *PartialParticipant, transport ShardTransport) *Follower {
	return &Follower{
		gameID:      gameID,
		clientID:    clientID,
		selfShard:   selfShard,
		partialHost: partialHost,
		transport:   transport,
	}
}

// GameID implements Replica.
func (f *Follower) GameID() string { return f.gameID }

// IsHost implements Replica.
func (f *Follower) IsHost() bool { return false }

// HostShardID reports which shard the host replica lives on.
func (f *Follower) HostShardID() uuid.UUID { return f.partialHost.ShardID }

// HostClientID reports the host's client id, used by the router to look
// up the host's session when the host is local.
func (f *Follower) HostClientID() uuid.UUID { return f.partialHost.ClientID }

// Drop unregisters this participant from the host, locally if the host
// is on this shard, over the wire otherwise. Either way it returns
// without waiting for the host's acknowledgement — the caller emits
// LeaveResponse{success:true} immediately.
func (f *Follower) Drop(ctx context.Context) error {
	if f.partialHost.IsLocal {
		_, err := f.transport.UnregisterLocalParticipant(ctx, f.partialHost.ClientID, f.clientID)
		return err
	}

	payload, err := shardwire.Marshal(shardwire.LeaveRequest{
		GameID:   f.gameID,
		ClientID: f.clientID,
		ShardID:  f.selfShard,
	})
	if err != nil {
		return fmt.Errorf("encode leave request: %w", err)
	}
	req := shardwire.ShardRequest{Op: shardwire.ReqLeave, D: payload}
	return f.transport.PublishRequest(ctx, f.partialHost.ShardID, req)
}
