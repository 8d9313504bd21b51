package game

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PartialParticipant is an opaque, pointer-free handle to a client: it
// is enough to deliver a frame to that client wherever it lives,
// without the holder ever touching a sessions table. Local delivery
// goes through a cached copy of the session's send channel; remote
// delivery goes through the injected ShardTransport.
type PartialParticipant struct {
	ClientID uuid.UUID
	Nickname string
	ShardID  uuid.UUID
	IsLocal  bool

	sendCh    chan []byte
	transport ShardTransport
}

// NewLocalParticipant builds a handle to a client whose session lives
// on this shard. sendCh is a copy of that session's bounded send
// channel, never the session itself.
func NewLocalParticipant(clientID, shardID uuid.UUID, nickname string, sendCh chan []byte) *PartialParticipant {
	return &PartialParticipant{
		ClientID: clientID,
		Nickname: nickname,
		ShardID:  shardID,
		IsLocal:  true,
		sendCh:   sendCh,
	}
}

// NewRemoteParticipant builds a handle to a client whose session lives
// on another shard, reached through transport.
func NewRemoteParticipant(clientID, shardID uuid.UUID, nickname string, transport ShardTransport) *PartialParticipant {
	return &PartialParticipant{
		ClientID:  clientID,
		Nickname:  nickname,
		ShardID:   shardID,
		IsLocal:   false,
		transport: transport,
	}
}

// Send delivers an already-serialised client frame to this participant.
// Local delivery is a non-blocking bounded-channel enqueue; a full
// channel is reported as an error and logged by the caller, never
// blocked on.
func (p *PartialParticipant) Send(ctx context.Context, frame []byte) error {
	if p.IsLocal {
		select {
		case p.sendCh <- frame:
			return nil
		default:
			return fmt.Errorf("send to %s: channel full, dropped", p.ClientID)
		}
	}
	return p.transport.PublishToClient(ctx, p.ShardID, p.ClientID, frame)
}
