// Package shardwire defines the binary envelope shards use to talk to
// each other over the pub/sub broker's topics, and the gob codec that
// serialises it.
//
// The outer ShardDefault mirrors protocol.Envelope's two-step decode
// shape: decode the envelope, switch on Op, then decode D against the
// concrete schema for that op. ShardRequest/ShardResponse nest the same
// pattern one level deeper for the request/response opcodes.
package shardwire

import "github.com/google/uuid"

// Op is the outer ShardDefault's discriminator.
type Op string

const (
	// OpSendToClient delivers an already-serialised client frame to a
	// specific client living on the receiving shard. TargetClient holds
	// the recipient.
	OpSendToClient Op = "SendToClient"
	OpGameEvent    Op = "GameEvent"
	OpRequest      Op = "Request"
	OpResponse     Op = "Response"
)

// ShardDefault is the outer envelope published to a shard's topic.
type ShardDefault struct {
	Op Op
	// D is the inner payload: the client's JSON frame as-is when
	// Op==OpSendToClient or Op==OpGameEvent, a gob-encoded ShardRequest
	// when Op==OpRequest, a gob-encoded ShardResponse when Op==OpResponse.
	D []byte
	// ID uniquely identifies this envelope, chiefly for log
	// correlation; it carries no routing meaning.
	ID uuid.UUID
	// TargetClient is the recipient session id. Populated only when
	// Op==OpSendToClient.
	TargetClient uuid.UUID
}

// RequestOp discriminates a ShardRequest's payload.
type RequestOp string

const (
	ReqJoin  RequestOp = "Join"
	ReqLeave RequestOp = "Leave"
)

// ShardRequest is the inner payload of ShardDefault{Op: OpRequest}.
type ShardRequest struct {
	Op RequestOp
	D  []byte
}

// ShardResponse is the inner payload of ShardDefault{Op: OpResponse}. It
// mirrors ShardRequest's opcode set.
type ShardResponse struct {
	Op RequestOp
	D  []byte
}

// JoinRequest asks the host shard to register a participant joining from
// another shard.
type JoinRequest struct {
	GameID   string
	HostID   uuid.UUID
	ClientID uuid.UUID
	ShardID  uuid.UUID
}

// JoinResponse answers a JoinRequest.
type JoinResponse struct {
	GameID   string
	HostID   uuid.UUID
	ClientID uuid.UUID
	ShardID  uuid.UUID
	Success  bool
}

// LeaveRequest tells the host shard a remote participant is leaving.
type LeaveRequest struct {
	GameID   string
	ClientID uuid.UUID
	ShardID  uuid.UUID
}

// LeaveResponse answers a LeaveRequest.
type LeaveResponse struct {
	ClientID uuid.UUID
	Success  bool
}
