package protocol

import "encoding/json"

// RequestOp discriminates the inner payload of an Envelope{Op: OpRequest}.
type RequestOp string

const (
	ReqIdentify RequestOp = "Identify"
	ReqCreate   RequestOp = "Create"
	ReqExists   RequestOp = "Exists"
	ReqJoin     RequestOp = "Join"
	ReqLeave    RequestOp = "Leave"
	ReqStart    RequestOp = "Start"
	ReqTask     RequestOp = "Task"
	ReqCompile  RequestOp = "Compile"
	ReqPing     RequestOp = "Ping"
)

// Request is the inner {"op": ..., "d": ...} carried by
// Envelope{Op: OpRequest}.
type Request struct {
	Op RequestOp       `json:"op"`
	D  json.RawMessage `json:"d"`
}

// IdentifyRequest sets the session's display nickname. Create and Join
// are refused with ClientNotIdentified until it has succeeded.
type IdentifyRequest struct {
	Nickname string `json:"nickname"`
}

// CreateRequest has no fields: it reserves a fresh game code. Whoever
// Joins that code first becomes the game's host.
type CreateRequest struct{}

// ExistsRequest checks whether a game code currently resolves.
type ExistsRequest struct {
	GameID string `json:"gameId"`
}

// JoinRequest asks to join a game. If the code is reserved but has no
// host yet, the caller becomes its host; otherwise it joins as a
// non-host participant.
type JoinRequest struct {
	GameID string `json:"gameId"`
}

// LeaveRequest has no fields: the caller leaves its current game.
type LeaveRequest struct{}

// StartRequest is host-only; it samples TaskCount tasks from the
// catalogue for this game.
type StartRequest struct {
	TaskCount int `json:"taskCount"`
}

// TaskRequest asks for the public shape of one of this game's sampled
// tasks.
type TaskRequest struct {
	TaskIndex int `json:"taskIndex"`
}

// CompileRequest submits source for a task to the sandbox.
type CompileRequest struct {
	TaskIndex int    `json:"taskIndex"`
	Code      string `json:"code"`
}

// PingRequest carries no fields; it exists to keep idle sessions alive
// and exercised.
type PingRequest struct{}
