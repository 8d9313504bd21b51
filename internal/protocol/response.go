package protocol

import "encoding/json"

// ResponseOp discriminates the inner payload of an Envelope{Op: OpResponse}.
type ResponseOp string

const (
	RespIdentify ResponseOp = "Identify"
	RespCreate   ResponseOp = "Create"
	RespExists   ResponseOp = "Exists"
	RespJoin     ResponseOp = "Join"
	RespLeave    ResponseOp = "Leave"
	RespShutdown ResponseOp = "Shutdown"
	RespTask     ResponseOp = "Task"
	RespTimeout  ResponseOp = "Timeout"
	RespPing     ResponseOp = "Ping"
	RespCompile  ResponseOp = "Compile"
)

// Response is the inner {"op": ..., "d": ...} carried by
// Envelope{Op: OpResponse}.
type Response struct {
	Op ResponseOp      `json:"op"`
	D  json.RawMessage `json:"d"`
}

// EncodeResponse marshals a concrete response payload into an Envelope's
// wire bytes with Op=OpResponse.
func EncodeResponse(op ResponseOp, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	r, err := json.Marshal(Response{Op: op, D: d})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Op: OpResponse, D: r})
}

// IdentifyResponse confirms the nickname was accepted.
type IdentifyResponse struct {
	Success bool `json:"success"`
}

// CreateResponse returns the freshly reserved game code. The game has
// no host until someone Joins it.
type CreateResponse struct {
	GameID string `json:"gameId"`
}

// ExistsResponse answers an ExistsRequest.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// JoinResponse answers a JoinRequest.
type JoinResponse struct {
	Success bool `json:"success"`
	GameID  string `json:"gameId"`
	IsHost  bool   `json:"isHost"`
}

// LeaveResponse answers a LeaveRequest.
type LeaveResponse struct {
	Success bool `json:"success"`
}

// ShutdownResponse answers a Leave-by-host that tears the game down.
type ShutdownResponse struct {
	Success bool `json:"success"`
}

// TaskResponse carries the public shape of a sampled task: statement and
// public test cases only, private cases withheld.
type TaskResponse struct {
	Task PublicTask `json:"task"`
}

// TimeoutResponse wraps the original request envelope whose processing
// exceeded the per-message budget.
type TimeoutResponse struct {
	D json.RawMessage `json:"d"`
}

// PingResponse answers a PingRequest.
type PingResponse struct{}

// CompileResponse reports one round of sandbox compile/execute progress
// for a task: per-public-test pass/fail, and whether the public and
// private suites have finished.
type CompileResponse struct {
	TaskIndex         int    `json:"taskIndex"`
	PublicTestResults []bool `json:"publicTestResults"`
	IsDonePublicTests bool   `json:"isDonePublicTests"`
	IsDonePrivateTests bool  `json:"isDonePrivateTests"`
	IsDone            bool   `json:"isDone"`
	Stderr            string `json:"stderr,omitempty"`
}
