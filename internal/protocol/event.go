package protocol

import "encoding/json"

// GameEventOp discriminates the inner payload of an
// Envelope{Op: OpGameEvent}. Unlike Request/Response, game events are
// pushed asynchronously and are not answers to any one request.
type GameEventOp string

const (
	EventShutdown           GameEventOp = "Shutdown"
	EventStart              GameEventOp = "Start"
	EventTask               GameEventOp = "Task"
	EventTaskFinished       GameEventOp = "TaskFinished"
	EventConnectedClient    GameEventOp = "ConnectedClient"
	EventDisconnectedClient GameEventOp = "DisconnectedClient"
)

// GameEvent is the inner {"op": ..., "d": ...} carried by
// Envelope{Op: OpGameEvent}.
type GameEvent struct {
	Op GameEventOp     `json:"op"`
	D  json.RawMessage `json:"d"`
}

// EncodeEvent marshals a concrete event payload into an Envelope's wire
// bytes with Op=OpGameEvent.
func EncodeEvent(op GameEventOp, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e, err := json.Marshal(GameEvent{Op: op, D: d})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Op: OpGameEvent, D: e})
}

// ShutdownEvent carries no fields; the game this session belonged to is
// gone.
type ShutdownEvent struct{}

// StartEvent announces a match has begun with the given number of
// sampled tasks.
type StartEvent struct {
	TaskCount int `json:"taskCount"`
}

// TaskEvent carries the public shape of one sampled task.
type TaskEvent struct {
	Task PublicTask `json:"task"`
}

// TaskFinishedEvent announces a participant has fully solved a task
// (both public and private suites passing).
type TaskFinishedEvent struct {
	TaskIndex int      `json:"taskIndex"`
	ClientID  ClientID `json:"clientId"`
}

// ConnectedClientEvent announces a new participant joined the game.
type ConnectedClientEvent struct {
	ClientID ClientID `json:"clientId"`
	Nickname string   `json:"nickname"`
}

// DisconnectedClientEvent announces a participant left or dropped.
type DisconnectedClientEvent struct {
	ClientID ClientID `json:"clientId"`
}

// PublicTask is the subset of a catalogue task sent to clients: the
// statement and public test cases. Private test cases never leave the
// sandbox boundary.
type PublicTask struct {
	Index           int        `json:"index"`
	TaskID          int        `json:"taskId"`
	Question        string     `json:"question"`
	PublicTestCases []TestCase `json:"publicTestCases"`
}

// TestCase is one stdin/expected-stdout pair.
type TestCase struct {
	ID       int    `json:"id"`
	Stdin    string `json:"stdin"`
	Expected string `json:"expected"`
}
