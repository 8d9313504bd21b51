// Package protocol defines the client-facing wire schema: the outer
// envelope, every op-code enum, and the concrete payload for each op.
//
// Decoding is always two-step: the envelope is decoded
// first, the op is switched on, and only then is D decoded against the
// concrete payload type for that op. This keeps a malformed payload
// from one op from failing the whole frame.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ClientID is the 128-bit identifier assigned to a session at accept
// time. It marshals to the canonical hyphenated hex form automatically
// via uuid.UUID's own (Un)MarshalText.
type ClientID = uuid.UUID

// OpCode is the outer envelope's discriminator.
type OpCode string

const (
	OpHello               OpCode = "Hello"
	OpError               OpCode = "Error"
	OpForcedDisconnection OpCode = "ForcedDisconnection"
	OpGameEvent           OpCode = "GameEvent"
	OpRequest             OpCode = "Request"
	OpResponse            OpCode = "Response"
)

// Envelope is the outer {"op": ..., "d": ...} wrapper every client frame
// and server frame uses.
type Envelope struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Encode marshals an op and a concrete payload into an Envelope's wire
// bytes.
func Encode(op OpCode, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Op: op, D: d})
}

// HelloPayload is sent immediately after accept.
type HelloPayload struct {
	ID ClientID `json:"id"`
}

// ForcedDisconnectionPayload is a best-effort frame pushed when a session
// is torn down without a clean shutdown (process crash, panic, GC of an
// abandoned session).
type ForcedDisconnectionPayload struct{}
