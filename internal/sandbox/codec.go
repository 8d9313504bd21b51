package sandbox

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global encoding registry so
// ClientConn.Invoke can marshal/unmarshal our request/response structs
// without protoc-generated stubs. The sandbox service's .proto is owned
// by another team; this codec lets us talk to it over real gRPC framing
// using our own Go types instead.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("sandbox: unmarshal into %T: %w", v, err)
	}
	return nil
}
