package shardwire

import (
	"bytes"
	"encoding/gob"
)

// Marshal gob-encodes any of this package's payload types for use as a
// ShardDefault, ShardRequest, or ShardResponse's D field.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b into v, the inverse of Marshal.
func Unmarshal(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// EncodeEnvelope gob-encodes a whole ShardDefault for publication to a
// shard's topic.
func EncodeEnvelope(env ShardDefault) ([]byte, error) {
	return Marshal(env)
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(b []byte) (ShardDefault, error) {
	var env ShardDefault
	err := Unmarshal(b, &env)
	return env, err
}
