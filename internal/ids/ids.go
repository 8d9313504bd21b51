// Package ids generates the identifiers used throughout the shard fabric:
// 128-bit client/shard ids and 10-digit numeric game codes.
package ids

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

// NewClientID returns a fresh 128-bit client identifier.
func NewClientID() uuid.UUID {
	return uuid.New()
}

// NewShardID returns a fresh 128-bit shard identifier, assigned once per
// process and doubling as that shard's Pub/Sub topic name.
func NewShardID() uuid.UUID {
	return uuid.New()
}

const gameIDLength = 10

var digitMax = big.NewInt(10)

// NewGameID returns a 10-character numeric game code. Collision handling
// against the directory is the caller's responsibility.
func NewGameID() (string, error) {
	buf := make([]byte, gameIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, digitMax)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0') + byte(n.Int64())
	}
	return string(buf), nil
}
