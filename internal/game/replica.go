// Package game implements the host-authoritative and follower replicas
// of a match. It never imports the session or shard packages: all
// cross-session delivery goes through the opaque PartialParticipant
// handle and the ShardTransport interface injected at construction, so
// a game replica never holds a handle into a sessions table (see the
// doc comment on router.Sessions for the matching rule on the router's
// side).
package game

import "context"

// Replica is implemented by both Host and Follower so the router and
// session layers can hold either behind one interface.
type Replica interface {
	GameID() string
	IsHost() bool
	// Drop tears the replica down: a host replica notifies and clears
	// every participant and releases the game's directory entry; a
	// follower replica unregisters itself from the host. It does not
	// send any response to the caller's own session — the caller does
	// that once Drop returns.
	Drop(ctx context.Context) error
}
