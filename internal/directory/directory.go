// Package directory is the shared coordination surface between shards:
// a Redis-backed key/value map (client id -> shard id, game id -> host
// placement) doubling as the pub/sub broker every shard subscribes to
// on its own topic. The broker and the store are assumed to be the same
// collaborator, configured from a single address for both, so one
// *redis.Client backs both facets here.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist in the directory.
var ErrNotFound = errors.New("directory: key not found")

func socketKey(clientID uuid.UUID) string {
	return fmt.Sprintf("SOCKET:USER:%s", clientID)
}

func gameKey(gameID string) string {
	return fmt.Sprintf("GAME:%s", gameID)
}

// GamePlacement is the JSON value written under GAME:{game_id} once the
// host has joined. Before that it is the reserved empty string.
type GamePlacement struct {
	ShardID uuid.UUID `json:"shard_id"`
	HostID  uuid.UUID `json:"host_id"`
}

// Directory wraps a Redis client with the keyspace helpers and pub/sub
// subscription every shard needs.
type Directory struct {
	rdb *redis.Client
}

// New builds a Directory against addr. If reset is true, every
// SOCKET:USER:* and GAME:* key is deleted first (SHOULD_RESET_REDIS).
func New(ctx context.Context, addr string, reset bool) (*Directory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	d := &Directory{rdb: rdb}
	if reset {
		if err := d.resetAll(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Directory) resetAll(ctx context.Context) error {
	keys, err := d.rdb.Keys(ctx, "SOCKET:USER:*").Result()
	if err != nil {
		return fmt.Errorf("reset redis: list socket keys: %w", err)
	}
	gameKeys, err := d.rdb.Keys(ctx, "GAME:*").Result()
	if err != nil {
		return fmt.Errorf("reset redis: list game keys: %w", err)
	}
	keys = append(keys, gameKeys...)
	if len(keys) == 0 {
		return nil
	}
	if err := d.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset redis: delete keys: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (d *Directory) Close() error {
	return d.rdb.Close()
}

// RegisterSocket records that clientID's session lives on shardID.
func (d *Directory) RegisterSocket(ctx context.Context, clientID, shardID uuid.UUID) error {
	if err := d.rdb.Set(ctx, socketKey(clientID), shardID.String(), 0).Err(); err != nil {
		return fmt.Errorf("register socket %s: %w", clientID, err)
	}
	return nil
}

// UnregisterSocket removes clientID's shard mapping on disconnect.
func (d *Directory) UnregisterSocket(ctx context.Context, clientID uuid.UUID) error {
	if err := d.rdb.Del(ctx, socketKey(clientID)).Err(); err != nil {
		return fmt.Errorf("unregister socket %s: %w", clientID, err)
	}
	return nil
}

// LookupSocket resolves the shard a client's session currently lives on.
func (d *Directory) LookupSocket(ctx context.Context, clientID uuid.UUID) (uuid.UUID, error) {
	s, err := d.rdb.Get(ctx, socketKey(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup socket %s: %w", clientID, err)
	}
	shardID, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup socket %s: malformed shard id %q: %w", clientID, s, err)
	}
	return shardID, nil
}

// ClaimGame atomically reserves a game code, writing the empty-string
// "claimed but not yet initialised" marker. Returns false if the code
// is already taken.
func (d *Directory) ClaimGame(ctx context.Context, gameID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, gameKey(gameID), "", 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim game %s: %w", gameID, err)
	}
	return ok, nil
}

// PlaceGame writes the host's placement once it has joined its own
// freshly created game.
func (d *Directory) PlaceGame(ctx context.Context, gameID string, placement GamePlacement) error {
	b, err := json.Marshal(placement)
	if err != nil {
		return fmt.Errorf("place game %s: %w", gameID, err)
	}
	if err := d.rdb.Set(ctx, gameKey(gameID), string(b), 0).Err(); err != nil {
		return fmt.Errorf("place game %s: %w", gameID, err)
	}
	return nil
}

// GameState is the decoded value under GAME:{game_id}.
type GameState struct {
	// Claimed is true once Create has reserved the code, even before a
	// placement has been written.
	Claimed bool
	// Placed is true once the host has joined and a GamePlacement is
	// available.
	Placed    bool
	Placement GamePlacement
}

// LookupGame reads and decodes GAME:{game_id}.
func (d *Directory) LookupGame(ctx context.Context, gameID string) (GameState, error) {
	v, err := d.rdb.Get(ctx, gameKey(gameID)).Result()
	if errors.Is(err, redis.Nil) {
		return GameState{}, ErrNotFound
	}
	if err != nil {
		return GameState{}, fmt.Errorf("lookup game %s: %w", gameID, err)
	}
	if v == "" {
		return GameState{Claimed: true}, nil
	}
	var placement GamePlacement
	if err := json.Unmarshal([]byte(v), &placement); err != nil {
		return GameState{}, fmt.Errorf("lookup game %s: malformed placement: %w", gameID, err)
	}
	return GameState{Claimed: true, Placed: true, Placement: placement}, nil
}

// DeleteGame removes GAME:{game_id}, e.g. on host shutdown.
func (d *Directory) DeleteGame(ctx context.Context, gameID string) error {
	if err := d.rdb.Del(ctx, gameKey(gameID)).Err(); err != nil {
		return fmt.Errorf("delete game %s: %w", gameID, err)
	}
	return nil
}

// Publish delivers a pre-serialised envelope to the topic named by
// shardID.
func (d *Directory) Publish(ctx context.Context, shardID uuid.UUID, payload []byte) error {
	if err := d.rdb.Publish(ctx, shardID.String(), payload).Err(); err != nil {
		return fmt.Errorf("publish to shard %s: %w", shardID, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the topic named by shardID.
// Callers range over Channel() until Close().
func (d *Directory) Subscribe(ctx context.Context, shardID uuid.UUID) *redis.PubSub {
	return d.rdb.Subscribe(ctx, shardID.String())
}
