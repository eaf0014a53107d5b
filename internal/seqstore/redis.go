package seqstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sequence state in a Redis hash per session. Suitable when
// several gateway instances share failover responsibility for a venue.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "fixgate:seq:"}
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (State, error) {
	vals, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return State{}, fmt.Errorf("failed to load sequence state: %w", err)
	}
	if len(vals) == 0 {
		return State{}, nil
	}
	var state State
	if v, ok := vals["next_out"]; ok {
		if state.NextOut, err = strconv.ParseUint(v, 10, 64); err != nil {
			return State{}, fmt.Errorf("corrupt next_out for %s: %w", sessionID, err)
		}
	}
	if v, ok := vals["expected_in"]; ok {
		if state.ExpectedIn, err = strconv.ParseUint(v, 10, 64); err != nil {
			return State{}, fmt.Errorf("corrupt expected_in for %s: %w", sessionID, err)
		}
	}
	return state, nil
}

func (s *RedisStore) Persist(ctx context.Context, sessionID string, state State) error {
	err := s.client.HSet(ctx, s.key(sessionID),
		"next_out", strconv.FormatUint(state.NextOut, 10),
		"expected_in", strconv.FormatUint(state.ExpectedIn, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to persist sequence state: %w", err)
	}
	return nil
}
