package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/wittsy/internal/config"
	"github.com/kiliankoe/wittsy/internal/game"
)

// maxTxAttempts bounds optimistic-lock retries when a watched key changes
// between GET and EXEC.
const maxTxAttempts = 8

var ErrContention = errors.New("round state contention")

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisRoomStore keeps one JSON RoundState per room. Conditional writes WATCH
// the room key, compare the stored stamp and commit in MULTI/EXEC.
//
// Keys:
//
//	<prefix>:room:<roomID>:state  JSON RoundState
//	<prefix>:rooms:active         set of room IDs with state
type RedisRoomStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRoomStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRoomStore {
	if prefix == "" {
		prefix = "wittsy"
	}
	return &RedisRoomStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisRoomStore) stateKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:state", s.prefix, roomID)
}

func (s *RedisRoomStore) activeKey() string {
	return s.prefix + ":rooms:active"
}

func (s *RedisRoomStore) ReadRoundState(ctx context.Context, roomID string) (*game.RoundState, error) {
	return s.read(ctx, s.client, roomID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisRoomStore) read(ctx context.Context, c getter, roomID string) (*game.RoundState, error) {
	data, err := c.Get(ctx, s.stateKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, game.ErrRoundStateNotFound
	}
	if err != nil {
		return nil, err
	}
	var st game.RoundState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round state: %w", err)
	}
	if st.Submissions == nil {
		st.Submissions = map[string]string{}
	}
	if st.Votes == nil {
		st.Votes = map[string]string{}
	}
	return &st, nil
}

func (s *RedisRoomStore) WriteRoundStateIf(ctx context.Context, roomID string, expected game.Stamp, next *game.RoundState) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal round state: %w", err)
	}
	return s.cas(ctx, roomID, func(tx *redis.Tx) (bool, error) {
		cur, err := s.read(ctx, tx, roomID)
		switch {
		case errors.Is(err, game.ErrRoundStateNotFound):
			if !expected.IsZero() {
				return false, nil
			}
		case err != nil:
			return false, err
		case expected.IsZero() || !cur.Stamp().Matches(expected):
			return false, nil
		}
		return true, s.put(ctx, tx, roomID, data)
	})
}

func (s *RedisRoomStore) UpdateRoundStateIf(ctx context.Context, roomID string, expected game.Stamp, fn func(*game.RoundState) error) (bool, error) {
	return s.cas(ctx, roomID, func(tx *redis.Tx) (bool, error) {
		cur, err := s.read(ctx, tx, roomID)
		if errors.Is(err, game.ErrRoundStateNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !cur.Stamp().Matches(expected) {
			return false, nil
		}
		if err := fn(cur); err != nil {
			return false, err
		}
		data, err := json.Marshal(cur)
		if err != nil {
			return false, fmt.Errorf("failed to marshal round state: %w", err)
		}
		return true, s.put(ctx, tx, roomID, data)
	})
}

func (s *RedisRoomStore) DeleteRoundStateIf(ctx context.Context, roomID string, expected game.Stamp) (bool, error) {
	return s.cas(ctx, roomID, func(tx *redis.Tx) (bool, error) {
		cur, err := s.read(ctx, tx, roomID)
		if errors.Is(err, game.ErrRoundStateNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !cur.Stamp().Matches(expected) {
			return false, nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.stateKey(roomID))
			pipe.SRem(ctx, s.activeKey(), roomID)
			return nil
		})
		return true, err
	})
}

// ActiveRooms lists rooms in the active set. Members whose state expired are
// pruned from the set.
func (s *RedisRoomStore) ActiveRooms(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.stateKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	live := ids[:0]
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.activeKey(), stale...).Err(); err != nil {
			log.Warn().Err(err).Int("rooms", len(stale)).Msg("failed to prune expired rooms")
		}
	}
	return live, nil
}

func (s *RedisRoomStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRoomStore) put(ctx context.Context, tx *redis.Tx, roomID string, data []byte) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.stateKey(roomID), data, s.ttl)
		pipe.SAdd(ctx, s.activeKey(), roomID)
		return nil
	})
	return err
}

// cas runs fn under WATCH on the room key. fn reports whether it wrote; a
// watched-key conflict reruns fn against the new value.
func (s *RedisRoomStore) cas(ctx context.Context, roomID string, fn func(tx *redis.Tx) (bool, error)) (bool, error) {
	key := s.stateKey(roomID)
	for range maxTxAttempts {
		var wrote bool
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			wrote, err = fn(tx)
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return wrote, nil
	}
	return false, fmt.Errorf("%w: room %s", ErrContention, roomID)
}
