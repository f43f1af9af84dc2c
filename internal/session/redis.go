package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/idfront/internal/log"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces session keys
	DefaultKeyPrefix = "idfront:session:"
	// maxUpdateAttempts bounds optimistic transaction retries
	maxUpdateAttempts = 8
)

// ErrConflict is returned when an update kept losing races with
// concurrent writers
var ErrConflict = errors.New("session update conflict")

// RedisStore keeps states in Redis so several idfront instances can serve
// the same browser. Updates use WATCH/MULTI so concurrent requests of one
// session cannot both consume the same running flow.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOptions configures a RedisStore connection
type RedisOptions struct {
	Addr      string
	DB        int
	Password  string
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DB:           opts.DB,
		Password:     opts.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.LogInfoWithFields("session", "Connected to Redis session store", map[string]any{
		"addr": opts.Addr,
		"db":   opts.DB,
	})
	return NewRedisStoreWithClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStoreWithClient creates a store on an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

func decodeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}

// Get returns the state, creating it on first access
func (s *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	key := s.key(id)

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		state := &State{}
		encoded, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		// SetNX keeps a state written concurrently by another request
		if err := s.client.SetNX(ctx, key, encoded, s.ttl).Err(); err != nil {
			return nil, fmt.Errorf("creating session state: %w", err)
		}
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			log.LogWarnWithFields("session", "Failed to extend session lifetime", map[string]any{"error": err.Error()})
		}
	}
	return decodeState(data)
}

// Update runs fn inside an optimistic transaction, retrying when another
// writer changed the state in between
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*State) error) error {
	if id == "" {
		return ErrEmptyID
	}
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		state := &State{}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("reading session state: %w", err)
		default:
			if state, err = decodeState(data); err != nil {
				return err
			}
		}

		if err := fn(state); err != nil {
			return err
		}

		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encoding session state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.LogDebugWithFields("session", "Session update raced, retrying", map[string]any{"attempt": attempt + 1})
	}
	return ErrConflict
}

// Delete drops the state
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting session state: %w", err)
	}
	return nil
}
