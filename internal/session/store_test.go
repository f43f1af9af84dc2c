package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "", ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	redisStore, _ := newRedisStore(t, time.Hour)
	return map[string]Store{
		"memory": NewMemoryStore(time.Hour),
		"redis":  redisStore,
	}
}

func TestStore_Conformance(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get creates empty state", func(t *testing.T) {
				state, err := store.Get(ctx, "fresh")
				require.NoError(t, err)
				require.NotNil(t, state)
				assert.Empty(t, state.RunningProvider)
			})

			t.Run("empty id", func(t *testing.T) {
				_, err := store.Get(ctx, "")
				assert.ErrorIs(t, err, ErrEmptyID)
				assert.ErrorIs(t, store.Update(ctx, "", func(*State) error { return nil }), ErrEmptyID)
			})

			t.Run("update round trip", func(t *testing.T) {
				err := store.Update(ctx, "s1", func(s *State) error {
					s.RunningProvider = "google"
					s.StoreAuthorization("google", "code", &oauth2.Token{AccessToken: "at"})
					return nil
				})
				require.NoError(t, err)

				state, err := store.Get(ctx, "s1")
				require.NoError(t, err)
				assert.Equal(t, "google", state.RunningProvider)
				assert.Equal(t, "at", state.Token("google").AccessToken)
			})

			t.Run("failed update writes nothing", func(t *testing.T) {
				require.NoError(t, store.Update(ctx, "s2", func(s *State) error {
					s.PendingRedirect = "/kept"
					return nil
				}))

				boom := errors.New("boom")
				err := store.Update(ctx, "s2", func(s *State) error {
					s.PendingRedirect = "/lost"
					return boom
				})
				assert.ErrorIs(t, err, boom)

				state, err := store.Get(ctx, "s2")
				require.NoError(t, err)
				assert.Equal(t, "/kept", state.PendingRedirect)
			})

			t.Run("get returns a copy", func(t *testing.T) {
				state, err := store.Get(ctx, "s3")
				require.NoError(t, err)
				state.RunningProvider = "not persisted"

				again, err := store.Get(ctx, "s3")
				require.NoError(t, err)
				assert.Empty(t, again.RunningProvider)
			})

			t.Run("sessions are isolated", func(t *testing.T) {
				require.NoError(t, store.Update(ctx, "a", func(s *State) error {
					s.LastError = "a only"
					return nil
				}))
				state, err := store.Get(ctx, "b")
				require.NoError(t, err)
				assert.Empty(t, state.LastError)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, store.Update(ctx, "gone", func(s *State) error {
					s.RunningProvider = "google"
					return nil
				}))
				require.NoError(t, store.Delete(ctx, "gone"))

				state, err := store.Get(ctx, "gone")
				require.NoError(t, err)
				assert.Empty(t, state.RunningProvider)
			})

			t.Run("take running provider once", func(t *testing.T) {
				require.NoError(t, store.Update(ctx, "race", func(s *State) error {
					s.RunningProvider = "google"
					return nil
				}))

				var (
					wg    sync.WaitGroup
					mu    sync.Mutex
					taken int
				)
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						var got string
						err := store.Update(ctx, "race", func(s *State) error {
							got = s.TakeRunningProvider()
							return nil
						})
						if err == nil && got != "" {
							mu.Lock()
							taken++
							mu.Unlock()
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, taken)
			})
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := newRedisStore(t, 30*time.Minute)
	ctx := context.Background()

	_, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL(DefaultKeyPrefix+"s1"))

	mr.FastForward(20 * time.Minute)
	_, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL(DefaultKeyPrefix+"s1"), "access extends the lifetime")

	require.NoError(t, store.Update(ctx, "s1", func(s *State) error {
		s.RunningProvider = "google"
		return nil
	}))
	mr.FastForward(31 * time.Minute)
	assert.False(t, mr.Exists(DefaultKeyPrefix+"s1"))
}

func TestRedisStore_CorruptState(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	require.NoError(t, mr.Set(DefaultKeyPrefix+"bad", "{not json"))

	_, err := store.Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestNewRedisStore_Errors(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisOptions{})
	assert.EqualError(t, err, "redis address is required")

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr(), KeyPrefix: "custom:"})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, mr.Exists("custom:x"))
}
