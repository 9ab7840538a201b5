package counter

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"rosterline.org/internal/secure"
)

type harness struct {
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			clock := secure.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			return harness{store: NewMemory(WithMemoryClock(clock.Now)), advance: clock.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return harness{store: NewRedis(client, time.Second), advance: mr.FastForward}
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("incr sets ttl on creation only", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				n, err := h.store.Incr(ctx, "c", time.Minute)
				require.NoError(t, err)
				require.EqualValues(t, 1, n)

				h.advance(40 * time.Second)
				n, err = h.store.Incr(ctx, "c", time.Minute)
				require.NoError(t, err)
				require.EqualValues(t, 2, n)

				ttl, err := h.store.TTL(ctx, "c")
				require.NoError(t, err)
				require.LessOrEqual(t, ttl, 20*time.Second)

				h.advance(21 * time.Second)
				n, err = h.store.Incr(ctx, "c", time.Minute)
				require.NoError(t, err)
				require.EqualValues(t, 1, n, "window must restart after expiry")
			})

			t.Run("setnx is single winner", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				ok, err := h.store.SetNX(ctx, "once", "a", time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
				ok, err = h.store.SetNX(ctx, "once", "b", time.Minute)
				require.NoError(t, err)
				require.False(t, ok)
				v, err := h.store.Get(ctx, "once")
				require.NoError(t, err)
				require.Equal(t, "a", v)
			})

			t.Run("replace never creates", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				ok, err := h.store.Replace(ctx, "r", "x", time.Minute)
				require.NoError(t, err)
				require.False(t, ok)
				_, err = h.store.Get(ctx, "r")
				require.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, h.store.Set(ctx, "r", "x", time.Minute))
				ok, err = h.store.Replace(ctx, "r", "y", time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
				v, _ := h.store.Get(ctx, "r")
				require.Equal(t, "y", v)
			})

			t.Run("ttl reports missing and persistent keys", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				_, err := h.store.TTL(ctx, "missing")
				require.ErrorIs(t, err, ErrNotFound)
				_, err = h.store.Incr(ctx, "epoch", 0)
				require.NoError(t, err)
				ttl, err := h.store.TTL(ctx, "epoch")
				require.NoError(t, err)
				require.Less(t, ttl, time.Duration(0))
			})

			t.Run("sets", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				require.NoError(t, h.store.SAdd(ctx, "s", time.Hour, "b", "a"))
				require.NoError(t, h.store.SAdd(ctx, "s", time.Hour, "c"))
				require.NoError(t, h.store.SRem(ctx, "s", "b"))
				got, err := h.store.SMembers(ctx, "s")
				require.NoError(t, err)
				sort.Strings(got)
				require.Equal(t, []string{"a", "c"}, got)

				require.NoError(t, h.store.Del(ctx, "s"))
				got, err = h.store.SMembers(ctx, "s")
				require.NoError(t, err)
				require.Empty(t, got)
			})

			t.Run("concurrent incr loses nothing", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				const workers = 50
				var wg sync.WaitGroup
				seen := make(chan int64, workers)
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						n, err := h.store.Incr(ctx, "race", time.Minute)
						if err == nil {
							seen <- n
						}
					}()
				}
				wg.Wait()
				close(seen)
				uniq := map[int64]bool{}
				for n := range seen {
					uniq[n] = true
				}
				require.Len(t, uniq, workers)
				v, err := h.store.Get(ctx, "race")
				require.NoError(t, err)
				require.Equal(t, strconv.Itoa(workers), v)
			})
		})
	}
}

func TestRedisUnavailableIsWrapped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedis(client, 200*time.Millisecond)
	mr.Close()

	_, err := store.Incr(context.Background(), "k", time.Minute)
	if !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable from ping, got %v", err)
	}
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.RetryInterval = 10 * time.Millisecond
	store, err := DialRedis(context.Background(), cfg)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSubjectKeyHidesSubject(t *testing.T) {
	key := SubjectKey("rl", "login", "Alice@Example.com")
	if key != SubjectKey("rl", "login", "alice@example.com") {
		t.Fatal("subject keys must normalise case")
	}
	if want := "rl:login:" + secure.Fingerprint("alice@example.com"); key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}
