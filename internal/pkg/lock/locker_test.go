package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMemoryLocker(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		l := NewMemoryLocker()
		ctx := context.Background()

		var (
			wg      sync.WaitGroup
			inside  int
			maxSeen int
			mu      sync.Mutex
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, "topic-1")
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, maxSeen)
		assert.Equal(t, 0, l.Len())
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		l := NewMemoryLocker()
		ctx := context.Background()

		unlockA, err := l.Lock(ctx, "a")
		require.NoError(t, err)
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB, err := l.Lock(ctx, "b")
			if err == nil {
				unlockB()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b blocked by a")
		}
	})

	t.Run("waiting is cancelled by context", func(t *testing.T) {
		l := NewMemoryLocker()
		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "k")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		assert.Equal(t, 0, l.Len())
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		l := NewMemoryLocker()
		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)
		unlock()
		unlock()

		unlock2, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)
		unlock2()
		assert.Equal(t, 0, l.Len())
	})
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		mr, client := newTestRedis(t)
		l := NewRedisLocker(client, time.Second, nil)

		unlock, err := l.Lock(context.Background(), "node-1")
		require.NoError(t, err)
		assert.True(t, mr.Exists("forum:lock:node-1"))

		unlock()
		assert.False(t, mr.Exists("forum:lock:node-1"))
	})

	t.Run("second holder waits until release", func(t *testing.T) {
		_, client := newTestRedis(t)
		l := NewRedisLocker(client, 5*time.Second, nil)
		ctx := context.Background()

		unlock, err := l.Lock(ctx, "node-1")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			unlock2, err := l.Lock(ctx, "node-1")
			if err == nil {
				close(acquired)
				unlock2()
			}
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while held")
		case <-time.After(60 * time.Millisecond):
		}

		unlock()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("lock not acquired after release")
		}
	})

	t.Run("context cancel while waiting", func(t *testing.T) {
		_, client := newTestRedis(t)
		l := NewRedisLocker(client, 5*time.Second, nil)

		unlock, err := l.Lock(context.Background(), "node-1")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "node-1")
		assert.Error(t, err)
	})

	t.Run("release does not delete a lock taken over by another holder", func(t *testing.T) {
		mr, client := newTestRedis(t)
		l := NewRedisLocker(client, time.Second, nil)

		unlock, err := l.Lock(context.Background(), "node-1")
		require.NoError(t, err)

		// 锁过期后被他人持有
		mr.FastForward(2 * time.Second)
		require.NoError(t, mr.Set("forum:lock:node-1", "someone-else"))

		unlock()
		v, err := mr.Get("forum:lock:node-1")
		require.NoError(t, err)
		assert.Equal(t, "someone-else", v)
	})

	t.Run("release failures are logged", func(t *testing.T) {
		mr, client := newTestRedis(t)
		core, logs := observer.New(zap.WarnLevel)
		l := NewRedisLocker(client, time.Second, zap.New(core))

		unlock, err := l.Lock(context.Background(), "node-1")
		require.NoError(t, err)
		mr.Close()
		unlock()

		entries := logs.FilterMessage("release lock failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "node-1", entries[0].ContextMap()["key"])
	})

	t.Run("expired lock is logged on release", func(t *testing.T) {
		mr, client := newTestRedis(t)
		core, logs := observer.New(zap.WarnLevel)
		l := NewRedisLocker(client, time.Second, zap.New(core))

		unlock, err := l.Lock(context.Background(), "node-1")
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)
		unlock()

		assert.Equal(t, 1, logs.FilterMessage("lock expired before release").Len())
	})
}
