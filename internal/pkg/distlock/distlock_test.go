package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_Exclusive(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "trigger-scan", time.Minute)
	b := NewRedisLock(client, "trigger-scan", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiryAndExtend(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "scan", time.Second)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("lock:scan"))

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, l.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestWithLock(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	calls := 0
	ran, err := WithLock(ctx, NewRedisLock(client, "k", time.Minute), func(context.Context) error {
		calls++
		// A second holder is locked out while fn runs.
		ok, err := NewRedisLock(client, "k", time.Minute).Acquire(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)

	// Released afterwards.
	ok, err := NewRedisLock(client, "k", time.Minute).Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ran, err = WithLock(ctx, NewRedisLock(client, "k", time.Minute), func(context.Context) error {
		t.Fatal("must not run while locked")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestWithLock_PropagatesError(t *testing.T) {
	_, client := newRedis(t)
	boom := errors.New("boom")
	ran, err := WithLock(context.Background(), NewRedisLock(client, "k", time.Minute), func(context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestWithLock_RenewsWhileFnRuns(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	const ttl = 150 * time.Millisecond

	ran, err := WithLock(ctx, NewRedisLock(client, "scan", ttl), func(ctx context.Context) error {
		// Run well past the TTL in miniredis time.
		for i := 0; i < 8; i++ {
			time.Sleep(ttl / 3)
			mr.FastForward(ttl / 3)
		}
		ok, err := WithLock(ctx, NewRedisLock(client, "scan", ttl), func(context.Context) error {
			t.Error("second holder must stay locked out")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:scan"))
}

func TestWithLock_TakenOverCancelsHolder(t *testing.T) {
	mr, client := newRedis(t)
	const ttl = 60 * time.Millisecond

	ran, err := WithLock(context.Background(), NewRedisLock(client, "scan", ttl), func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:scan", "someone-else"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("holder was not cancelled")
		}
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.ErrorIs(t, err, context.Canceled)

	// The new owner's key survives our release.
	got, gerr := mr.Get("lock:scan")
	require.NoError(t, gerr)
	assert.Equal(t, "someone-else", got)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "trigger-scan")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ctx := context.Background()
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Release(ctx), ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLock_Backend(t *testing.T) {
	_, client := newRedis(t)
	_, isRedis := NewLock(client, nil, "k", time.Minute).(*RedisLock)
	assert.True(t, isRedis)
	_, isPG := NewLock(nil, nil, "k", time.Minute).(*PGAdvisoryLock)
	assert.True(t, isPG)
}
