// Package distlock provides single-holder locks shared by every worker
// process, so periodic jobs such as the trigger scan run on one host at a time.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// ErrNotHeld is returned when releasing or extending a lock this holder no
// longer owns.
var ErrNotHeld = errors.New("lock not held")

// DistLock is a non-blocking mutual-exclusion lock. A value is owned by one
// goroutine; concurrent holders need separate instances.
type DistLock interface {
	// Acquire tries once and reports whether the lock was taken.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire unless renewed. WithLock
// renews them while fn runs.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
	TTL() time.Duration
}

// NewLock prefers Redis and falls back to a Postgres advisory lock when no
// Redis client is configured.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// WithLock runs fn while holding l. It reports false, without calling fn,
// when another holder has the lock. Expiring locks are renewed every third of
// their TTL; if a renewal finds the lock taken over, fn's context is
// cancelled and WithLock returns ErrNotHeld.
func WithLock(ctx context.Context, l DistLock, fn func(ctx context.Context) error) (bool, error) {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()

	ext, ok := l.(Extender)
	if !ok || ext.TTL() <= 0 {
		return true, fn(ctx)
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(fnCtx, ext, stop, cancel)
	}()

	err = fn(fnCtx)
	close(stop)
	<-done
	if cause := context.Cause(fnCtx); errors.Is(cause, ErrNotHeld) {
		return true, errors.Join(cause, err)
	}
	return true, err
}

func keepAlive(ctx context.Context, ext Extender, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ttl := ext.TTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, ttl/3)
			err := ext.Extend(extendCtx, ttl)
			cancel()
			switch {
			case errors.Is(err, ErrNotHeld):
				logger.Error("lock taken over while held, cancelling holder")
				lost(ErrNotHeld)
				return
			case err != nil:
				logger.Warn("lock renewal failed", "error", err)
			}
		}
	}
}

// PGAdvisoryLock uses session-scoped advisory locks. Postgres drops the lock
// when the session ends, so a crashed holder cannot keep it.
//
// The lock belongs to the pooled connection it was taken on; a dedicated
// *sql.Conn keeps Release on the same session.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire calls pg_try_advisory_lock on a dedicated connection.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d: already acquired by this holder", l.lockID)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", l.lockID, err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}
