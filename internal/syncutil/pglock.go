package syncutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Locker serializes work on a key.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

const unlockTimeout = 5 * time.Second

// AdvisoryLocker extends a KeyedMutex across processes with a Postgres
// session advisory lock per key. Waiters in the same process queue on the
// KeyedMutex, so each process holds at most one connection per key.
//
// A held lock pins a pool connection until unlock. maxHeld caps how many
// are pinned at once and must stay below the pool's open connection limit,
// or lock holders can starve their own queries.
type AdvisoryLocker struct {
	db     *sql.DB
	local  *KeyedMutex
	conns  *semaphore.Weighted
	logger *slog.Logger
}

// NewAdvisoryLocker creates a locker over db pinning at most maxHeld connections.
func NewAdvisoryLocker(db *sql.DB, maxHeld int, logger *slog.Logger) *AdvisoryLocker {
	if maxHeld < 1 {
		maxHeld = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLocker{
		db:     db,
		local:  NewKeyedMutex(),
		conns:  semaphore.NewWeighted(int64(maxHeld)),
		logger: logger,
	}
}

// LockContext acquires key in this process and then in Postgres. The
// returned unlock releases both and must be called exactly once.
func (l *AdvisoryLocker) LockContext(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := l.conns.Acquire(ctx, 1); err != nil {
		unlockLocal()
		return nil, err
	}
	release := func() {
		l.conns.Release(1)
		unlockLocal()
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// A cancelled wait may leave the session mid-query.
		discard(conn)
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		var released bool
		err := conn.QueryRowContext(uctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&released)
		if err != nil || !released {
			// Closing the session is the only other way to drop the lock.
			l.logger.Warn("advisory unlock failed, discarding connection", "key", key, "error", err)
			discard(conn)
		} else {
			_ = conn.Close()
		}
		release()
	}, nil
}

// discard closes conn and keeps it out of the pool, ending its session.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*AdvisoryLocker)(nil)
)
