package lock

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/listings-etl/internal/errkind"
)

// PostgresLocker uses session-level advisory locks, so it serializes runs
// across hosts that share the database.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker takes ownership of pool.
func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// AdvisoryKey hashes a lock name into the advisory lock key space.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryLock pins a pooled connection for the lifetime of the lock, since
// advisory locks belong to the session that took them.
func (l *PostgresLocker) TryLock(ctx context.Context, name, owner string) (Lock, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	key := AdvisoryKey(name)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, errkind.Newf(errkind.Locked, "lock", "%s is locked by another run (advisory key %d)", name, key)
	}
	return &advisoryLock{conn: conn, key: key}, nil
}

func (l *PostgresLocker) Close() error {
	l.pool.Close()
	return nil
}

type advisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// Refresh checks that the session holding the lock is still connected.
func (a *advisoryLock) Refresh(ctx context.Context) error {
	if err := a.conn.Ping(ctx); err != nil {
		return fmt.Errorf("advisory lock session: %w", err)
	}
	return nil
}

func (a *advisoryLock) Release(ctx context.Context) error {
	defer a.conn.Release()
	if _, err := a.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", a.key); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
