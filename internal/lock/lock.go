// Package lock serializes runs against the same target table.
package lock

import (
	"context"
	"fmt"

	"github.com/withObsrvr/listings-etl/internal/catalog"
)

// Lock is a held lock. Refresh tells the backend the holder is still alive;
// callers invoke it between steps.
type Lock interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out at most one lock per name at a time. TryLock never
// waits: a held lock fails with an errkind.Locked error.
type Locker interface {
	TryLock(ctx context.Context, name, owner string) (Lock, error)
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string // "file" | "postgres" | "none"
	DSN     string // postgres
	Dir     string // file
}

// New builds the configured locker.
func New(ctx context.Context, cfg Config) (Locker, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileLocker(cfg.Dir, DefaultStaleAfter)
	case "postgres":
		pool, err := catalog.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect lock database: %w", err)
		}
		return NewPostgresLocker(pool), nil
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// Noop grants every lock.
type Noop struct{}

func (Noop) TryLock(context.Context, string, string) (Lock, error) { return noopLock{}, nil }

func (Noop) Close() error { return nil }

type noopLock struct{}

func (noopLock) Refresh(context.Context) error { return nil }

func (noopLock) Release(context.Context) error { return nil }
