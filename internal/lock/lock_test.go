package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/listings-etl/internal/errkind"
)

func TestFileLockerExcludes(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLocker(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewFileLocker failed: %v", err)
	}

	first, err := l.TryLock(ctx, "AIRBNB.DEV.listings", "run-1")
	if err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}

	_, err = l.TryLock(ctx, "AIRBNB.DEV.listings", "run-2")
	if errkind.KindOf(err) != errkind.Locked {
		t.Fatalf("second TryLock = %v, want Locked", err)
	}

	// Other tables are independent.
	other, err := l.TryLock(ctx, "AIRBNB.DEV.hosts", "run-2")
	if err != nil {
		t.Fatalf("lock on another table failed: %v", err)
	}
	other.Release(ctx)

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	again, err := l.TryLock(ctx, "AIRBNB.DEV.listings", "run-3")
	if err != nil {
		t.Fatalf("TryLock after release failed: %v", err)
	}
	again.Release(ctx)
}

func TestFileLockerBreaksStaleLock(t *testing.T) {
	ctx := context.Background()
	l, _ := NewFileLocker(t.TempDir(), time.Minute)

	if _, err := l.TryLock(ctx, "listings", "crashed"); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(l.path("listings"), past, past); err != nil {
		t.Fatal(err)
	}

	lk, err := l.TryLock(ctx, "listings", "next")
	if err != nil {
		t.Fatalf("stale lock was not broken: %v", err)
	}
	lk.Release(ctx)
}

func TestFileLockerStaleBreakHasOneWinner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, _ := NewFileLocker(dir, time.Minute)

	if _, err := l.TryLock(ctx, "listings", "crashed"); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(l.path("listings"), past, past); err != nil {
		t.Fatal(err)
	}

	const contenders = 16
	var (
		wg   sync.WaitGroup
		won  atomic.Int32
		errs = make(chan error, contenders)
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			other, _ := NewFileLocker(dir, time.Minute)
			_, err := other.TryLock(ctx, "listings", fmt.Sprintf("run-%d", i))
			switch {
			case err == nil:
				won.Add(1)
			case errkind.KindOf(err) != errkind.Locked:
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if got := won.Load(); got != 1 {
		t.Errorf("%d runs took the lock, want exactly 1", got)
	}
	if _, err := os.Stat(l.path("listings") + ".break"); !os.IsNotExist(err) {
		t.Errorf("break guard left behind: %v", err)
	}
}

func TestFileLockerRefreshKeepsLockLive(t *testing.T) {
	ctx := context.Background()
	l, _ := NewFileLocker(t.TempDir(), time.Minute)

	held, err := l.TryLock(ctx, "listings", "long-run")
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(l.path("listings"), past, past); err != nil {
		t.Fatal(err)
	}
	if err := held.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, err := l.TryLock(ctx, "listings", "next"); errkind.KindOf(err) != errkind.Locked {
		t.Fatalf("TryLock after refresh = %v, want Locked", err)
	}
	held.Release(ctx)
}

func TestAdvisoryKeyStable(t *testing.T) {
	if AdvisoryKey("AIRBNB.DEV.listings") != AdvisoryKey("AIRBNB.DEV.listings") {
		t.Error("key must be deterministic")
	}
	if AdvisoryKey("AIRBNB.DEV.listings") == AdvisoryKey("AIRBNB.DEV.hosts") {
		t.Error("different tables should get different keys")
	}
}

func TestNoopLocker(t *testing.T) {
	lk, err := Noop{}.TryLock(context.Background(), "listings", "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (Noop{}).TryLock(context.Background(), "listings", "b"); err != nil {
		t.Error("noop locker never refuses")
	}
	lk.Release(context.Background())
}
