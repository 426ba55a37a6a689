package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestMasterLockKeeperDefaultsCadenceWhenZero(t *testing.T) {
	repo := newTestRepo(t)
	k := NewMasterLockKeeper(repo, "scheduler", "node-a", 0, nil, nil)
	if k.cadence != defaultLockCadence {
		t.Fatalf("cadence = %v, want default %v", k.cadence, defaultLockCadence)
	}
}

func TestMasterLockKeeperHonorsCustomCadence(t *testing.T) {
	repo := newTestRepo(t)
	k := NewMasterLockKeeper(repo, "scheduler", "node-a", 5*time.Second, nil, nil)
	if k.cadence != 5*time.Second {
		t.Fatalf("cadence = %v, want 5s", k.cadence)
	}
}

func TestMasterLockKeeperAcquiresQuicklyOnShortCadence(t *testing.T) {
	repo := newTestRepo(t)
	acquired := make(chan struct{}, 1)
	k := NewMasterLockKeeper(repo, "scheduler", "node-a", 10*time.Millisecond, nil, func() {
		select {
		case acquired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k.Start(ctx)
	defer k.Stop()

	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the keeper to acquire the lock on its first attempt")
	}
	if !k.HasLock() {
		t.Fatal("expected HasLock to report true after acquisition")
	}
}
