package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

// defaultLockCadence is how often the keeper attempts an acquire-or-renew
// cycle when NewMasterLockKeeper is given a zero cadence.
const defaultLockCadence = 1 * time.Minute

// MasterLockKeeper is the dedicated long-lived actor that maintains a
// single boolean — does this node hold the cluster-wide lock — and
// notifies interested runners on acquisition. It depends only on the
// Repository and a narrow onAcquired callback rather than the full
// Registry, avoiding a cyclic reference between the two.
type MasterLockKeeper struct {
	repo     repository.Repository
	lockName string
	nodeName string
	cadence  time.Duration
	metrics  *metrics

	onAcquired func()

	mu      sync.RWMutex
	holding bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMasterLockKeeper builds a keeper that attempts an acquire-or-renew
// cycle every cadence (falling back to defaultLockCadence when cadence is
// zero or negative).
func NewMasterLockKeeper(repo repository.Repository, lockName, nodeName string, cadence time.Duration, m *metrics, onAcquired func()) *MasterLockKeeper {
	if cadence <= 0 {
		cadence = defaultLockCadence
	}
	return &MasterLockKeeper{
		repo:       repo,
		lockName:   lockName,
		nodeName:   nodeName,
		cadence:    cadence,
		metrics:    m,
		onAcquired: onAcquired,
	}
}

// Start launches the keeper's background goroutine. It attempts an
// acquire-or-renew immediately rather than waiting a full cadence
// interval for the first attempt.
func (k *MasterLockKeeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})

	go func() {
		defer close(k.done)
		k.attempt(ctx)

		ticker := time.NewTicker(k.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.attempt(ctx)
			}
		}
	}()
}

func (k *MasterLockKeeper) attempt(ctx context.Context) {
	now := time.Now().UTC()

	if !k.HasLock() {
		ok, err := k.repo.TryAcquireLock(ctx, k.lockName, k.nodeName, now)
		if err != nil || !ok {
			return
		}
		k.mu.Lock()
		k.holding = true
		k.mu.Unlock()
		k.metrics.setMasterHeld(true)
		if k.onAcquired != nil {
			k.onAcquired()
		}
		return
	}

	ok, err := k.repo.KeepLock(ctx, k.lockName, k.nodeName, now)
	if err != nil || !ok {
		k.mu.Lock()
		k.holding = false
		k.mu.Unlock()
		k.metrics.setMasterHeld(false)
	}
}

// HasLock reports whether this node currently believes it holds the
// cluster-wide lock.
func (k *MasterLockKeeper) HasLock() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.holding
}

// Stop halts the background goroutine and releases the lock on a
// best-effort basis, matching the shutdown protocol's "one final
// release_lock attempt".
func (k *MasterLockKeeper) Stop() {
	if k.cancel != nil {
		k.cancel()
		<-k.done
	}
	if k.HasLock() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.repo.ReleaseLock(ctx, k.lockName, k.nodeName)
		k.mu.Lock()
		k.holding = false
		k.mu.Unlock()
		k.metrics.setMasterHeld(false)
	}
}
