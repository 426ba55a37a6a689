package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/scheduler/src/repository"
)

// defaultLockName is the single cluster-wide lock row every node in a
// Registry's cluster contends for. Nothing in this package supports more
// than one lock per process; multiple independent clusters need
// independent Repository backends.
const defaultLockName = "scheduler"

// Registry owns the cluster-wide MasterLockKeeper and one TaskRunner per
// registered task, and is the package's single public entry point for
// wiring a scheduler into a host process.
type Registry struct {
	repo        repository.Repository
	hostname    string
	testMode    bool
	lockCadence time.Duration
	metrics     *metrics
	keeper      *MasterLockKeeper

	mu        sync.RWMutex
	runners   map[string]*TaskRunner
	listeners []Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithNodeName overrides the node identity recorded against the master
// lock; by default the process hostname is used.
func WithNodeName(name string) Option {
	return func(r *Registry) { r.hostname = name }
}

// WithMetricsRegisterer wires the registry's Prometheus collectors into
// reg instead of leaving them unregistered.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.metrics = newMetrics(reg) }
}

// WithTestMode disables background goroutines on every runner created
// through this registry: RunNow executes synchronously and Register does
// not start a loop. Intended for deterministic single-process tests only.
func WithTestMode() Option {
	return func(r *Registry) { r.testMode = true }
}

// WithLockCadence overrides how often the MasterLockKeeper attempts an
// acquire-or-renew cycle, falling back to its own default when d is zero
// or negative.
func WithLockCadence(d time.Duration) Option {
	return func(r *Registry) { r.lockCadence = d }
}

// NewRegistry constructs a Registry bound to repo and immediately starts
// its MasterLockKeeper (unless test mode is enabled).
func NewRegistry(ctx context.Context, repo repository.Repository, hostname string, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		repo:     repo,
		hostname: hostname,
		runners:  make(map[string]*TaskRunner),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = newMetrics(nil)
	}

	r.keeper = NewMasterLockKeeper(repo, defaultLockName, r.hostname, r.lockCadence, r.metrics, r.wakeAllRunners)
	if !r.testMode {
		r.keeper.Start(ctx)
	}
	return r
}

// wakeAllRunners is the MasterLockKeeper's onAcquired callback: the
// instant this node becomes leader, every runner's sleep should be cut
// short so it can re-evaluate without waiting out its current interval.
func (r *Registry) wakeAllRunners() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.runners {
		tr.wake.Notify()
	}
}

// Register adds a new task under name, seeding its schedule row if one
// does not already exist, and returns the operator-facing handle for it.
// Registering the same name twice returns an error.
func (r *Registry) Register(cfg TaskConfig, callback Callback) (TaskHandle, error) {
	r.mu.Lock()
	if _, exists := r.runners[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("scheduler: task %q already registered", cfg.Name)
	}
	r.mu.Unlock()

	tr, err := NewTaskRunner(r.ctx, cfg, r.repo, r.hostname, r.keeper.HasLock, callback, r.metrics, r.testMode)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.runners[cfg.Name] = tr
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnScheduledTaskCreated(tr)
	}
	return tr, nil
}

// GetScheduledTasks returns every currently registered task handle, keyed
// by name.
func (r *Registry) GetScheduledTasks() map[string]TaskHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TaskHandle, len(r.runners))
	for name, tr := range r.runners {
		out[name] = tr
	}
	return out
}

// GetSchedulesFromRepository reads the persisted control-plane state for
// every schedule through the Repository, rather than from in-memory runner
// state. When that Repository is a cache.CachedRepository the result can
// be up to the cache's TTL old.
func (r *Registry) GetSchedulesFromRepository(ctx context.Context) (map[string]repository.Schedule, error) {
	return r.repo.GetAllSchedules(ctx)
}

// GetMasterLock returns the current persisted state of the cluster-wide
// lock row.
func (r *Registry) GetMasterLock(ctx context.Context) (repository.MasterLock, error) {
	return r.repo.GetLock(ctx, defaultLockName)
}

// HasMasterLock reports whether this process currently believes it holds
// leadership.
func (r *Registry) HasMasterLock() bool {
	return r.keeper.HasLock()
}

// AddListener registers l to be notified of future task registrations.
// It is not retroactively invoked for tasks already registered.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Shutdown stops every runner's loop, stops the lock keeper (releasing
// the lock if held), and returns once all background goroutines have
// exited.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	runners := make([]*TaskRunner, 0, len(r.runners))
	for _, tr := range r.runners {
		runners = append(runners, tr)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, tr := range runners {
		wg.Add(1)
		go func(tr *TaskRunner) {
			defer wg.Done()
			tr.shutdown()
		}(tr)
	}
	wg.Wait()

	r.keeper.Stop()
	r.cancel()
}
