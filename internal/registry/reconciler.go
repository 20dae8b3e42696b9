package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
)

// Reconciler mirrors coordination membership into the executor_node
// roster table. Watch events arrive on the coordination session's
// goroutine; the reconciler marshals them onto its own loop so store
// round-trips never stall the watcher.
type Reconciler struct {
	registry *Registry
	store    store.ExecutorStore
	stats    *stats.Manager

	mu      sync.Mutex
	known   map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewReconciler wires the registry to the roster table. st may be nil.
func NewReconciler(r *Registry, s store.ExecutorStore, st *stats.Manager) *Reconciler {
	return &Reconciler{
		registry: r,
		store:    s,
		stats:    st,
		known:    make(map[string]bool),
	}
}

// Start begins mirroring until Stop.
func (rc *Reconciler) Start() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	wake, err := rc.registry.WatchExecutors(ctx)
	if err != nil {
		cancel()
		return err
	}
	rc.cancel = cancel
	rc.done = make(chan struct{})
	rc.started = true

	go func() {
		defer close(rc.done)
		rc.sync(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-wake:
				if !ok {
					return
				}
				rc.sync(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the mirror loop.
func (rc *Reconciler) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.started {
		return
	}
	rc.cancel()
	<-rc.done
	rc.started = false
}

// Sync runs one reconciliation pass immediately.
func (rc *Reconciler) Sync(ctx context.Context) {
	rc.sync(ctx)
}

func (rc *Reconciler) sync(ctx context.Context) {
	members, err := rc.registry.Executors(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("executor membership sync failed", "error", err)
		}
		return
	}

	present := make(map[string]bool, len(members))
	for _, info := range members {
		present[info.ExecutorID] = true
		if err := rc.store.UpsertExecutor(ctx, info); err != nil {
			slog.Warn("roster upsert failed", "executor", info.ExecutorID, "error", err)
			continue
		}
		if rc.stats != nil {
			rc.stats.UpdateExecutor(info)
		}
	}

	// Members that dropped off the coordination tree are marked
	// OFFLINE in the roster, not deleted.
	rc.mu.Lock()
	gone := make([]string, 0)
	for id := range rc.known {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	rc.known = present
	rc.mu.Unlock()

	for _, id := range gone {
		slog.Info("executor left", "executor", id)
		if err := rc.store.UpdateExecutorStatus(ctx, id, false); err != nil {
			slog.Warn("offline mark failed", "executor", id, "error", err)
		}
		if rc.stats != nil {
			rc.stats.RemoveExecutor(id)
		}
	}
}
