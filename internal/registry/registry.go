// Package registry tracks executor membership on the coordination
// service and mirrors it into the relational roster. Executors publish
// themselves as ephemeral nodes under /scheduler/executors; schedulers
// watch that subtree and elect a leader under /scheduler/leader.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/taskgrid/internal/coord"
	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

// Registry is the executor membership view over a coordination session.
type Registry struct {
	coord coord.Coordinator
}

// New wraps a coordination session.
func New(c coord.Coordinator) *Registry {
	return &Registry{coord: c}
}

func executorPath(id string) string {
	return coord.PathExecutors + "/" + id
}

// RegisterExecutor publishes the executor as an ephemeral node. The
// node vanishes when the session stops renewing it.
func (r *Registry) RegisterExecutor(ctx context.Context, info job.ExecutorInfo) error {
	data, err := job.EncodeExecutorNode(info)
	if err != nil {
		return fmt.Errorf("encode executor %s: %w", info.ExecutorID, err)
	}
	if err := r.coord.Register(ctx, executorPath(info.ExecutorID), data); err != nil {
		return fmt.Errorf("register executor %s: %w", info.ExecutorID, err)
	}
	return nil
}

// UpdateExecutor rewrites the node payload with fresh load and
// heartbeat figures.
func (r *Registry) UpdateExecutor(ctx context.Context, info job.ExecutorInfo) error {
	data, err := job.EncodeExecutorNode(info)
	if err != nil {
		return fmt.Errorf("encode executor %s: %w", info.ExecutorID, err)
	}
	if err := r.coord.Update(ctx, executorPath(info.ExecutorID), data); err != nil {
		return fmt.Errorf("update executor %s: %w", info.ExecutorID, err)
	}
	return nil
}

// UnregisterExecutor removes the node ahead of a clean shutdown.
func (r *Registry) UnregisterExecutor(ctx context.Context, executorID string) error {
	return r.coord.Unregister(ctx, executorPath(executorID))
}

// Executors lists current members. A node that fails to decode is
// logged and skipped so one corrupt record cannot blind the scheduler.
func (r *Registry) Executors(ctx context.Context) ([]job.ExecutorInfo, error) {
	children, err := r.coord.List(ctx, coord.PathExecutors)
	if err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	out := make([]job.ExecutorInfo, 0, len(children))
	for name, data := range children {
		info, err := job.DecodeExecutorNode(data)
		if err != nil {
			slog.Warn("skipping malformed executor node", "node", name, "error", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// WatchExecutors signals when membership may have changed. The caller
// re-lists on every wake.
func (r *Registry) WatchExecutors(ctx context.Context) (<-chan struct{}, error) {
	return r.coord.Watch(ctx, coord.PathExecutors)
}
