// Package store defines the durable-state contract shared by the
// scheduler and executor tiers, plus an in-memory implementation used
// in standalone mode and tests. The SQL-backed implementation lives in
// store/sqldb.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by insert-only operations when the key
	// already exists.
	ErrDuplicate = errors.New("already exists")
)

// JobStore persists job templates.
type JobStore interface {
	// SaveJob is insert-only; an existing job_id fails with
	// ErrDuplicate.
	SaveJob(ctx context.Context, info job.Info) error

	// UpdateJob rewrites all mutable fields; a missing row fails with
	// ErrNotFound.
	UpdateJob(ctx context.Context, info job.Info) error

	// DeleteJob removes the template. Execution history is archived,
	// not removed.
	DeleteJob(ctx context.Context, jobID string) error

	GetJob(ctx context.Context, jobID string) (job.Info, error)
	ListJobs(ctx context.Context, offset, limit int) ([]job.Info, error)
	ListJobsByType(ctx context.Context, t job.Type, offset, limit int) ([]job.Info, error)
	JobCount(ctx context.Context) (int, error)

	// PendingJobs returns jobs with no RUNNING execution row, ordered
	// by (priority DESC, create_time ASC). This is the gate that keeps
	// in-flight one-shots from being dispatched twice.
	PendingJobs(ctx context.Context, limit int) ([]job.Info, error)
}

// ExecutionStore persists run attempts.
type ExecutionStore interface {
	// SaveExecution inserts a WAITING row and returns its id.
	SaveExecution(ctx context.Context, jobID, executorID string) (uint64, error)

	// MarkExecutionRunning flips a WAITING row to RUNNING and stamps
	// start_time. Terminal rows are left alone.
	MarkExecutionRunning(ctx context.Context, executionID uint64) error

	// UpdateExecutionResult writes a terminal status, output and error
	// and stamps end_time. Idempotent: a row that is already terminal
	// is not rewritten.
	UpdateExecutionResult(ctx context.Context, executionID uint64, status job.Status, output, errMsg string) error

	GetExecution(ctx context.Context, executionID uint64) (job.Execution, error)
	JobExecutions(ctx context.Context, jobID string, offset, limit int) ([]job.Execution, error)
	LatestExecution(ctx context.Context, jobID string) (job.Execution, error)
	RecentExecutions(ctx context.Context, limit int) ([]job.Execution, error)
	ExecutionCount(ctx context.Context, jobID string) (int, error)

	// RunningExecutions returns rows stuck in RUNNING, oldest first,
	// for the lost-execution reaper.
	RunningExecutions(ctx context.Context, limit int) ([]job.Execution, error)

	// CleanupExpiredExecutions deletes rows whose trigger_time is
	// older than the given number of days and reports how many went.
	CleanupExpiredExecutions(ctx context.Context, days int) (int64, error)
}

// ExecutorStore maintains the worker roster.
type ExecutorStore interface {
	// RegisterExecutor upserts the roster row for a booting worker and
	// marks it ONLINE with a fresh heartbeat.
	RegisterExecutor(ctx context.Context, executorID, host string, port, maxLoad int) error

	// UpsertExecutor mirrors a coordination-service record into the
	// roster, used by the registry reconciler. The store owns the
	// dispatch bookkeeping, so on existing rows current_load and
	// total_tasks_executed are preserved, never taken from the node
	// payload.
	UpsertExecutor(ctx context.Context, info job.ExecutorInfo) error

	UpdateExecutorStatus(ctx context.Context, executorID string, online bool) error
	UpdateExecutorHeartbeat(ctx context.Context, executorID string) error
	IncrementExecutorLoad(ctx context.Context, executorID string) error
	DecrementExecutorLoad(ctx context.Context, executorID string) error
	UpdateExecutorMaxLoad(ctx context.Context, executorID string, maxLoad int) error
	IncrementExecutorTaskCount(ctx context.Context, executorID string) error

	GetExecutor(ctx context.Context, executorID string) (job.ExecutorInfo, error)
	ListExecutors(ctx context.Context) ([]job.ExecutorInfo, error)

	// OnlineExecutors returns live workers: ONLINE with a heartbeat
	// inside job.LiveWindow.
	OnlineExecutors(ctx context.Context) ([]job.ExecutorInfo, error)
}

// LockStore provides cooperative mutual exclusion rows.
type LockStore interface {
	// AcquireLock inserts or steals an expired/self-owned lock and
	// reports whether the caller now holds it. A held foreign lock is
	// not an error, just false.
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the row only when owner matches.
	ReleaseLock(ctx context.Context, name, owner string) (bool, error)

	// RefreshLock extends a held lock's expiry; false when the caller
	// no longer owns it.
	RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
}

// ConfigStore is the system_config key/value table.
type ConfigStore interface {
	ConfigValue(ctx context.Context, key, def string) (string, error)
	SetConfigValue(ctx context.Context, key, value, description string) error
}

// Store is the full durable-state surface.
type Store interface {
	JobStore
	ExecutionStore
	ExecutorStore
	LockStore
	ConfigStore

	Close() error
}
