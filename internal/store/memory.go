package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

// Memory is a mutex-guarded Store kept entirely in process. Standalone
// mode and the test suites run on it.
type Memory struct {
	mu sync.Mutex

	jobs       map[string]job.Info
	createTime map[string]time.Time
	seq        int64 // insertion order tiebreak for equal create times

	order map[string]int64

	executions map[uint64]job.Execution
	nextExecID uint64

	executors map[string]job.ExecutorInfo

	locks map[string]memLock

	config map[string]string

	now func() time.Time
}

var _ Store = (*Memory)(nil)

type memLock struct {
	owner   string
	expires time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]job.Info),
		createTime: make(map[string]time.Time),
		order:      make(map[string]int64),
		executions: make(map[uint64]job.Execution),
		executors:  make(map[string]job.ExecutorInfo),
		locks:      make(map[string]memLock),
		config:     make(map[string]string),
		now:        time.Now,
	}
}

func (m *Memory) Close() error { return nil }

// SetNow swaps the clock, for tests that steer trigger and lock times.
func (m *Memory) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

// --- jobs ---

func (m *Memory) SaveJob(_ context.Context, info job.Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[info.JobID]; ok {
		return ErrDuplicate
	}
	m.jobs[info.JobID] = info
	m.createTime[info.JobID] = m.now()
	m.seq++
	m.order[info.JobID] = m.seq
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, info job.Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[info.JobID]; !ok {
		return ErrNotFound
	}
	m.jobs[info.JobID] = info
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, jobID)
	delete(m.createTime, jobID)
	delete(m.order, jobID)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (job.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.jobs[jobID]
	if !ok {
		return job.Info{}, ErrNotFound
	}
	return info, nil
}

func (m *Memory) ListJobs(_ context.Context, offset, limit int) ([]job.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.sortedJobs(func(job.Info) bool { return true }), offset, limit), nil
}

func (m *Memory) ListJobsByType(_ context.Context, t job.Type, offset, limit int) ([]job.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.sortedJobs(func(j job.Info) bool { return j.Type == t }), offset, limit), nil
}

func (m *Memory) JobCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

func (m *Memory) PendingJobs(_ context.Context, limit int) ([]job.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := make(map[string]bool)
	for _, e := range m.executions {
		if e.Status == job.StatusRunning {
			running[e.JobID] = true
		}
	}

	out := make([]job.Info, 0)
	for id, info := range m.jobs {
		if !running[id] {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return m.order[out[i].JobID] < m.order[out[k].JobID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortedJobs returns matching jobs in create order. Callers hold the lock.
func (m *Memory) sortedJobs(keep func(job.Info) bool) []job.Info {
	out := make([]job.Info, 0, len(m.jobs))
	for _, info := range m.jobs {
		if keep(info) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return m.order[out[i].JobID] < m.order[out[k].JobID]
	})
	return out
}

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// --- executions ---

func (m *Memory) SaveExecution(_ context.Context, jobID, executorID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextExecID++
	id := m.nextExecID
	m.executions[id] = job.Execution{
		ExecutionID: id,
		JobID:       jobID,
		ExecutorID:  executorID,
		Status:      job.StatusWaiting,
		TriggerTime: m.now(),
	}
	return id, nil
}

func (m *Memory) MarkExecutionRunning(_ context.Context, executionID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	e.Status = job.StatusRunning
	e.StartTime = m.now()
	m.executions[executionID] = e
	return nil
}

func (m *Memory) UpdateExecutionResult(_ context.Context, executionID uint64, status job.Status, output, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	e.Status = status
	e.Output = output
	e.Error = errMsg
	e.EndTime = m.now()
	m.executions[executionID] = e
	return nil
}

func (m *Memory) GetExecution(_ context.Context, executionID uint64) (job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return job.Execution{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) JobExecutions(_ context.Context, jobID string, offset, limit int) ([]job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sortedExecutions(func(e job.Execution) bool { return e.JobID == jobID })
	return page(rows, offset, limit), nil
}

func (m *Memory) LatestExecution(_ context.Context, jobID string) (job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sortedExecutions(func(e job.Execution) bool { return e.JobID == jobID })
	if len(rows) == 0 {
		return job.Execution{}, ErrNotFound
	}
	return rows[0], nil
}

func (m *Memory) RecentExecutions(_ context.Context, limit int) ([]job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.sortedExecutions(func(job.Execution) bool { return true }), 0, limit), nil
}

func (m *Memory) ExecutionCount(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executions {
		if e.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RunningExecutions(_ context.Context, limit int) ([]job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]job.Execution, 0)
	for _, e := range m.executions {
		if e.Status == job.StatusRunning {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, k int) bool {
		return rows[i].StartTime.Before(rows[k].StartTime)
	})
	return page(rows, 0, limit), nil
}

func (m *Memory) CleanupExpiredExecutions(_ context.Context, days int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().AddDate(0, 0, -days)
	var removed int64
	for id, e := range m.executions {
		if e.TriggerTime.Before(cutoff) {
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}

// sortedExecutions returns matching rows newest first. Callers hold the lock.
func (m *Memory) sortedExecutions(keep func(job.Execution) bool) []job.Execution {
	rows := make([]job.Execution, 0)
	for _, e := range m.executions {
		if keep(e) {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].TriggerTime.Equal(rows[k].TriggerTime) {
			return rows[i].TriggerTime.After(rows[k].TriggerTime)
		}
		return rows[i].ExecutionID > rows[k].ExecutionID
	})
	return rows
}

// --- executors ---

func (m *Memory) RegisterExecutor(_ context.Context, executorID, host string, port, maxLoad int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.executors[executorID]
	e.ExecutorID = executorID
	e.Host = host
	e.Port = port
	e.MaxLoad = maxLoad
	e.Status = job.ExecutorOnline
	e.LastHeartbeat = m.now()
	m.executors[executorID] = e
	return nil
}

func (m *Memory) UpsertExecutor(_ context.Context, info job.ExecutorInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.executors[info.ExecutorID]; ok {
		// current_load and total_tasks_executed belong to the store's
		// dispatch bookkeeping, not the node payload.
		info.CurrentLoad = prev.CurrentLoad
		info.TotalTasksExecuted = prev.TotalTasksExecuted
	}
	m.executors[info.ExecutorID] = info
	return nil
}

func (m *Memory) UpdateExecutorStatus(_ context.Context, executorID string, online bool) error {
	return m.mutateExecutor(executorID, func(e *job.ExecutorInfo) {
		e.Status = job.ExecutorOffline
		if online {
			e.Status = job.ExecutorOnline
		}
	})
}

func (m *Memory) UpdateExecutorHeartbeat(_ context.Context, executorID string) error {
	return m.mutateExecutor(executorID, func(e *job.ExecutorInfo) {
		e.LastHeartbeat = m.now()
	})
}

func (m *Memory) IncrementExecutorLoad(_ context.Context, executorID string) error {
	return m.mutateExecutor(executorID, func(e *job.ExecutorInfo) {
		e.CurrentLoad++
	})
}

func (m *Memory) DecrementExecutorLoad(_ context.Context, executorID string) error {
	return m.mutateExecutor(executorID, func(e *job.ExecutorInfo) {
		if e.CurrentLoad > 0 {
			e.CurrentLoad--
		}
	})
}

func (m *Memory) UpdateExecutorMaxLoad(_ context.Context, executorID string, maxLoad int) error {
	return m.mutateExecutor(executorID, func(e *job.ExecutorInfo) {
		e.MaxLoad = maxLoad
	})
}

func (m *Memory) IncrementExecutorTaskCount(_ context.Context, executorID string) error {
	return m.mutateExecutor(executorID, func(e *job.ExecutorInfo) {
		e.TotalTasksExecuted++
	})
}

func (m *Memory) mutateExecutor(executorID string, fn func(*job.ExecutorInfo)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[executorID]
	if !ok {
		return ErrNotFound
	}
	fn(&e)
	m.executors[executorID] = e
	return nil
}

func (m *Memory) GetExecutor(_ context.Context, executorID string) (job.ExecutorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[executorID]
	if !ok {
		return job.ExecutorInfo{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) ListExecutors(_ context.Context) ([]job.ExecutorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.ExecutorInfo, 0, len(m.executors))
	for _, e := range m.executors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ExecutorID < out[k].ExecutorID })
	return out, nil
}

func (m *Memory) OnlineExecutors(_ context.Context) ([]job.ExecutorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]job.ExecutorInfo, 0)
	for _, e := range m.executors {
		if e.Live(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ExecutorID < out[k].ExecutorID })
	return out, nil
}

// --- locks ---

func (m *Memory) AcquireLock(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.locks[name]
	if ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	m.locks[name] = memLock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, name, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok || l.owner != owner {
		return false, nil
	}
	delete(m.locks, name)
	return true, nil
}

func (m *Memory) RefreshLock(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok || l.owner != owner || !l.expires.After(m.now()) {
		return false, nil
	}
	m.locks[name] = memLock{owner: owner, expires: m.now().Add(ttl)}
	return true, nil
}

// --- config ---

func (m *Memory) ConfigValue(_ context.Context, key, def string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.config[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *Memory) SetConfigValue(_ context.Context, key, value, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}
