// Package stats accumulates runtime counters for jobs, the system and
// individual executors. All job/system counters are atomics; the
// per-executor map has its own mutex. A Manager is an explicit value
// carried on the runtime, never a package singleton, so tests get
// isolated instances.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

// JobSnapshot is the externally visible job counter set.
type JobSnapshot struct {
	TotalJobs     uint64 `json:"total_jobs"`
	PendingJobs   uint64 `json:"pending_jobs"`
	RunningJobs   uint64 `json:"running_jobs"`
	CompletedJobs uint64 `json:"completed_jobs"`
	FailedJobs    uint64 `json:"failed_jobs"`
	TimeoutJobs   uint64 `json:"timeout_jobs"`
	CancelledJobs uint64 `json:"cancelled_jobs"`

	OnceJobs     uint64 `json:"once_jobs"`
	PeriodicJobs uint64 `json:"periodic_jobs"`

	TotalExecutionMillis uint64 `json:"total_execution_time"`
	MinExecutionMillis   uint64 `json:"min_execution_time"`
	MaxExecutionMillis   uint64 `json:"max_execution_time"`
	AvgExecutionMillis   uint64 `json:"avg_execution_time"`

	RetryCount uint64 `json:"retry_count"`
}

// SystemSnapshot is the externally visible system counter set.
type SystemSnapshot struct {
	UptimeSeconds     uint64 `json:"scheduler_uptime"`
	DBQueryCount      uint64 `json:"db_query_count"`
	DBQueryMillis     uint64 `json:"db_query_time"`
	AvgDBQueryMillis  uint64 `json:"avg_db_query_time"`
	BrokerMsgSent     uint64 `json:"broker_msg_sent"`
	BrokerMsgReceived uint64 `json:"broker_msg_received"`
	SchedulerCycles   uint64 `json:"scheduler_cycles"`
}

// ExecutorSnapshot is a point-in-time roster view for the stats API.
type ExecutorSnapshot struct {
	ExecutorID         string    `json:"executor_id"`
	CurrentLoad        int       `json:"current_load"`
	MaxLoad            int       `json:"max_load"`
	TotalTasksExecuted uint64    `json:"total_tasks_executed"`
	Online             bool      `json:"online"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
}

// Manager holds all counters.
type Manager struct {
	start time.Time

	totalJobs     atomic.Uint64
	pendingJobs   atomic.Uint64
	runningJobs   atomic.Uint64
	completedJobs atomic.Uint64
	failedJobs    atomic.Uint64
	timeoutJobs   atomic.Uint64
	cancelledJobs atomic.Uint64

	onceJobs     atomic.Uint64
	periodicJobs atomic.Uint64

	totalExecMillis atomic.Uint64
	minExecMillis   atomic.Uint64
	maxExecMillis   atomic.Uint64
	retryCount      atomic.Uint64

	dbQueryCount  atomic.Uint64
	dbQueryMillis atomic.Uint64
	brokerSent    atomic.Uint64
	brokerRecv    atomic.Uint64
	cycles        atomic.Uint64

	mu        sync.Mutex
	executors map[string]ExecutorSnapshot
}

// NewManager creates a zeroed manager; uptime counts from now.
func NewManager() *Manager {
	m := &Manager{
		start:     time.Now(),
		executors: make(map[string]ExecutorSnapshot),
	}
	m.minExecMillis.Store(^uint64(0))
	return m
}

// JobSubmitted records a new template entering the system.
func (m *Manager) JobSubmitted(t job.Type) {
	m.totalJobs.Add(1)
	m.pendingJobs.Add(1)
	switch t {
	case job.TypePeriodic:
		m.periodicJobs.Add(1)
	default:
		m.onceJobs.Add(1)
	}
}

// JobDispatched moves one job from pending to running.
func (m *Manager) JobDispatched() {
	if m.pendingJobs.Load() > 0 {
		m.pendingJobs.Add(^uint64(0))
	}
	m.runningJobs.Add(1)
}

// JobCancelled counts an execution cancelled before or during a run.
func (m *Manager) JobCancelled() {
	m.cancelledJobs.Add(1)
}

// JobRetried counts one retry attempt.
func (m *Manager) JobRetried() {
	m.retryCount.Add(1)
}

// JobFinished records a terminal result and its wall time.
func (m *Manager) JobFinished(status job.Status, elapsed time.Duration) {
	if m.runningJobs.Load() > 0 {
		m.runningJobs.Add(^uint64(0))
	}
	switch status {
	case job.StatusSuccess:
		m.completedJobs.Add(1)
	case job.StatusTimeout:
		m.timeoutJobs.Add(1)
	default:
		m.failedJobs.Add(1)
	}

	ms := uint64(elapsed.Milliseconds())
	m.totalExecMillis.Add(ms)
	for {
		cur := m.minExecMillis.Load()
		if ms >= cur || m.minExecMillis.CompareAndSwap(cur, ms) {
			break
		}
	}
	for {
		cur := m.maxExecMillis.Load()
		if ms <= cur || m.maxExecMillis.CompareAndSwap(cur, ms) {
			break
		}
	}
}

// DBQuery records one store round-trip.
func (m *Manager) DBQuery(elapsed time.Duration) {
	m.dbQueryCount.Add(1)
	m.dbQueryMillis.Add(uint64(elapsed.Milliseconds()))
}

// BrokerMessage records a produced (sent=true) or consumed envelope.
func (m *Manager) BrokerMessage(sent bool) {
	if sent {
		m.brokerSent.Add(1)
	} else {
		m.brokerRecv.Add(1)
	}
}

// SchedulerCycle records one engine tick.
func (m *Manager) SchedulerCycle() {
	m.cycles.Add(1)
}

// UpdateExecutor refreshes the per-executor snapshot.
func (m *Manager) UpdateExecutor(info job.ExecutorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[info.ExecutorID] = ExecutorSnapshot{
		ExecutorID:         info.ExecutorID,
		CurrentLoad:        info.CurrentLoad,
		MaxLoad:            info.MaxLoad,
		TotalTasksExecuted: info.TotalTasksExecuted,
		Online:             info.Status == job.ExecutorOnline,
		LastHeartbeat:      info.LastHeartbeat,
	}
}

// RemoveExecutor drops an executor from the snapshot map.
func (m *Manager) RemoveExecutor(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executors, id)
}

// Jobs returns the job counter snapshot.
func (m *Manager) Jobs() JobSnapshot {
	s := JobSnapshot{
		TotalJobs:            m.totalJobs.Load(),
		PendingJobs:          m.pendingJobs.Load(),
		RunningJobs:          m.runningJobs.Load(),
		CompletedJobs:        m.completedJobs.Load(),
		FailedJobs:           m.failedJobs.Load(),
		TimeoutJobs:          m.timeoutJobs.Load(),
		CancelledJobs:        m.cancelledJobs.Load(),
		OnceJobs:             m.onceJobs.Load(),
		PeriodicJobs:         m.periodicJobs.Load(),
		TotalExecutionMillis: m.totalExecMillis.Load(),
		MinExecutionMillis:   m.minExecMillis.Load(),
		MaxExecutionMillis:   m.maxExecMillis.Load(),
		RetryCount:           m.retryCount.Load(),
	}
	if s.MinExecutionMillis == ^uint64(0) {
		s.MinExecutionMillis = 0
	}
	if s.CompletedJobs > 0 {
		s.AvgExecutionMillis = s.TotalExecutionMillis / s.CompletedJobs
	}
	return s
}

// System returns the system counter snapshot.
func (m *Manager) System() SystemSnapshot {
	s := SystemSnapshot{
		UptimeSeconds:     uint64(time.Since(m.start).Seconds()),
		DBQueryCount:      m.dbQueryCount.Load(),
		DBQueryMillis:     m.dbQueryMillis.Load(),
		BrokerMsgSent:     m.brokerSent.Load(),
		BrokerMsgReceived: m.brokerRecv.Load(),
		SchedulerCycles:   m.cycles.Load(),
	}
	if s.DBQueryCount > 0 {
		s.AvgDBQueryMillis = s.DBQueryMillis / s.DBQueryCount
	}
	return s
}

// Executors returns the current per-executor snapshots.
func (m *Manager) Executors() []ExecutorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutorSnapshot, 0, len(m.executors))
	for _, e := range m.executors {
		out = append(out, e)
	}
	return out
}

// Reset zeroes every counter. Uptime restarts.
func (m *Manager) Reset() {
	m.start = time.Now()
	m.totalJobs.Store(0)
	m.pendingJobs.Store(0)
	m.runningJobs.Store(0)
	m.completedJobs.Store(0)
	m.failedJobs.Store(0)
	m.timeoutJobs.Store(0)
	m.cancelledJobs.Store(0)
	m.onceJobs.Store(0)
	m.periodicJobs.Store(0)
	m.totalExecMillis.Store(0)
	m.minExecMillis.Store(^uint64(0))
	m.maxExecMillis.Store(0)
	m.retryCount.Store(0)
	m.dbQueryCount.Store(0)
	m.dbQueryMillis.Store(0)
	m.brokerSent.Store(0)
	m.brokerRecv.Store(0)
	m.cycles.Store(0)

	m.mu.Lock()
	m.executors = make(map[string]ExecutorSnapshot)
	m.mu.Unlock()
}
