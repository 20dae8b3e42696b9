package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

func testJob(id string, priority int) job.Info {
	return job.Info{
		JobID:    id,
		Name:     "job-" + id,
		Command:  "true",
		Type:     job.TypeOnce,
		Priority: priority,
	}
}

func TestSaveJob_InsertOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SaveJob(ctx, testJob("a", 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveJob(ctx, testJob("a", 0)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second save: err = %v, want ErrDuplicate", err)
	}
	if err := m.UpdateJob(ctx, testJob("missing", 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestPendingJobs_OrderAndGate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Same priority keeps submission order, higher priority jumps ahead.
	for _, j := range []job.Info{testJob("low-1", 1), testJob("low-2", 1), testJob("high", 9)} {
		if err := m.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := m.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{"high", "low-1", "low-2"}
	if len(pending) != len(wantOrder) {
		t.Fatalf("pending = %d jobs, want %d", len(pending), len(wantOrder))
	}
	for i, want := range wantOrder {
		if pending[i].JobID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].JobID, want)
		}
	}

	// A RUNNING execution hides the job from the pending set.
	id, err := m.SaveExecution(ctx, "high", "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkExecutionRunning(ctx, id); err != nil {
		t.Fatal(err)
	}
	pending, err = m.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pending {
		if p.JobID == "high" {
			t.Error("job with RUNNING execution must not be pending")
		}
	}

	// A terminal result makes it eligible again.
	if err := m.UpdateExecutionResult(ctx, id, job.StatusSuccess, "", ""); err != nil {
		t.Fatal(err)
	}
	pending, err = m.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) == 0 || pending[0].JobID != "high" {
		t.Errorf("finished job should be pending again, got %v", pending)
	}
}

func TestUpdateExecutionResult_TerminalIsWriteOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SaveJob(ctx, testJob("j", 0)); err != nil {
		t.Fatal(err)
	}
	id, err := m.SaveExecution(ctx, "j", "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if e, _ := m.GetExecution(ctx, id); e.Status != job.StatusWaiting {
		t.Errorf("fresh execution status = %s, want WAITING", e.Status)
	}

	if err := m.UpdateExecutionResult(ctx, id, job.StatusTimeout, "", "execution result never arrived"); err != nil {
		t.Fatal(err)
	}
	// A late result for the same execution must not overwrite it.
	if err := m.UpdateExecutionResult(ctx, id, job.StatusSuccess, "late output", ""); err != nil {
		t.Fatal(err)
	}
	e, err := m.GetExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != job.StatusTimeout || e.Output != "" {
		t.Errorf("terminal row rewritten: %+v", e)
	}

	// Same for MarkExecutionRunning after the fact.
	if err := m.MarkExecutionRunning(ctx, id); err != nil {
		t.Fatal(err)
	}
	if e, _ := m.GetExecution(ctx, id); e.Status != job.StatusTimeout {
		t.Errorf("terminal row flipped back to %s", e.Status)
	}
}

func TestLatestExecution_NewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	if err := m.SaveJob(ctx, testJob("j", 0)); err != nil {
		t.Fatal(err)
	}
	var last uint64
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		id, err := m.SaveExecution(ctx, "j", "e-1")
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}

	latest, err := m.LatestExecution(ctx, "j")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ExecutionID != last {
		t.Errorf("latest = %d, want %d", latest.ExecutionID, last)
	}

	rows, err := m.JobExecutions(ctx, "j", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].ExecutionID != last {
		t.Errorf("executions not newest-first: %+v", rows)
	}

	if _, err := m.LatestExecution(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("latest of unknown job: err = %v, want ErrNotFound", err)
	}
}

func TestRunningExecutions_OldestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	ids := make([]uint64, 0, 3)
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		id, _ := m.SaveExecution(ctx, "j", "e-1")
		m.MarkExecutionRunning(ctx, id)
		ids = append(ids, id)
	}
	m.UpdateExecutionResult(ctx, ids[0], job.StatusSuccess, "", "")

	rows, err := m.RunningExecutions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ExecutionID != ids[1] || rows[1].ExecutionID != ids[2] {
		t.Errorf("running rows = %+v, want ids %v oldest first", rows, ids[1:])
	}
}

func TestExecutorRoster_LoadAndLiveness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.RegisterExecutor(ctx, "e-1", "host-a", 9000, 4); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterExecutor(ctx, "e-2", "host-b", 9000, 4); err != nil {
		t.Fatal(err)
	}

	m.IncrementExecutorLoad(ctx, "e-1")
	m.IncrementExecutorLoad(ctx, "e-1")
	m.DecrementExecutorLoad(ctx, "e-1")
	m.IncrementExecutorTaskCount(ctx, "e-1")

	e, err := m.GetExecutor(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.CurrentLoad != 1 || e.TotalTasksExecuted != 1 {
		t.Errorf("load = %d tasks = %d, want 1 and 1", e.CurrentLoad, e.TotalTasksExecuted)
	}

	// Load never goes below zero.
	m.DecrementExecutorLoad(ctx, "e-1")
	m.DecrementExecutorLoad(ctx, "e-1")
	if e, _ := m.GetExecutor(ctx, "e-1"); e.CurrentLoad != 0 {
		t.Errorf("load = %d, want 0 floor", e.CurrentLoad)
	}

	// Marked OFFLINE drops out of the online set.
	if err := m.UpdateExecutorStatus(ctx, "e-2", false); err != nil {
		t.Fatal(err)
	}
	online, err := m.OnlineExecutors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0].ExecutorID != "e-1" {
		t.Errorf("online = %+v, want only e-1", online)
	}

	// A stale heartbeat does too, even while ONLINE.
	m.mutateExecutor("e-1", func(e *job.ExecutorInfo) {
		e.LastHeartbeat = time.Now().Add(-job.LiveWindow - time.Minute)
	})
	online, _ = m.OnlineExecutors(ctx)
	if len(online) != 0 {
		t.Errorf("stale executor still online: %+v", online)
	}

	if err := m.UpdateExecutorHeartbeat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("heartbeat for unknown executor: err = %v, want ErrNotFound", err)
	}
}

func TestUpsertExecutor_PreservesLoadBookkeeping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.RegisterExecutor(ctx, "e-1", "host-a", 9000, 4); err != nil {
		t.Fatal(err)
	}
	m.IncrementExecutorLoad(ctx, "e-1")
	m.IncrementExecutorLoad(ctx, "e-1")
	m.IncrementExecutorTaskCount(ctx, "e-1")

	// A membership mirror carries the node payload's own counters,
	// which lag behind the dispatch bookkeeping.
	err := m.UpsertExecutor(ctx, job.ExecutorInfo{
		ExecutorID:    "e-1",
		Host:          "host-a2",
		Port:          9001,
		Status:        job.ExecutorOnline,
		MaxLoad:       8,
		LastHeartbeat: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	e, err := m.GetExecutor(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.CurrentLoad != 2 || e.TotalTasksExecuted != 1 {
		t.Errorf("load = %d tasks = %d, want 2 and 1", e.CurrentLoad, e.TotalTasksExecuted)
	}
	if e.Host != "host-a2" || e.Port != 9001 || e.MaxLoad != 8 {
		t.Errorf("membership fields not updated: %+v", e)
	}

	// A brand-new row takes the payload as-is.
	m.UpsertExecutor(ctx, job.ExecutorInfo{ExecutorID: "e-2", CurrentLoad: 5, MaxLoad: 10})
	if e, _ := m.GetExecutor(ctx, "e-2"); e.CurrentLoad != 5 {
		t.Errorf("new row load = %d, want 5", e.CurrentLoad)
	}
}

func TestLocks_MutualExclusion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.AcquireLock(ctx, "scheduler-leader", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// Held by someone else: denied, not an error.
	ok, err = m.AcquireLock(ctx, "scheduler-leader", "node-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire: ok=%v err=%v", ok, err)
	}

	// Reentrant for the holder.
	if ok, _ := m.AcquireLock(ctx, "scheduler-leader", "node-a", time.Minute); !ok {
		t.Error("holder must be able to re-acquire")
	}

	// Only the holder can refresh or release.
	if ok, _ := m.RefreshLock(ctx, "scheduler-leader", "node-b", time.Minute); ok {
		t.Error("non-holder refreshed the lock")
	}
	if ok, _ := m.ReleaseLock(ctx, "scheduler-leader", "node-b"); ok {
		t.Error("non-holder released the lock")
	}
	if ok, _ := m.ReleaseLock(ctx, "scheduler-leader", "node-a"); !ok {
		t.Error("holder failed to release")
	}

	// Released lock is free again.
	if ok, _ := m.AcquireLock(ctx, "scheduler-leader", "node-b", time.Minute); !ok {
		t.Error("released lock should be acquirable")
	}
}

func TestLocks_ExpiredLockIsStolen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	clock := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	if ok, _ := m.AcquireLock(ctx, "l", "node-a", time.Minute); !ok {
		t.Fatal("initial acquire failed")
	}
	clock = clock.Add(2 * time.Minute)

	if ok, _ := m.AcquireLock(ctx, "l", "node-b", time.Minute); !ok {
		t.Error("expired lock should be stolen")
	}
	if ok, _ := m.RefreshLock(ctx, "l", "node-a", time.Minute); ok {
		t.Error("old holder refreshed a stolen lock")
	}
}

func TestConfigValue_Default(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v, err := m.ConfigValue(ctx, "scheduler.check_interval", "5")
	if err != nil || v != "5" {
		t.Errorf("default: v=%q err=%v", v, err)
	}
	if err := m.SetConfigValue(ctx, "scheduler.check_interval", "10", "tick seconds"); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.ConfigValue(ctx, "scheduler.check_interval", "5"); v != "10" {
		t.Errorf("after set: v=%q, want 10", v)
	}
}
