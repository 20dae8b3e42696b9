package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", ":memory:", stats.NewManager())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_UnknownDialect(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "", nil); err == nil {
		t.Error("want error for unknown dialect")
	}
}

func TestJobs_CRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	info := job.Info{
		JobID:          "j-1",
		Name:           "report",
		Command:        "make report",
		Type:           job.TypePeriodic,
		Priority:       3,
		CronExpression: "*/5 * * * *",
		Timeout:        120,
	}
	if err := db.SaveJob(ctx, info); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveJob(ctx, info); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate save: err = %v", err)
	}

	got, err := db.GetJob(ctx, "j-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != info {
		t.Errorf("get = %+v, want %+v", got, info)
	}

	info.Priority = 7
	if err := db.UpdateJob(ctx, info); err != nil {
		t.Fatal(err)
	}
	if got, _ = db.GetJob(ctx, "j-1"); got.Priority != 7 {
		t.Errorf("priority after update = %d", got.Priority)
	}

	if n, _ := db.JobCount(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	byType, err := db.ListJobsByType(ctx, job.TypeOnce, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 0 {
		t.Errorf("ONCE jobs = %+v, want none", byType)
	}

	if err := db.DeleteJob(ctx, "j-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteJob(ctx, "j-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("double delete: err = %v", err)
	}
	if _, err := db.GetJob(ctx, "j-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delete: err = %v", err)
	}
}

func TestPendingJobs_GateAndOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	jobs := []job.Info{
		{JobID: "a", Name: "a", Command: "true", Type: job.TypeOnce, Priority: 1},
		{JobID: "b", Name: "b", Command: "true", Type: job.TypeOnce, Priority: 5},
		{JobID: "c", Name: "c", Command: "true", Type: job.TypeOnce, Priority: 1},
	}
	for _, j := range jobs {
		if err := db.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct create_time ordering
	}

	pending, err := db.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "a", "c"}
	if len(pending) != 3 {
		t.Fatalf("pending = %d rows", len(pending))
	}
	for i, id := range want {
		if pending[i].JobID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].JobID, id)
		}
	}

	id, err := db.SaveExecution(ctx, "b", "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkExecutionRunning(ctx, id); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingJobs(ctx, 10)
	for _, p := range pending {
		if p.JobID == "b" {
			t.Error("running job still pending")
		}
	}

	if err := db.UpdateExecutionResult(ctx, id, job.StatusSuccess, "ok", ""); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingJobs(ctx, 10)
	if len(pending) != 3 || pending[0].JobID != "b" {
		t.Errorf("after result, pending = %+v", pending)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.SaveExecution(ctx, "j-1", "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("execution id must be assigned")
	}

	e, err := db.GetExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != job.StatusWaiting || e.TriggerTime.IsZero() {
		t.Errorf("fresh row = %+v", e)
	}

	if err := db.MarkExecutionRunning(ctx, id); err != nil {
		t.Fatal(err)
	}
	e, _ = db.GetExecution(ctx, id)
	if e.Status != job.StatusRunning || e.StartTime.IsZero() {
		t.Errorf("running row = %+v", e)
	}

	running, err := db.RunningExecutions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ExecutionID != id {
		t.Errorf("running set = %+v", running)
	}

	if err := db.UpdateExecutionResult(ctx, id, job.StatusFailed, "out", "boom"); err != nil {
		t.Fatal(err)
	}
	// Terminal rows are write-once.
	if err := db.UpdateExecutionResult(ctx, id, job.StatusSuccess, "late", ""); err != nil {
		t.Fatal(err)
	}
	e, _ = db.GetExecution(ctx, id)
	if e.Status != job.StatusFailed || e.Output != "out" || e.Error != "boom" {
		t.Errorf("terminal row rewritten: %+v", e)
	}

	if err := db.UpdateExecutionResult(ctx, 9999, job.StatusSuccess, "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown execution: err = %v", err)
	}

	latest, err := db.LatestExecution(ctx, "j-1")
	if err != nil || latest.ExecutionID != id {
		t.Errorf("latest = %+v err = %v", latest, err)
	}
	if n, _ := db.ExecutionCount(ctx, "j-1"); n != 1 {
		t.Errorf("count = %d", n)
	}
}

func TestCleanupExpiredExecutions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.SaveExecution(ctx, "j", "e"); err != nil {
		t.Fatal(err)
	}
	// Nothing is older than 7 days yet.
	n, err := db.CleanupExpiredExecutions(ctx, 7)
	if err != nil || n != 0 {
		t.Errorf("cleanup = %d, %v", n, err)
	}
	// With cutoff in the future everything goes.
	n, err = db.CleanupExpiredExecutions(ctx, -1)
	if err != nil || n != 1 {
		t.Errorf("cleanup = %d, %v", n, err)
	}
}

func TestExecutorRoster(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.RegisterExecutor(ctx, "e-1", "host-a", 9100, 4); err != nil {
		t.Fatal(err)
	}
	// Re-registration keeps the row but refreshes status and limits.
	if err := db.UpdateExecutorStatus(ctx, "e-1", false); err != nil {
		t.Fatal(err)
	}
	if err := db.RegisterExecutor(ctx, "e-1", "host-a", 9100, 8); err != nil {
		t.Fatal(err)
	}
	e, err := db.GetExecutor(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != job.ExecutorOnline || e.MaxLoad != 8 {
		t.Errorf("after re-register: %+v", e)
	}

	db.IncrementExecutorLoad(ctx, "e-1")
	db.IncrementExecutorTaskCount(ctx, "e-1")
	db.DecrementExecutorLoad(ctx, "e-1")
	db.DecrementExecutorLoad(ctx, "e-1") // floor at zero
	e, _ = db.GetExecutor(ctx, "e-1")
	if e.CurrentLoad != 0 || e.TotalTasksExecuted != 1 {
		t.Errorf("load = %d tasks = %d", e.CurrentLoad, e.TotalTasksExecuted)
	}

	online, err := db.OnlineExecutors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 {
		t.Errorf("online = %+v", online)
	}

	// Stale heartbeat drops the worker from the live set.
	stale := job.ExecutorInfo{
		ExecutorID:    "e-2",
		Host:          "host-b",
		Port:          9100,
		Status:        job.ExecutorOnline,
		MaxLoad:       4,
		LastHeartbeat: time.Now().Add(-job.LiveWindow - time.Minute),
	}
	if err := db.UpsertExecutor(ctx, stale); err != nil {
		t.Fatal(err)
	}
	online, _ = db.OnlineExecutors(ctx)
	if len(online) != 1 || online[0].ExecutorID != "e-1" {
		t.Errorf("online = %+v, want only e-1", online)
	}

	if err := db.UpdateExecutorHeartbeat(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("heartbeat unknown: err = %v", err)
	}
}

func TestUpsertExecutor_PreservesLoadBookkeeping(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.RegisterExecutor(ctx, "e-1", "host-a", 9100, 4); err != nil {
		t.Fatal(err)
	}
	db.IncrementExecutorLoad(ctx, "e-1")
	db.IncrementExecutorLoad(ctx, "e-1")
	db.IncrementExecutorTaskCount(ctx, "e-1")

	// The membership mirror's payload lags the dispatch bookkeeping;
	// its counters must not clobber the row.
	err := db.UpsertExecutor(ctx, job.ExecutorInfo{
		ExecutorID:    "e-1",
		Host:          "host-a2",
		Port:          9101,
		Status:        job.ExecutorOnline,
		CurrentLoad:   0,
		MaxLoad:       8,
		LastHeartbeat: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	e, err := db.GetExecutor(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.CurrentLoad != 2 || e.TotalTasksExecuted != 1 {
		t.Errorf("load = %d tasks = %d, want 2 and 1", e.CurrentLoad, e.TotalTasksExecuted)
	}
	if e.Host != "host-a2" || e.Port != 9101 || e.MaxLoad != 8 {
		t.Errorf("membership fields not updated: %+v", e)
	}
}

func TestLocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ok, err := db.AcquireLock(ctx, "leader", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := db.AcquireLock(ctx, "leader", "node-b", time.Minute); ok {
		t.Error("contended lock granted to second owner")
	}
	if ok, _ := db.AcquireLock(ctx, "leader", "node-a", time.Minute); !ok {
		t.Error("holder re-acquire denied")
	}
	if ok, _ := db.RefreshLock(ctx, "leader", "node-a", time.Minute); !ok {
		t.Error("holder refresh denied")
	}
	if ok, _ := db.RefreshLock(ctx, "leader", "node-b", time.Minute); ok {
		t.Error("non-holder refresh granted")
	}
	if ok, _ := db.ReleaseLock(ctx, "leader", "node-b"); ok {
		t.Error("non-holder release granted")
	}
	if ok, _ := db.ReleaseLock(ctx, "leader", "node-a"); !ok {
		t.Error("holder release denied")
	}
	if ok, _ := db.AcquireLock(ctx, "leader", "node-b", time.Minute); !ok {
		t.Error("released lock not acquirable")
	}

	// An expired lock is taken over.
	if ok, _ := db.AcquireLock(ctx, "expired", "node-a", -time.Second); !ok {
		t.Fatal("seed acquire failed")
	}
	if ok, _ := db.AcquireLock(ctx, "expired", "node-b", time.Minute); !ok {
		t.Error("expired lock not stolen")
	}
}

func TestConfigKV(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if v, _ := db.ConfigValue(ctx, "k", "fallback"); v != "fallback" {
		t.Errorf("default = %q", v)
	}
	if err := db.SetConfigValue(ctx, "k", "v1", "test key"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetConfigValue(ctx, "k", "v2", "test key"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.ConfigValue(ctx, "k", "fallback"); v != "v2" {
		t.Errorf("after upsert = %q", v)
	}
}
