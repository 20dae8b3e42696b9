package registry

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/coord"
	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
)

func testExecutor(id string) job.ExecutorInfo {
	return job.ExecutorInfo{
		ExecutorID:    id,
		Host:          "host-" + id,
		Port:          9100,
		Status:        job.ExecutorOnline,
		MaxLoad:       4,
		LastHeartbeat: time.Now().Truncate(time.Second),
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	hub := coord.NewMemoryHub()
	session := hub.Session()
	defer session.Close()
	r := New(session)
	ctx := context.Background()

	if err := r.RegisterExecutor(ctx, testExecutor("e-1")); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterExecutor(ctx, testExecutor("e-2")); err != nil {
		t.Fatal(err)
	}

	members, err := r.Executors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	for _, m := range members {
		if m.Status != job.ExecutorOnline || m.MaxLoad != 4 {
			t.Errorf("decoded member = %+v", m)
		}
	}

	if err := r.UnregisterExecutor(ctx, "e-1"); err != nil {
		t.Fatal(err)
	}
	members, _ = r.Executors(ctx)
	if len(members) != 1 || members[0].ExecutorID != "e-2" {
		t.Errorf("after unregister: %+v", members)
	}
}

func TestRegistry_MalformedNodeIsSkipped(t *testing.T) {
	hub := coord.NewMemoryHub()
	session := hub.Session()
	defer session.Close()
	r := New(session)
	ctx := context.Background()

	if err := r.RegisterExecutor(ctx, testExecutor("e-1")); err != nil {
		t.Fatal(err)
	}
	session.Register(ctx, coord.PathExecutors+"/junk", []byte("not json"))
	session.Register(ctx, coord.PathExecutors+"/no-id", []byte("{}"))

	members, err := r.Executors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].ExecutorID != "e-1" {
		t.Errorf("members = %+v, want only e-1", members)
	}
}

func TestReconciler_MirrorsMembershipToRoster(t *testing.T) {
	hub := coord.NewMemoryHub()
	schedSession := hub.Session()
	execSession := hub.Session()
	defer schedSession.Close()

	st := store.NewMemory()
	sm := stats.NewManager()
	r := New(schedSession)
	rc := NewReconciler(r, st, sm)
	if err := rc.Start(); err != nil {
		t.Fatal(err)
	}
	defer rc.Stop()

	ctx := context.Background()
	execRegistry := New(execSession)
	if err := execRegistry.RegisterExecutor(ctx, testExecutor("e-1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		e, err := st.GetExecutor(ctx, "e-1")
		return err == nil && e.Status == job.ExecutorOnline
	}, "roster row never appeared")

	// Session loss flips the roster row to OFFLINE.
	execSession.Close()
	waitFor(t, func() bool {
		e, err := st.GetExecutor(ctx, "e-1")
		return err == nil && e.Status == job.ExecutorOffline
	}, "departed executor never marked offline")

	if len(sm.Executors()) != 0 {
		t.Errorf("stats still track departed executor: %+v", sm.Executors())
	}
}

func TestReconciler_SyncPreservesStoreLoadBookkeeping(t *testing.T) {
	hub := coord.NewMemoryHub()
	schedSession := hub.Session()
	execSession := hub.Session()
	defer schedSession.Close()
	defer execSession.Close()

	st := store.NewMemory()
	ctx := context.Background()
	if err := st.RegisterExecutor(ctx, "e-1", "host-e-1", 9100, 4); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.IncrementExecutorLoad(ctx, "e-1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.IncrementExecutorTaskCount(ctx, "e-1"); err != nil {
		t.Fatal(err)
	}

	// The node payload reports a stale load of zero, as a freshly
	// dispatched but not yet started assignment would look from the
	// executor's side.
	if err := New(execSession).RegisterExecutor(ctx, testExecutor("e-1")); err != nil {
		t.Fatal(err)
	}

	rc := NewReconciler(New(schedSession), st, stats.NewManager())
	rc.Sync(ctx)

	e, err := st.GetExecutor(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.CurrentLoad != 3 {
		t.Errorf("current_load = %d after sync, want 3", e.CurrentLoad)
	}
	if e.TotalTasksExecuted != 1 {
		t.Errorf("total_tasks_executed = %d after sync, want 1", e.TotalTasksExecuted)
	}
	// Membership fields still come from the node payload.
	if e.Host != "host-e-1" || e.Status != job.ExecutorOnline {
		t.Errorf("membership fields = %+v", e)
	}
}

func TestElection_SingleLeaderAndFailover(t *testing.T) {
	hub := coord.NewMemoryHub()
	a := hub.Session()
	b := hub.Session()
	defer a.Close()
	defer b.Close()

	electedA := make(chan struct{}, 4)
	electedB := make(chan struct{}, 4)
	ea := NewElection(a, "node-a", func() { electedA <- struct{}{} }, nil)
	eb := NewElection(b, "node-b", func() { electedB <- struct{}{} }, nil)

	ea.Start()
	waitFor(t, ea.IsLeader, "first candidate never led")

	eb.Start()
	defer eb.Stop()
	time.Sleep(50 * time.Millisecond)
	if eb.IsLeader() {
		t.Fatal("two leaders at once")
	}

	// Resignation hands the lease to the rival.
	ea.Stop()
	if ea.IsLeader() {
		t.Error("stopped candidate still claims leadership")
	}
	waitFor(t, eb.IsLeader, "rival never took over")

	select {
	case <-electedA:
	default:
		t.Error("node-a elected callback never fired")
	}
	select {
	case <-electedB:
	case <-time.After(2 * time.Second):
		t.Error("node-b elected callback never fired")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	// Election retries are on a multi-second cadence, so be generous.
	deadline := time.After(10 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
