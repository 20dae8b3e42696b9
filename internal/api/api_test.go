package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/taskgrid/internal/broker"
	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/placement"
	"github.com/nextlevelbuilder/taskgrid/internal/scheduler"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
)

type apiFixture struct {
	ts    *httptest.Server
	store *store.Memory
	stats *stats.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.New()
	st := store.NewMemory()
	sm := stats.NewManager()
	bus := broker.NewMemoryBus()
	engine := scheduler.NewEngine(scheduler.Options{
		Config:   cfg,
		Store:    st,
		Producer: bus,
		Consumer: bus,
		Selector: placement.NewSelector(placement.RoundRobin),
		Stats:    sm,
		NodeID:   "api-test",
	})

	s := NewServer(cfg, engine, st, sm)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		bus.Close()
	})
	return &apiFixture{ts: ts, store: st, stats: sm}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestAPI_JobLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	// Submit.
	resp := f.do(t, "POST", "/api/jobs", job.Info{
		Name: "hello", Command: "echo hello", Type: job.TypeOnce,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var created job.Info
	decodeInto(t, resp, &created)
	if created.JobID == "" || created.Timeout != 60 {
		t.Errorf("created = %+v", created)
	}

	// Fetch.
	resp = f.do(t, "GET", "/api/jobs/"+created.JobID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	// List.
	resp = f.do(t, "GET", "/api/jobs", nil)
	var list struct {
		Jobs  []job.Info `json:"jobs"`
		Total int        `json:"total"`
	}
	decodeInto(t, resp, &list)
	if list.Total != 1 || len(list.Jobs) != 1 {
		t.Errorf("list = %+v", list)
	}

	// Update.
	created.Priority = 9
	resp = f.do(t, "PUT", "/api/jobs/"+created.JobID, created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	// Cancel publishes on the broker and leaves the template in place.
	resp = f.do(t, "POST", "/api/jobs/"+created.JobID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	// Executions (none yet).
	resp = f.do(t, "GET", "/api/jobs/"+created.JobID+"/executions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("executions status = %d", resp.StatusCode)
	}

	// Delete.
	resp = f.do(t, "DELETE", "/api/jobs/"+created.JobID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = f.do(t, "GET", "/api/jobs/"+created.JobID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestAPI_ErrorShape(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/jobs/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	decodeInto(t, resp, &body)
	if body.Error == "" || body.Status != http.StatusNotFound {
		t.Errorf("error body = %+v", body)
	}

	// Validation failures are 400 with the same shape.
	resp = f.do(t, "POST", "/api/jobs", job.Info{Name: "x", Type: job.TypeOnce})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing command status = %d", resp.StatusCode)
	}

	resp = f.do(t, "POST", "/api/jobs", job.Info{
		Name: "x", Command: "true", Type: job.TypePeriodic, CronExpression: "bad",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cron status = %d", resp.StatusCode)
	}

	// Duplicate submission conflicts.
	info := job.Info{JobID: "dup", Name: "d", Command: "true", Type: job.TypeOnce}
	f.do(t, "POST", "/api/jobs", info)
	resp = f.do(t, "POST", "/api/jobs", info)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d", resp.StatusCode)
	}
}

func TestAPI_CORSAndOptions(t *testing.T) {
	f := newAPIFixture(t)

	req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/jobs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("OPTIONS status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("CORS origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	resp2 := f.do(t, "GET", "/api/stats", nil)
	if resp2.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing on regular responses")
	}
}

func TestAPI_ExecutorRoutes(t *testing.T) {
	f := newAPIFixture(t)
	ctx := t.Context()
	f.store.RegisterExecutor(ctx, "e-1", "host", 9100, 4)

	resp := f.do(t, "GET", "/api/executors", nil)
	var roster struct {
		Executors []job.ExecutorInfo `json:"executors"`
	}
	decodeInto(t, resp, &roster)
	if len(roster.Executors) != 1 || roster.Executors[0].ExecutorID != "e-1" {
		t.Fatalf("roster = %+v", roster)
	}

	resp = f.do(t, "PUT", "/api/executors/e-1/load", map[string]int{"max_load": 8})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	if e, _ := f.store.GetExecutor(ctx, "e-1"); e.MaxLoad != 8 {
		t.Errorf("max_load = %d", e.MaxLoad)
	}

	resp = f.do(t, "PUT", "/api/executors/e-1/status", map[string]string{"status": "OFFLINE"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status update = %d", resp.StatusCode)
	}
	if e, _ := f.store.GetExecutor(ctx, "e-1"); e.Status != job.ExecutorOffline {
		t.Errorf("status = %s", e.Status)
	}

	resp = f.do(t, "PUT", "/api/executors/e-1/status", map[string]string{"status": "SLEEPING"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status accepted: %d", resp.StatusCode)
	}

	resp = f.do(t, "GET", "/api/executors/e-1/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("tasks status = %d", resp.StatusCode)
	}

	resp = f.do(t, "GET", "/api/executors/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown executor = %d", resp.StatusCode)
	}
}

func TestAPI_StatsAndSchedulerRoutes(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/api/jobs", job.Info{Name: "n", Command: "true", Type: job.TypeOnce})
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("seed submit failed")
	}

	resp = f.do(t, "GET", "/api/stats/jobs", nil)
	var js stats.JobSnapshot
	decodeInto(t, resp, &js)
	if js.TotalJobs != 1 {
		t.Errorf("total_jobs = %d", js.TotalJobs)
	}

	resp = f.do(t, "GET", "/api/stats/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	resp = f.do(t, "GET", "/api/stats/jobs", nil)
	js = stats.JobSnapshot{}
	decodeInto(t, resp, &js)
	if js.TotalJobs != 0 {
		t.Errorf("total_jobs after reset = %d", js.TotalJobs)
	}

	// Strategy switch round-trips through the status route.
	resp = f.do(t, "PUT", "/api/scheduler/strategy", map[string]string{"strategy": "LEAST_LOAD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("strategy status = %d", resp.StatusCode)
	}
	resp = f.do(t, "GET", "/api/scheduler/status", nil)
	var status struct {
		Strategy string `json:"strategy"`
	}
	decodeInto(t, resp, &status)
	if status.Strategy != "LEAST_LOAD" {
		t.Errorf("strategy = %s", status.Strategy)
	}

	resp = f.do(t, "PUT", "/api/scheduler/strategy", map[string]string{"strategy": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad strategy accepted: %d", resp.StatusCode)
	}
}

func TestAPI_ExecuteJob(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/api/jobs", job.Info{
		JobID: "j-exec", Name: "n", Command: "true", Type: job.TypeOnce,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("seed submit failed")
	}

	// Standalone engines are always leader, so a trigger queues.
	resp = f.do(t, "POST", "/api/jobs/j-exec/execute", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}

	resp = f.do(t, "POST", "/api/jobs/ghost/execute", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("execute unknown job = %d", resp.StatusCode)
	}
}

func TestAPI_ExecuteOnFollowerConflicts(t *testing.T) {
	cfg := config.New()
	st := store.NewMemory()
	sm := stats.NewManager()
	bus := broker.NewMemoryBus()
	defer bus.Close()
	engine := scheduler.NewEngine(scheduler.Options{
		Config: cfg, Store: st, Producer: bus, Consumer: bus,
		Selector: placement.NewSelector(placement.Random), Stats: sm,
		IsLeader: func() bool { return false }, NodeID: "follower",
	})
	ts := httptest.NewServer(NewServer(cfg, engine, st, sm).Handler())
	defer ts.Close()

	if _, err := engine.SubmitJob(t.Context(), job.Info{
		JobID: "j-f", Name: "n", Command: "true", Type: job.TypeOnce,
	}); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest("POST", ts.URL+"/api/jobs/j-f/execute", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("follower execute status = %d", resp.StatusCode)
	}
}

func TestAPI_RateLimit(t *testing.T) {
	cfg := config.New()
	cfg.Set("api.rate_limit", "1")
	cfg.Set("api.rate_burst", "2")
	st := store.NewMemory()
	sm := stats.NewManager()
	bus := broker.NewMemoryBus()
	defer bus.Close()
	engine := scheduler.NewEngine(scheduler.Options{
		Config: cfg, Store: st, Producer: bus, Consumer: bus,
		Selector: placement.NewSelector(placement.Random), Stats: sm, NodeID: "rl-test",
	})
	ts := httptest.NewServer(NewServer(cfg, engine, st, sm).Handler())
	defer ts.Close()

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(fmt.Sprintf("%s/api/stats", ts.URL))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of requests never rate limited")
	}
}
