// Package executor is the worker tier: it registers itself with the
// coordination service, consumes dispatched assignments from the
// broker, runs them through bash and publishes results, while a
// heartbeat loop keeps its roster row and registry node fresh.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/broker"
	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/registry"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
	"github.com/nextlevelbuilder/taskgrid/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// dedupeWindow suppresses broker redeliveries of an assignment.
	dedupeWindow = 10 * time.Minute
	dedupeSize   = 4096

	// heartbeatRetry is the short retry cadence after a failed beat.
	heartbeatRetry = 5 * time.Second

	// publishAttempts bounds result publish retries; a result that
	// cannot leave the node is eventually reaped scheduler-side.
	publishAttempts = 3
)

// Options wires an Executor.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Registry *registry.Registry
	Producer broker.Producer
	Consumer broker.Consumer

	ID      string
	Host    string
	Port    int
	MaxLoad int

	// Tracer spans each job run; nil disables tracing.
	Tracer *tracing.Provider
}

// Executor is one worker process.
type Executor struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	producer broker.Producer
	consumer broker.Consumer

	id      string
	host    string
	port    int
	maxLoad int

	dedupe  *broker.Dedupe
	cancels *CancelSet
	runner  *Runner
	tracer  *tracing.Provider
	work    chan job.Dispatch

	active atomic.Int32
	tasks  atomic.Uint64

	runCtx context.Context

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an executor from its dependencies.
func New(opts Options) *Executor {
	maxLoad := opts.MaxLoad
	if maxLoad <= 0 {
		maxLoad = opts.Config.DefaultMaxLoad()
	}
	e := &Executor{
		cfg:      opts.Config,
		store:    opts.Store,
		registry: opts.Registry,
		producer: opts.Producer,
		consumer: opts.Consumer,
		id:       opts.ID,
		host:     opts.Host,
		port:     opts.Port,
		maxLoad:  maxLoad,
		dedupe:   broker.NewDedupe(dedupeWindow, dedupeSize),
		cancels:  NewCancelSet(),
		tracer:   opts.Tracer,
		work:     make(chan job.Dispatch, opts.Config.Int("executor.queue_capacity", 64)),
	}
	e.runner = NewRunner(e.id, e.cancels.Has)
	return e
}

// ID returns the executor's identity.
func (e *Executor) ID() string { return e.id }

// Start registers the worker and begins consuming assignments.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx = ctx

	if err := e.store.RegisterExecutor(ctx, e.id, e.host, e.port, e.maxLoad); err != nil {
		cancel()
		return fmt.Errorf("register in roster: %w", err)
	}
	if err := e.registry.RegisterExecutor(ctx, e.nodeInfo()); err != nil {
		cancel()
		return fmt.Errorf("register in coordination service: %w", err)
	}

	group := "executor-" + e.id
	topics := []string{broker.TopicJobSubmit, broker.TopicJobCancel}
	if err := e.consumer.Subscribe(ctx, group, topics, e.handleMessage); err != nil {
		cancel()
		return fmt.Errorf("subscribe executor topics: %w", err)
	}

	for i := 0; i < e.maxLoad; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.heartbeatLoop(ctx)

	e.cancel = cancel
	e.started = true
	slog.Info("executor started", "executor", e.id, "host", e.host,
		"port", e.port, "max_load", e.maxLoad)
	return nil
}

// Stop halts intake and workers, then announces the departure.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.started = false

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.store.UpdateExecutorStatus(ctx, e.id, false); err != nil {
		slog.Warn("offline mark failed", "executor", e.id, "error", err)
	}
	if err := e.registry.UnregisterExecutor(ctx, e.id); err != nil {
		slog.Warn("registry unregister failed", "executor", e.id, "error", err)
	}
	slog.Info("executor stopped", "executor", e.id)
}

// handleMessage is the broker intake for assignments and cancels.
func (e *Executor) handleMessage(msg broker.Message) error {
	switch msg.Envelope.Type {
	case broker.TypeJobSubmit:
		var d job.Dispatch
		if err := json.Unmarshal([]byte(msg.Envelope.Payload), &d); err != nil {
			return fmt.Errorf("decode dispatch: %w", err)
		}
		e.accept(d)
		return nil

	case broker.TypeJobCancel:
		jobID := msg.Envelope.Payload
		e.cancels.Add(jobID)
		slog.Info("cancel received", "executor", e.id, "job", jobID)
		return nil
	}
	return broker.ErrUnknownType
}

// accept filters an assignment into the local work queue.
func (e *Executor) accept(d job.Dispatch) {
	if d.ExecutorID != e.id {
		return // someone else's assignment
	}
	if e.dedupe.Seen(strconv.FormatUint(d.ExecutionID, 10)) {
		slog.Debug("duplicate assignment dropped", "execution", d.ExecutionID)
		return
	}
	select {
	case e.work <- d:
		slog.Info("assignment queued", "executor", e.id, "job", d.Job.JobID,
			"execution", d.ExecutionID)
	default:
		// Queue full: refuse rather than block the intake goroutine.
		now := time.Now()
		e.publishResult(job.Result{
			JobID:       d.Job.JobID,
			ExecutionID: d.ExecutionID,
			ExecutorID:  e.id,
			Status:      job.StatusFailed,
			Error:       "executor queue full",
			StartTime:   now,
			EndTime:     now,
		})
	}
}

// worker runs queued assignments one at a time.
func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		var d job.Dispatch
		select {
		case <-ctx.Done():
			return
		case d = <-e.work:
		}

		// Cancelled while queued: report without spawning anything.
		if e.cancels.Has(d.Job.JobID) {
			e.cancels.Remove(d.Job.JobID)
			now := time.Now()
			e.publishResult(job.Result{
				JobID:       d.Job.JobID,
				ExecutionID: d.ExecutionID,
				ExecutorID:  e.id,
				Status:      job.StatusFailed,
				Error:       "task cancelled",
				StartTime:   now,
				EndTime:     now,
			})
			continue
		}

		_, end := e.tracer.Span(ctx, "executor.run",
			attribute.String("job_id", d.Job.JobID),
			attribute.Int64("execution_id", int64(d.ExecutionID)))
		e.active.Add(1)
		res := e.runner.Run(d)
		e.active.Add(-1)
		var runErr error
		if res.Error != "" {
			runErr = errors.New(res.Error)
		}
		end(runErr)
		e.cancels.Remove(d.Job.JobID)
		if res.Status == job.StatusSuccess {
			e.tasks.Add(1)
		}
		e.publishResult(res)
	}
}

// publishResult pushes an outcome to the broker, retrying a few times.
// Past that the scheduler's reaper settles the execution.
func (e *Executor) publishResult(res job.Result) {
	msg, err := broker.JobResult(res)
	if err != nil {
		slog.Error("result encode failed", "execution", res.ExecutionID, "error", err)
		return
	}
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = e.producer.Produce(ctx, msg); err == nil {
			slog.Info("result published", "executor", e.id, "job", res.JobID,
				"execution", res.ExecutionID, "status", res.Status)
			return
		}
		if ctx.Err() != nil {
			return
		}
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	slog.Error("result publish failed", "execution", res.ExecutionID, "error", err)
}

// heartbeatLoop refreshes the roster row, the registry node and the
// heartbeat topic. A failed beat retries on a short fuse so a blip
// does not cost the full interval.
func (e *Executor) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.HeartbeatInterval()
	for {
		next := interval
		if err := e.beat(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("heartbeat failed", "executor", e.id, "error", err)
			next = heartbeatRetry
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

func (e *Executor) beat(ctx context.Context) error {
	if err := e.store.UpdateExecutorHeartbeat(ctx, e.id); err != nil {
		return err
	}
	if err := e.registry.UpdateExecutor(ctx, e.nodeInfo()); err != nil {
		return err
	}
	return e.producer.Produce(ctx, broker.Heartbeat(e.id))
}

// nodeInfo snapshots this worker for the registry node payload.
func (e *Executor) nodeInfo() job.ExecutorInfo {
	return job.ExecutorInfo{
		ExecutorID:         e.id,
		Host:               e.host,
		Port:               e.port,
		Status:             job.ExecutorOnline,
		CurrentLoad:        int(e.active.Load()),
		MaxLoad:            e.maxLoad,
		TotalTasksExecuted: e.tasks.Load(),
		LastHeartbeat:      time.Now(),
	}
}
