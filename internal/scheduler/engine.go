// Package scheduler holds the control-plane engine: it pulls pending
// jobs from the store, gates them on their cron schedule, queues them
// by priority and dispatches each to a live executor over the broker.
// Results and heartbeats flow back through the same broker. Only the
// elected leader dispatches; result reconciliation runs everywhere.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/taskgrid/internal/broker"
	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/cron"
	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/placement"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
	"github.com/nextlevelbuilder/taskgrid/internal/tracing"
)

const (
	// consumerGroup shares result processing across scheduler nodes.
	consumerGroup = "scheduler"

	// reapEveryTicks spaces the lost-execution sweep.
	reapEveryTicks = 10

	// cleanupEveryTicks spaces history cleanup, roughly daily at the
	// default 5s tick.
	cleanupEveryTicks = 17280

	// reapBatch bounds one sweep.
	reapBatch = 100
)

// Options wires an Engine.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Producer broker.Producer
	Consumer broker.Consumer
	Selector *placement.Selector
	Stats    *stats.Manager

	// IsLeader gates dispatch. Standalone mode passes a constant true.
	IsLeader func() bool

	// Tracer spans each dispatch; nil disables tracing.
	Tracer *tracing.Provider

	// NodeID identifies this scheduler in logs and leases.
	NodeID string
}

// Engine is the scheduling control loop.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	producer broker.Producer
	consumer broker.Consumer
	selector *placement.Selector
	stats    *stats.Manager
	isLeader func() bool
	tracer   *tracing.Provider
	nodeID   string

	queue *Queue
	wake  chan struct{}
	now   func() time.Time

	runCtx context.Context

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewEngine builds an engine from its dependencies.
func NewEngine(opts Options) *Engine {
	isLeader := opts.IsLeader
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Engine{
		cfg:      opts.Config,
		store:    opts.Store,
		producer: opts.Producer,
		consumer: opts.Consumer,
		selector: opts.Selector,
		stats:    opts.Stats,
		isLeader: isLeader,
		tracer:   opts.Tracer,
		nodeID:   opts.NodeID,
		queue:    NewQueue(opts.Config.Int("scheduler.queue_capacity", DefaultQueueCapacity)),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Start subscribes to result traffic and begins the scheduling loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx = ctx

	topics := []string{broker.TopicJobResult, broker.TopicExecutorHeartbeat}
	if err := e.consumer.Subscribe(ctx, consumerGroup, topics, e.handleMessage); err != nil {
		cancel()
		return fmt.Errorf("subscribe scheduler topics: %w", err)
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go e.run(ctx)
	slog.Info("scheduler engine started", "node", e.nodeID,
		"check_interval", e.cfg.CheckInterval())
	return nil
}

// Stop halts the loop. In-flight executions keep running on their
// executors; their results are reconciled after a restart.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.cancel()
	<-e.done
	e.started = false
	slog.Info("scheduler engine stopped", "node", e.nodeID)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.CheckInterval())
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks++
		case <-e.wake:
		}
		e.tick(ctx)
		if ticks > 0 && ticks%reapEveryTicks == 0 {
			e.reap(ctx)
		}
		if ticks > 0 && ticks%cleanupEveryTicks == 0 {
			e.cleanup(ctx)
		}
	}
}

// wakeUp nudges the loop outside its tick cadence.
func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// tick runs one scheduling cycle: pull, gate, queue, drain.
func (e *Engine) tick(ctx context.Context) {
	e.stats.SchedulerCycle()
	if !e.isLeader() {
		return
	}

	now := e.now()
	pending, err := e.store.PendingJobs(ctx, e.cfg.PullLimit())
	if err != nil {
		slog.Error("pending job pull failed", "error", err)
		return
	}

	for _, info := range pending {
		if e.queue.Contains(info.JobID) {
			continue
		}
		due, err := e.shouldExecute(ctx, info, now)
		if err != nil {
			slog.Warn("job schedule check failed", "job", info.JobID, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := e.queue.Push(info); err != nil {
			slog.Warn("dispatch queue rejected job", "job", info.JobID, "error", err)
			break
		}
	}
	e.drain(ctx)
}

// shouldExecute decides whether a pending job is due right now.
func (e *Engine) shouldExecute(ctx context.Context, info job.Info, now time.Time) (bool, error) {
	switch info.Type {
	case job.TypeOnce:
		latest, err := e.store.LatestExecution(ctx, info.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		// A failed one-shot retries up to retry_count extra attempts,
		// spaced by retry_interval.
		if (latest.Status == job.StatusFailed || latest.Status == job.StatusTimeout) && info.RetryCount > 0 {
			attempts, err := e.store.ExecutionCount(ctx, info.JobID)
			if err != nil {
				return false, err
			}
			wait := time.Duration(info.RetryInterval) * time.Second
			if attempts <= info.RetryCount && !now.Before(latest.EndTime.Add(wait)) {
				e.stats.JobRetried()
				return true, nil
			}
		}
		return false, nil

	case job.TypePeriodic:
		sched, err := cron.Parse(info.CronExpression)
		if err != nil {
			return false, err
		}
		if !sched.Matches(now) {
			return false, nil
		}
		latest, err := e.store.LatestExecution(ctx, info.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		// One dispatch per matching minute, however often we tick.
		return !latest.TriggerTime.Truncate(time.Minute).Equal(now.Truncate(time.Minute)), nil
	}
	return false, fmt.Errorf("unknown job type %q", info.Type)
}

// drain dispatches queued jobs until the queue empties or executors
// run out.
func (e *Engine) drain(ctx context.Context) {
	for {
		info, ok := e.queue.Pop()
		if !ok {
			return
		}
		if err := e.dispatch(ctx, info); err != nil {
			if errors.Is(err, ErrNoExecutor) {
				// Back in line; next tick retries.
				e.queue.Push(info)
				return
			}
			slog.Error("dispatch failed", "job", info.JobID, "error", err)
		}
	}
}

// dispatch records the attempt, charges the executor and publishes the
// assignment.
func (e *Engine) dispatch(ctx context.Context, info job.Info) (err error) {
	ctx, end := e.tracer.Span(ctx, "scheduler.dispatch",
		attribute.String("job_id", info.JobID))
	defer func() { end(err) }()

	executors, err := e.store.OnlineExecutors(ctx)
	if err != nil {
		return fmt.Errorf("load executor roster: %w", err)
	}
	pick, ok := e.selector.Pick(executors)
	if !ok {
		return ErrNoExecutor
	}

	execID, err := e.store.SaveExecution(ctx, info.JobID, pick.ExecutorID)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	if err := e.store.MarkExecutionRunning(ctx, execID); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if err := e.store.IncrementExecutorLoad(ctx, pick.ExecutorID); err != nil {
		slog.Warn("load increment failed", "executor", pick.ExecutorID, "error", err)
	}

	msg, err := broker.JobSubmit(job.Dispatch{
		ExecutionID: execID,
		ExecutorID:  pick.ExecutorID,
		Job:         info,
	})
	if err != nil {
		return err
	}
	if err := e.producer.Produce(ctx, msg); err != nil {
		// The assignment never left this node; settle the books.
		e.store.UpdateExecutionResult(ctx, execID, job.StatusFailed, "",
			"dispatch failed: "+err.Error())
		e.store.DecrementExecutorLoad(ctx, pick.ExecutorID)
		return fmt.Errorf("publish dispatch: %w", err)
	}

	e.stats.JobDispatched()
	e.stats.BrokerMessage(true)
	slog.Info("job dispatched", "job", info.JobID, "execution", execID,
		"executor", pick.ExecutorID, "strategy", e.selector.Strategy())
	return nil
}

// handleMessage consumes result and heartbeat traffic.
func (e *Engine) handleMessage(msg broker.Message) error {
	e.stats.BrokerMessage(false)
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	switch msg.Envelope.Type {
	case broker.TypeJobResult:
		var res job.Result
		if err := json.Unmarshal([]byte(msg.Envelope.Payload), &res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return e.applyResult(ctx, res)

	case broker.TypeExecutorHeartbeat:
		err := e.store.UpdateExecutorHeartbeat(ctx, msg.Envelope.Payload)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}
	return broker.ErrUnknownType
}

// applyResult reconciles one execution outcome. Orphan and duplicate
// results are dropped, never applied.
func (e *Engine) applyResult(ctx context.Context, res job.Result) error {
	exec, err := e.store.GetExecution(ctx, res.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("dropping orphan result", "job", res.JobID, "execution", res.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		slog.Debug("dropping duplicate result", "execution", res.ExecutionID)
		return nil
	}

	if err := e.store.UpdateExecutionResult(ctx, res.ExecutionID, res.Status, res.Output, res.Error); err != nil {
		return err
	}
	if exec.ExecutorID != "" {
		if err := e.store.DecrementExecutorLoad(ctx, exec.ExecutorID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("load decrement failed", "executor", exec.ExecutorID, "error", err)
		}
		if res.Status == job.StatusSuccess {
			e.store.IncrementExecutorTaskCount(ctx, exec.ExecutorID)
		}
	}

	e.stats.JobFinished(res.Status, res.EndTime.Sub(res.StartTime))
	slog.Info("job finished", "job", res.JobID, "execution", res.ExecutionID,
		"status", res.Status)
	e.wakeUp()
	return nil
}

// reap times out executions whose result never arrived, so their jobs
// become schedulable again and executor load is released.
func (e *Engine) reap(ctx context.Context) {
	if !e.isLeader() {
		return
	}
	rows, err := e.store.RunningExecutions(ctx, reapBatch)
	if err != nil {
		slog.Error("reaper scan failed", "error", err)
		return
	}
	now := e.now()
	grace := e.cfg.ReaperGrace()

	for _, exec := range rows {
		timeout := job.DefaultTimeout
		if info, err := e.store.GetJob(ctx, exec.JobID); err == nil {
			timeout = info.TimeoutDuration()
		}
		start := exec.StartTime
		if start.IsZero() {
			start = exec.TriggerTime
		}
		if now.Sub(start) <= timeout+grace {
			continue
		}

		err := e.store.UpdateExecutionResult(ctx, exec.ExecutionID,
			job.StatusTimeout, "", "execution result never arrived")
		if err != nil {
			slog.Error("reap write failed", "execution", exec.ExecutionID, "error", err)
			continue
		}
		if exec.ExecutorID != "" {
			e.store.DecrementExecutorLoad(ctx, exec.ExecutorID)
		}
		e.stats.JobFinished(job.StatusTimeout, now.Sub(start))
		slog.Warn("reaped lost execution", "job", exec.JobID,
			"execution", exec.ExecutionID, "executor", exec.ExecutorID)
	}
}

// cleanup trims old execution history.
func (e *Engine) cleanup(ctx context.Context) {
	if !e.isLeader() {
		return
	}
	days := e.cfg.Int("scheduler.execution_retention_days", 30)
	n, err := e.store.CleanupExpiredExecutions(ctx, days)
	if err != nil {
		slog.Error("execution cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("execution history trimmed", "rows", n, "retention_days", days)
	}
}

// --- Admin operations, called by the HTTP API ---

// SubmitJob validates and persists a new template, assigning a job id
// when the caller left it blank.
func (e *Engine) SubmitJob(ctx context.Context, info job.Info) (job.Info, error) {
	if info.JobID == "" {
		info.JobID = uuid.NewString()
	}
	if info.Timeout <= 0 {
		info.Timeout = int(job.DefaultTimeout.Seconds())
	}
	if err := info.Validate(); err != nil {
		return info, err
	}
	if info.Type == job.TypePeriodic {
		if _, err := cron.Parse(info.CronExpression); err != nil {
			return info, err
		}
	}
	if err := e.store.SaveJob(ctx, info); err != nil {
		return info, err
	}
	e.stats.JobSubmitted(info.Type)
	slog.Info("job submitted", "job", info.JobID, "name", info.Name, "type", info.Type)
	e.wakeUp()
	return info, nil
}

// UpdateJob rewrites a template.
func (e *Engine) UpdateJob(ctx context.Context, info job.Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if info.Type == job.TypePeriodic {
		if _, err := cron.Parse(info.CronExpression); err != nil {
			return err
		}
	}
	return e.store.UpdateJob(ctx, info)
}

// CancelJob pulls a job out of the dispatch queue and tells executors
// to drop any queued or running work for it.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	e.queue.Remove(jobID)
	if err := e.producer.Produce(ctx, broker.JobCancel(jobID)); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	e.stats.JobCancelled()
	e.stats.BrokerMessage(true)
	slog.Info("job cancelled", "job", jobID)
	return nil
}

// DeleteJob removes a template after cancelling its outstanding work.
func (e *Engine) DeleteJob(ctx context.Context, jobID string) error {
	e.queue.Remove(jobID)
	if err := e.producer.Produce(ctx, broker.JobCancel(jobID)); err != nil {
		slog.Warn("cancel publish failed during delete", "job", jobID, "error", err)
	}
	return e.store.DeleteJob(ctx, jobID)
}

// TriggerJob queues a job for immediate dispatch, bypassing its
// schedule. Only the leader dispatches, so followers refuse.
func (e *Engine) TriggerJob(ctx context.Context, jobID string) error {
	if !e.isLeader() {
		return ErrNotLeader
	}
	info, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := e.queue.Push(info); err != nil {
		return err
	}
	e.wakeUp()
	return nil
}

// ChangeStrategy switches placement policy at runtime.
func (e *Engine) ChangeStrategy(s placement.Strategy) {
	e.selector.SetStrategy(s)
	slog.Info("selection strategy changed", "strategy", s)
}

// Strategy returns the active placement policy.
func (e *Engine) Strategy() placement.Strategy {
	return e.selector.Strategy()
}

// QueueLength reports how many jobs wait for dispatch.
func (e *Engine) QueueLength() int {
	return e.queue.Len()
}
