// Package job defines the domain types shared by the scheduler and
// executor tiers: job templates, execution results, and executor
// roster records, together with their wire (JSON) codecs.
package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type distinguishes one-shot templates from cron-driven ones.
type Type string

const (
	TypeOnce     Type = "ONCE"
	TypePeriodic Type = "PERIODIC"
)

// Status is the lifecycle state of a single execution attempt.
// SUCCESS, FAILED and TIMEOUT are terminal and write-once.
type Status string

const (
	StatusWaiting Status = "WAITING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
)

// Terminal reports whether s is a final execution state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// DefaultTimeout is applied when a submitted job carries no timeout.
const DefaultTimeout = 60 * time.Second

// Info is the durable job template: what to run and when.
type Info struct {
	JobID          string `json:"job_id"`
	Name           string `json:"name"`
	Command        string `json:"command"`
	Type           Type   `json:"type"`
	Priority       int    `json:"priority"`
	CronExpression string `json:"cron_expression"`
	Timeout        int    `json:"timeout"`        // seconds
	RetryCount     int    `json:"retry_count"`
	RetryInterval  int    `json:"retry_interval"` // seconds
}

// TimeoutDuration returns the effective timeout for a run.
func (j Info) TimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// Validate checks the template before it is persisted.
func (j Info) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Command == "" {
		return fmt.Errorf("job command is required")
	}
	switch j.Type {
	case TypeOnce:
	case TypePeriodic:
		if j.CronExpression == "" {
			return fmt.Errorf("periodic job requires a cron expression")
		}
	default:
		return fmt.Errorf("unknown job type: %q", j.Type)
	}
	if j.RetryCount < 0 || j.RetryInterval < 0 {
		return fmt.Errorf("retry_count and retry_interval must be >= 0")
	}
	return nil
}

// Dispatch is the scheduler-to-executor assignment of one execution
// attempt. Every executor sees every dispatch; ExecutorID says whose
// it is.
type Dispatch struct {
	ExecutionID uint64 `json:"execution_id"`
	ExecutorID  string `json:"executor_id"`
	Job         Info   `json:"job"`
}

// Result is one attempt's outcome as published on the wire and stored
// in job_execution. Timestamps are RFC3339 UTC, second precision.
type Result struct {
	JobID       string    `json:"job_id"`
	ExecutionID uint64    `json:"execution_id"`
	ExecutorID  string    `json:"executor_id,omitempty"`
	Status      Status    `json:"status"`
	Output      string    `json:"output"`
	Error       string    `json:"error"`
	StartTime   time.Time `json:"-"`
	EndTime     time.Time `json:"-"`
}

// resultWire carries Result's timestamps as strings so that both sides
// agree on second precision regardless of platform clock resolution.
type resultWire struct {
	JobID       string `json:"job_id"`
	ExecutionID uint64 `json:"execution_id"`
	ExecutorID  string `json:"executor_id,omitempty"`
	Status      Status `json:"status"`
	Output      string `json:"output"`
	Error       string `json:"error"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

const wireTimeFormat = "2006-01-02T15:04:05Z"

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultWire{
		JobID:       r.JobID,
		ExecutionID: r.ExecutionID,
		ExecutorID:  r.ExecutorID,
		Status:      r.Status,
		Output:      r.Output,
		Error:       r.Error,
		StartTime:   r.StartTime.UTC().Truncate(time.Second).Format(wireTimeFormat),
		EndTime:     r.EndTime.UTC().Truncate(time.Second).Format(wireTimeFormat),
	})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	start, err := time.Parse(wireTimeFormat, w.StartTime)
	if err != nil {
		return fmt.Errorf("parse start_time: %w", err)
	}
	end, err := time.Parse(wireTimeFormat, w.EndTime)
	if err != nil {
		return fmt.Errorf("parse end_time: %w", err)
	}
	*r = Result{
		JobID:       w.JobID,
		ExecutionID: w.ExecutionID,
		ExecutorID:  w.ExecutorID,
		Status:      w.Status,
		Output:      w.Output,
		Error:       w.Error,
		StartTime:   start,
		EndTime:     end,
	}
	return nil
}

// Execution is a stored attempt row. Nullable columns surface as zero
// values; TriggerTime is set by the store on insert.
type Execution struct {
	ExecutionID uint64    `json:"execution_id" db:"execution_id"`
	JobID       string    `json:"job_id" db:"job_id"`
	ExecutorID  string    `json:"executor_id" db:"executor_id"`
	Status      Status    `json:"status" db:"status"`
	TriggerTime time.Time `json:"trigger_time" db:"trigger_time"`
	StartTime   time.Time `json:"start_time" db:"start_time"`
	EndTime     time.Time `json:"end_time" db:"end_time"`
	Output      string    `json:"output" db:"output"`
	Error       string    `json:"error" db:"error"`
}

// ExecutorStatus is the roster state of a worker.
type ExecutorStatus string

const (
	ExecutorOnline  ExecutorStatus = "ONLINE"
	ExecutorOffline ExecutorStatus = "OFFLINE"
)

// LiveWindow bounds how stale a heartbeat may be before an ONLINE
// executor stops counting as live.
const LiveWindow = 5 * time.Minute

// ExecutorInfo describes one worker, both in the roster table and as
// the ephemeral registry node payload.
type ExecutorInfo struct {
	ExecutorID         string         `json:"executor_id" db:"executor_id"`
	Host               string         `json:"host" db:"host"`
	Port               int            `json:"port" db:"port"`
	Status             ExecutorStatus `json:"status" db:"status"`
	CurrentLoad        int            `json:"current_load" db:"current_load"`
	MaxLoad            int            `json:"max_load" db:"max_load"`
	TotalTasksExecuted uint64         `json:"total_tasks_executed" db:"total_tasks_executed"`
	LastHeartbeat      time.Time      `json:"last_heartbeat" db:"last_heartbeat"`
}

// Address renders the host:port pair used as the dispatch target.
func (e ExecutorInfo) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Live reports whether the executor may receive work at time now.
func (e ExecutorInfo) Live(now time.Time) bool {
	return e.Status == ExecutorOnline && now.Sub(e.LastHeartbeat) < LiveWindow
}

// registry node payload, matching the coordination-service record.
type executorNodeWire struct {
	ExecutorID         string `json:"executor_id"`
	Address            string `json:"address"`
	CurrentLoad        int    `json:"current_load"`
	MaxLoad            int    `json:"max_load"`
	TotalTasksExecuted uint64 `json:"total_tasks_executed"`
	Online             bool   `json:"online"`
	LastHeartbeat      int64  `json:"last_heartbeat"` // unix seconds
}

// EncodeExecutorNode serializes e for storage on its ephemeral node.
func EncodeExecutorNode(e ExecutorInfo) ([]byte, error) {
	host, port := splitAddress(e.Host, e.Port)
	return json.Marshal(executorNodeWire{
		ExecutorID:         e.ExecutorID,
		Address:            fmt.Sprintf("%s:%d", host, port),
		CurrentLoad:        e.CurrentLoad,
		MaxLoad:            e.MaxLoad,
		TotalTasksExecuted: e.TotalTasksExecuted,
		Online:             e.Status == ExecutorOnline,
		LastHeartbeat:      e.LastHeartbeat.Unix(),
	})
}

// DecodeExecutorNode parses an ephemeral node payload.
func DecodeExecutorNode(data []byte) (ExecutorInfo, error) {
	var w executorNodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ExecutorInfo{}, err
	}
	if w.ExecutorID == "" {
		return ExecutorInfo{}, fmt.Errorf("executor record missing executor_id")
	}
	info := ExecutorInfo{
		ExecutorID:         w.ExecutorID,
		CurrentLoad:        w.CurrentLoad,
		MaxLoad:            w.MaxLoad,
		TotalTasksExecuted: w.TotalTasksExecuted,
		Status:             ExecutorOffline,
		LastHeartbeat:      time.Unix(w.LastHeartbeat, 0),
	}
	if w.Online {
		info.Status = ExecutorOnline
	}
	info.Host = w.Address
	if i := strings.LastIndex(w.Address, ":"); i >= 0 {
		info.Host = w.Address[:i]
		info.Port, _ = strconv.Atoi(w.Address[i+1:])
	}
	return info, nil
}

func splitAddress(host string, port int) (string, int) {
	if host == "" {
		host = "localhost"
	}
	return host, port
}
