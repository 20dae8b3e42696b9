// Package broker moves typed envelopes between the scheduler and
// executor tiers over named topics. Delivery is at-least-once:
// consumers must tolerate duplicates (see Dedupe).
//
// Two transports implement the same contracts: a Redis Streams client
// for deployments and an in-process bus for standalone mode and tests.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

// Topic names shared by both tiers.
const (
	TopicJobSubmit         = "job-submit"
	TopicJobCancel         = "job-cancel"
	TopicJobResult         = "job-result"
	TopicExecutorHeartbeat = "executor-heartbeat"
)

// MessageType tags an envelope.
type MessageType string

const (
	TypeJobSubmit         MessageType = "JOB_SUBMIT"
	TypeJobCancel         MessageType = "JOB_CANCEL"
	TypeJobResult         MessageType = "JOB_RESULT"
	TypeExecutorHeartbeat MessageType = "EXECUTOR_HEARTBEAT"
)

// Envelope is the JSON value carried on the wire. Payload is opaque,
// typically embedded JSON.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload string      `json:"payload"`
}

// Message pairs an envelope with its routing key. Keying JOB_SUBMIT
// and JOB_RESULT by job_id keeps one job's traffic ordered.
type Message struct {
	Topic    string
	Key      string
	Envelope Envelope
}

// Handler processes one delivered message. It must not panic; any
// error is logged by the transport and the message is not retried
// (redelivery comes from the at-least-once transport itself).
type Handler func(msg Message) error

// Producer publishes messages. Produce is fire-and-forget: failures
// are reported to the caller, which retries at its own cadence.
type Producer interface {
	Produce(ctx context.Context, msg Message) error
	Close() error
}

// Consumer delivers messages for a set of topics to a handler on a
// dedicated goroutine per subscription group.
type Consumer interface {
	// Subscribe registers handler for the topics under the given
	// consumer group and starts delivery. One call per group.
	Subscribe(ctx context.Context, group string, topics []string, handler Handler) error
	Close() error
}

// --- Typed constructors ---

// JobSubmit wraps an execution assignment for dispatch.
func JobSubmit(d job.Dispatch) (Message, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return Message{}, fmt.Errorf("marshal dispatch: %w", err)
	}
	return Message{
		Topic:    TopicJobSubmit,
		Key:      d.Job.JobID,
		Envelope: Envelope{Type: TypeJobSubmit, Payload: string(payload)},
	}, nil
}

// JobCancel wraps a cancellation; the payload is the job_id itself.
func JobCancel(jobID string) Message {
	return Message{
		Topic:    TopicJobCancel,
		Key:      jobID,
		Envelope: Envelope{Type: TypeJobCancel, Payload: jobID},
	}
}

// JobResult wraps an execution outcome.
func JobResult(result job.Result) (Message, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return Message{
		Topic:    TopicJobResult,
		Key:      result.JobID,
		Envelope: Envelope{Type: TypeJobResult, Payload: string(payload)},
	}, nil
}

// Heartbeat wraps an executor liveness ping; payload is the executor
// id.
func Heartbeat(executorID string) Message {
	return Message{
		Topic:    TopicExecutorHeartbeat,
		Key:      executorID,
		Envelope: Envelope{Type: TypeExecutorHeartbeat, Payload: executorID},
	}
}

// DecodeEnvelope parses raw envelope bytes. Unknown types are returned
// as-is; the consumer loop decides to skip them.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}
