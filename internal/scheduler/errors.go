package scheduler

import "errors"

var (
	// ErrQueueFull is returned when the dispatch queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrNoExecutor is returned when no live executor can take work.
	ErrNoExecutor = errors.New("no executor available")

	// ErrNotLeader is returned for dispatch operations on a follower.
	ErrNotLeader = errors.New("not the scheduler leader")
)
