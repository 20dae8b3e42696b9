package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/coord"
)

const (
	leaderTTL     = coord.SessionTTL
	electionRetry = coord.SessionTTL / 3
)

// Election competes for the /scheduler/leader lease. The holder keeps
// renewing it; everyone else retries until the lease lapses. Dispatch
// only runs on the leader, so a lost renewal demotes the node before
// a rival can win the lease.
type Election struct {
	coord  coord.Coordinator
	nodeID string

	leader atomic.Bool

	onElected func()
	onDemoted func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewElection creates a candidate. Callbacks may be nil; they run on
// the election goroutine.
func NewElection(c coord.Coordinator, nodeID string, onElected, onDemoted func()) *Election {
	return &Election{
		coord:     c,
		nodeID:    nodeID,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// IsLeader reports whether this node currently holds the lease.
func (e *Election) IsLeader() bool { return e.leader.Load() }

// Start joins the election until Stop.
func (e *Election) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(electionRetry)
		defer ticker.Stop()
		e.campaign(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.campaign(ctx)
			}
		}
	}()
}

func (e *Election) campaign(ctx context.Context) {
	won, err := e.coord.TryAcquire(ctx, coord.PathLeader, e.nodeID, leaderTTL)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("leader election attempt failed", "error", err)
		}
		// Treat an unreachable coordination service as lost
		// leadership; a rival may already hold the lease.
		won = false
	}
	was := e.leader.Swap(won)
	switch {
	case won && !was:
		slog.Info("elected leader", "node", e.nodeID)
		if e.onElected != nil {
			e.onElected()
		}
	case !won && was:
		slog.Info("leadership lost", "node", e.nodeID)
		if e.onDemoted != nil {
			e.onDemoted()
		}
	}
}

// Stop leaves the election, resigning the lease when held.
func (e *Election) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.cancel()
	<-e.done
	e.started = false

	if e.leader.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := e.coord.Release(ctx, coord.PathLeader, e.nodeID); err != nil {
			slog.Warn("leader resign failed", "error", err)
		}
		if e.onDemoted != nil {
			e.onDemoted()
		}
	}
}
