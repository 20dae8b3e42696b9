// Package coord is the coordination service used for executor
// membership, leader election and named leases. Nodes registered
// through a session are ephemeral: they disappear when the session
// stops renewing them. The Redis backend carries deployments; the
// in-process hub carries standalone mode and tests.
package coord

import (
	"context"
	"errors"
	"time"
)

// Well-known paths under the coordination root.
const (
	PathRoot      = "/scheduler"
	PathExecutors = "/scheduler/executors"
	PathLeader    = "/scheduler/leader"
	PathLocks     = "/scheduler/locks"
)

// SessionTTL is how long an ephemeral node outlives its last renewal.
// A crashed process's nodes vanish within this window.
const SessionTTL = 15 * time.Second

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("coordination session is closed")

// Coordinator is one process's session with the coordination service.
type Coordinator interface {
	// Register creates or refreshes an ephemeral node owned by this
	// session. It stays alive until Unregister or session close.
	Register(ctx context.Context, path string, data []byte) error

	// Update rewrites a registered node's payload.
	Update(ctx context.Context, path string, data []byte) error

	// Unregister removes an ephemeral node early.
	Unregister(ctx context.Context, path string) error

	// Get reads a node's payload; ok is false when it does not exist.
	Get(ctx context.Context, path string) (data []byte, ok bool, err error)

	// List returns all direct children of prefix, name to payload.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Watch signals on the returned channel whenever the children of
	// prefix may have changed. Signals are coalesced; the caller
	// re-lists on every wake. The channel closes when ctx ends.
	Watch(ctx context.Context, prefix string) (<-chan struct{}, error)

	// TryAcquire takes or renews the lease at path for holder id.
	// Reentrant for the current holder; false while another id holds
	// an unexpired lease.
	TryAcquire(ctx context.Context, path, id string, ttl time.Duration) (bool, error)

	// Release drops the lease when id still holds it.
	Release(ctx context.Context, path, id string) (bool, error)

	// Close ends the session and removes every node it registered.
	Close() error
}
