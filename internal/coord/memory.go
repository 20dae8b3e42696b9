package coord

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryHub is a process-local coordination service. Every session
// created from the same hub sees the same tree, which is what the
// standalone runtime and the tests need.
type MemoryHub struct {
	mu       sync.Mutex
	data     map[string][]byte
	owner    map[string]*memorySession
	leases   map[string]memoryLease
	watchers map[string][]chan struct{}
	now      func() time.Time
}

type memoryLease struct {
	id      string
	expires time.Time
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		data:     make(map[string][]byte),
		owner:    make(map[string]*memorySession),
		leases:   make(map[string]memoryLease),
		watchers: make(map[string][]chan struct{}),
		now:      time.Now,
	}
}

// Session opens a new session on the hub.
func (h *MemoryHub) Session() Coordinator {
	return &memorySession{hub: h, paths: make(map[string]bool)}
}

// notify wakes watchers of every prefix that covers path. Callers hold
// the hub lock.
func (h *MemoryHub) notify(path string) {
	for prefix, chans := range h.watchers {
		if !strings.HasPrefix(path, prefix+"/") && path != prefix {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (h *MemoryHub) dropWatcher(prefix string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := h.watchers[prefix]
	for i, c := range chans {
		if c == ch {
			h.watchers[prefix] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	close(ch)
}

type memorySession struct {
	hub *MemoryHub

	mu     sync.Mutex
	paths  map[string]bool
	closed bool
}

var _ Coordinator = (*memorySession)(nil)

func (s *memorySession) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memorySession) Register(_ context.Context, path string, data []byte) error {
	if err := s.live(); err != nil {
		return err
	}
	h := s.hub
	h.mu.Lock()
	h.data[path] = data
	h.owner[path] = s
	h.notify(path)
	h.mu.Unlock()

	s.mu.Lock()
	s.paths[path] = true
	s.mu.Unlock()
	return nil
}

func (s *memorySession) Update(ctx context.Context, path string, data []byte) error {
	return s.Register(ctx, path, data)
}

func (s *memorySession) Unregister(_ context.Context, path string) error {
	if err := s.live(); err != nil {
		return err
	}
	h := s.hub
	h.mu.Lock()
	delete(h.data, path)
	delete(h.owner, path)
	h.notify(path)
	h.mu.Unlock()

	s.mu.Lock()
	delete(s.paths, path)
	s.mu.Unlock()
	return nil
}

func (s *memorySession) Get(_ context.Context, path string) ([]byte, bool, error) {
	if err := s.live(); err != nil {
		return nil, false, err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.data[path]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *memorySession) List(_ context.Context, prefix string) (map[string][]byte, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]byte)
	for path, data := range h.data {
		rest, ok := strings.CutPrefix(path, prefix+"/")
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		out[rest] = cp
	}
	return out, nil
}

func (s *memorySession) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	h := s.hub
	h.mu.Lock()
	h.watchers[prefix] = append(h.watchers[prefix], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.dropWatcher(prefix, ch)
	}()
	return ch, nil
}

func (s *memorySession) TryAcquire(_ context.Context, path, id string, ttl time.Duration) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	lease, held := h.leases[path]
	if held && lease.id != id && lease.expires.After(now) {
		return false, nil
	}
	h.leases[path] = memoryLease{id: id, expires: now.Add(ttl)}
	h.notify(path)
	return true, nil
}

func (s *memorySession) Release(_ context.Context, path, id string) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	lease, held := h.leases[path]
	if !held || lease.id != id {
		return false, nil
	}
	delete(h.leases, path)
	h.notify(path)
	return true, nil
}

// Close drops every node this session registered, the ephemeral
// cleanup a crashed process gets from TTL expiry.
func (s *memorySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	paths := make([]string, 0, len(s.paths))
	for p := range s.paths {
		paths = append(paths, p)
	}
	s.paths = map[string]bool{}
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	for _, p := range paths {
		if h.owner[p] == s {
			delete(h.data, p)
			delete(h.owner, p)
			h.notify(p)
		}
	}
	h.mu.Unlock()
	return nil
}
