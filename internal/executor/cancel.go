package executor

import "sync"

// CancelSet tracks job ids whose work must not run (or must stop).
// The intake adds on JOB_CANCEL; workers consult it before and during
// a run.
type CancelSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewCancelSet returns an empty set.
func NewCancelSet() *CancelSet {
	return &CancelSet{ids: make(map[string]struct{})}
}

// Add marks a job cancelled.
func (s *CancelSet) Add(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[jobID] = struct{}{}
}

// Has reports whether a job is cancelled.
func (s *CancelSet) Has(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[jobID]
	return ok
}

// Remove clears the mark once the cancellation has been honored.
func (s *CancelSet) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, jobID)
}
