package progress

import (
	"slices"
	"sync"
)

// Store holds the aggregate of the deployment currently being followed and
// publishes every change to subscribers.
//
// A single writer folds events through Update. Reset starts a new generation;
// updates carrying an older generation are discarded, so a connection that
// outlives its deployment cannot write into the next one.
type Store struct {
	mu         sync.RWMutex
	current    Progress
	generation uint64
	subs       map[uint64]func(Progress)
	nextSub    uint64
}

// NewStore returns a store holding an idle aggregate with no deployment.
func NewStore() *Store {
	return &Store{
		current: New(""),
		subs:    make(map[uint64]func(Progress)),
	}
}

// Reset discards the current aggregate and starts an idle one for deploymentID.
// It returns the generation that writers for deploymentID must use.
func (s *Store) Reset(deploymentID string) uint64 {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.current = New(deploymentID)
	snapshot := s.snapshotLocked()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	publish(subs, snapshot)
	return gen
}

// Update replaces the aggregate with fn(current) when gen is still current.
// It reports false for stale generations.
func (s *Store) Update(gen uint64, fn func(Progress) Progress) (Progress, bool) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return Progress{}, false
	}
	s.current = fn(s.current)
	snapshot := s.snapshotLocked()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	publish(subs, snapshot)
	return snapshot, true
}

// Snapshot returns the current aggregate. Event details are shared and must be
// treated as read-only.
func (s *Store) Snapshot() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Generation reports the current generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Subscribe registers fn and immediately delivers the current aggregate.
// Subsequent deliveries happen on the writer goroutine in fold order, so fn
// must not block. The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Progress)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	fn(snapshot)
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotLocked() Progress {
	p := s.current
	p.Events = slices.Clip(p.Events)
	return p
}

func (s *Store) subscribersLocked() []func(Progress) {
	if len(s.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(Progress), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	return subs
}

func publish(subs []func(Progress), p Progress) {
	for _, fn := range subs {
		fn(p)
	}
}
