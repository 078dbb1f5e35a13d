// Package fleet holds the most recent process-list snapshot.
package fleet

import (
	"sync"

	"github.com/procrelay/procrelay/internal/event"
)

// Store keeps the latest snapshot. Writers stamp each snapshot with a
// generation taken before the list call started, so a slow refresh can never
// replace one that began later.
type Store struct {
	mu   sync.RWMutex
	snap event.ProcessListSnapshot
	gen  uint64
	set  bool
}

func NewStore() *Store {
	return &Store{}
}

// Set stores snap unless a snapshot of a later generation is already held.
// It reports whether snap was stored.
func (s *Store) Set(gen uint64, snap event.ProcessListSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set && gen < s.gen {
		return false
	}
	s.snap, s.gen, s.set = snap, gen, true
	return true
}

// Latest returns the stored snapshot, if any.
func (s *Store) Latest() (event.ProcessListSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.set
}

// Get returns a copy of one process from the latest snapshot.
func (s *Store) Get(id int) (event.Process, bool) {
	s.mu.RLock()
	snap, ok := s.snap, s.set
	s.mu.RUnlock()
	if !ok {
		return event.Process{}, false
	}
	for _, p := range snap.Processes() {
		if p.ID == id {
			return p, true
		}
	}
	return event.Process{}, false
}

// OnlineCount returns how many processes in the latest snapshot are online.
func (s *Store) OnlineCount() int {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	n := 0
	for _, p := range snap.Processes() {
		if p.Status == event.StatusOnline {
			n++
		}
	}
	return n
}
