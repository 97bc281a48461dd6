// Package instance manages the collection of named instances and the delayed
// two-phase create, switch and delete operations performed on them.
package instance

import (
	"errors"
	"fmt"
	"sync"
)

// State is the run state of an instance.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

// Opposite returns the state a switch away from s lands in.
func (s State) Opposite() State {
	if s == Stopped {
		return Running
	}
	return Stopped
}

var (
	// ErrNotFound is returned when no instance has the requested id.
	ErrNotFound = errors.New("instance not found")
	// ErrDuplicateID is returned when adding an id that is already stored.
	ErrDuplicateID = errors.New("duplicate instance id")
)

// Instance is one managed unit.
type Instance struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// Store is an ordered, concurrency-safe collection of instances. Insertion
// order is preserved in snapshots.
type Store struct {
	mu        sync.RWMutex
	instances []Instance
}

// NewStore returns a store seeded with the given instances.
func NewStore(seed ...Instance) *Store {
	s := &Store{instances: make([]Instance, 0, len(seed))}
	for _, inst := range seed {
		if err := s.Add(inst); err != nil {
			panic(fmt.Sprintf("instance: invalid seed: %v", err))
		}
	}
	return s
}

// Add appends inst to the store.
func (s *Store) Add(inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(inst.ID) >= 0 {
		return fmt.Errorf("add %s: %w", inst.ID, ErrDuplicateID)
	}
	s.instances = append(s.instances, inst)
	return nil
}

// Get returns the instance with the given id.
func (s *Store) Get(id string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return Instance{}, false
	}
	return s.instances[i], true
}

// SetState updates the state of the instance with the given id in place.
func (s *Store) SetState(id string, state State) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return Instance{}, fmt.Errorf("set state of %s: %w", id, ErrNotFound)
	}
	s.instances[i].State = state
	return s.instances[i], nil
}

// Remove deletes the instance with the given id, keeping the order of the rest.
func (s *Store) Remove(id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return Instance{}, fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	removed := s.instances[i]
	s.instances = append(s.instances[:i], s.instances[i+1:]...)
	return removed, nil
}

// Snapshot returns a copy of every stored instance. It is never nil.
func (s *Store) Snapshot() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, len(s.instances))
	copy(out, s.instances)
	return out
}

// Len reports the number of stored instances.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *Store) indexOf(id string) int {
	for i := range s.instances {
		if s.instances[i].ID == id {
			return i
		}
	}
	return -1
}
