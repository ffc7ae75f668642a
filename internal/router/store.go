package router

import "sync/atomic"

// Store publishes the current generation. Readers never block.
type Store struct {
	p atomic.Pointer[Table]
}

func NewStore(t *Table) *Store {
	s := &Store{}
	s.p.Store(t)
	return s
}

// Load returns the current generation; nil before the first Publish.
func (s *Store) Load() *Table { return s.p.Load() }

// Publish makes t current and returns the generation it replaced. Requests
// already holding the old table finish against it.
func (s *Store) Publish(t *Table) *Table { return s.p.Swap(t) }
