package saga

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the in-flight saga instances of one orchestrator, keyed by
// saga id. It is safe for concurrent insertion, removal and lookup.
type Registry[P any] struct {
	sagas *xsync.MapOf[string, *Saga[P]]
}

// NewRegistry creates an empty Registry.
func NewRegistry[P any]() *Registry[P] {
	return &Registry[P]{
		sagas: xsync.NewMapOf[string, *Saga[P]](),
	}
}

// Add inserts s unless its id is taken. It reports whether s was stored.
func (r *Registry[P]) Add(s *Saga[P]) bool {
	_, loaded := r.sagas.LoadOrStore(s.ID(), s)
	return !loaded
}

// Get looks up a saga by id.
func (r *Registry[P]) Get(sagaID string) (*Saga[P], bool) {
	return r.sagas.Load(sagaID)
}

// Has reports whether sagaID is registered.
func (r *Registry[P]) Has(sagaID string) bool {
	_, ok := r.sagas.Load(sagaID)
	return ok
}

// Remove deletes a saga and reports whether it was present.
func (r *Registry[P]) Remove(sagaID string) bool {
	_, ok := r.sagas.LoadAndDelete(sagaID)
	return ok
}

// Len returns the number of registered sagas.
func (r *Registry[P]) Len() int {
	return r.sagas.Size()
}

// Sagas returns the registered instances ordered by id.
func (r *Registry[P]) Sagas() []*Saga[P] {
	out := make([]*Saga[P], 0, r.sagas.Size())
	r.sagas.Range(func(_ string, s *Saga[P]) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}
