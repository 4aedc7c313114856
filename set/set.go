// Package set is a minimal generic set.
package set

import (
	"cmp"
	"slices"
)

// Set is a collection of unique values. The zero value is ready to use.
type Set[T comparable] struct {
	set map[T]struct{}
}

// New returns a set holding the given values.
func New[T comparable](values ...T) *Set[T] {
	s := &Set[T]{set: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.Insert(v)
	}
	return s
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Remove(k T) {
	delete(s.set, k)
}

func (s *Set[T]) Len() int {
	return len(s.set)
}

// Values returns the members in unspecified order.
func (s *Set[T]) Values() []T {
	out := make([]T, 0, len(s.set))
	for k := range s.set {
		out = append(out, k)
	}
	return out
}

// Sorted returns the members of an ordered set in ascending order.
func Sorted[T cmp.Ordered](s *Set[T]) []T {
	out := s.Values()
	slices.Sort(out)
	return out
}
