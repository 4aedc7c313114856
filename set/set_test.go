package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	var s Set[string]
	assert.False(t, s.Contains("a"))
	assert.Equal(t, 0, s.Len())

	s.Insert("b")
	s.Insert("a")
	s.Insert("b")
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"a", "b"}, Sorted(&s))

	s.Remove("a")
	assert.False(t, s.Contains("a"))
	assert.ElementsMatch(t, []string{"b"}, s.Values())
}

func TestNew(t *testing.T) {
	s := New(3, 1, 2, 3)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{1, 2, 3}, Sorted(s))
}
