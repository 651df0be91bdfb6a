package dtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Math2/io-event/internal/dtable"
)

func TestEnsureMaterializesOnce(t *testing.T) {
	tab := dtable.New[int]()
	calls := 0
	new_ := func() *int {
		calls++
		v := 42
		return &v
	}
	a := tab.Ensure(5, new_)
	b := tab.Ensure(5, new_)
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, *a)
}

func TestLookupMissing(t *testing.T) {
	tab := dtable.New[int]()
	assert.Nil(t, tab.Lookup(0))
	assert.Nil(t, tab.Lookup(1000))
}

func TestDeleteThenReensure(t *testing.T) {
	tab := dtable.New[int]()
	v := 7
	tab.Ensure(3, func() *int { return &v })
	assert.NotNil(t, tab.Lookup(3))
	tab.Delete(3)
	assert.Nil(t, tab.Lookup(3))

	calls := 0
	tab.Ensure(3, func() *int {
		calls++
		w := 9
		return &w
	})
	assert.Equal(t, 1, calls)
}

func TestGrowsPastInitialSize(t *testing.T) {
	tab := dtable.New[int]()
	v := 1
	p := tab.Ensure(10000, func() *int { return &v })
	assert.Equal(t, &v, p)
	assert.Equal(t, p, tab.Lookup(10000))
}
