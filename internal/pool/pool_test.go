package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolAllocateAndView(t *testing.T) {
	p := New[int]()
	for i := 0; i < 300; i++ {
		v := p.Allocate()
		*v = i
	}
	require.Equal(t, 300, p.Allocated())
	for i := 0; i < 300; i++ {
		require.Equal(t, i, *p.View(i))
	}
}

func TestPoolResetReusesPages(t *testing.T) {
	p := New[int]()
	for i := 0; i < 500; i++ {
		*p.Allocate() = i
	}
	p.Reset()
	require.Equal(t, 0, p.Allocated())
	v := p.Allocate()
	require.Equal(t, 0, *v) // reset items zeroed.
}
