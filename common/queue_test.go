package common

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryQueue(t *testing.T) {
	eq := NewEntryQueue[string](2, 1)
	for i := 0; i < 5; i++ {
		assert.True(t, eq.Add(strconv.Itoa(i)))
	}
	assert.Equal(t, 5, eq.Len())
	items := eq.Get()
	require.Equal(t, 5, len(items))
	assert.Equal(t, "0", items[0])
	assert.Equal(t, "4", items[4])
	assert.Equal(t, 0, eq.Len())

	eq.Add("x")
	items = eq.Get()
	require.Equal(t, []string{"x"}, items)
	assert.Equal(t, 0, len(eq.Get()))

	eq.Close()
	assert.False(t, eq.Add("y"))
}

func TestEntryQueueConcurrentAdd(t *testing.T) {
	eq := NewEntryQueue[int](4, 3)
	const total = 1000
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				eq.Add(w*total + i)
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	got := 0
	for got < total {
		select {
		case <-eq.NotifyC():
		case <-done:
		}
		got += len(eq.Get())
	}
	assert.Equal(t, total, got)
}
