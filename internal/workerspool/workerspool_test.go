package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEachLimitsParallelism(t *testing.T) {
	pool := NewWithParallelism(3)
	var running, maxRunning, count atomic.Int32
	err := pool.ForEach(50, func(i int) error {
		current := running.Add(1)
		for {
			old := maxRunning.Load()
			if current <= old || maxRunning.CompareAndSwap(old, current) {
				break
			}
		}
		runtime.Gosched()
		count.Add(1)
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(50), count.Load())
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
}

func TestPool_Inline(t *testing.T) {
	pool := NewWithParallelism(0)
	var order []int
	require.NoError(t, pool.ForEach(5, func(i int) error {
		order = append(order, i)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_Unlimited(t *testing.T) {
	pool := NewWithParallelism(-1)
	var count atomic.Int32
	require.NoError(t, pool.ForEach(20, func(i int) error {
		count.Add(1)
		return nil
	}))
	assert.Equal(t, int32(20), count.Load())
}

func TestPool_ForEachError(t *testing.T) {
	pool := NewWithParallelism(0)
	var count int
	err := pool.ForEach(10, func(i int) error {
		count++
		if i == 3 {
			return errors.Errorf("failed at %d", i)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at 3")
	assert.Equal(t, 4, count)
}
