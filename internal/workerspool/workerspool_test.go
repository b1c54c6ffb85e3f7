package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Map(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3} {
		pool := New().SetMaxParallelism(parallelism)
		assert.Equal(t, parallelism, pool.MaxParallelism())

		const numJobs = 20
		var (
			running, maxRunning atomic.Int32
			done                [numJobs]atomic.Bool
		)
		pool.Map(numJobs, func(i int) {
			current := running.Add(1)
			for {
				previous := maxRunning.Load()
				if current <= previous || maxRunning.CompareAndSwap(previous, current) {
					break
				}
			}
			done[i].Store(true)
			running.Add(-1)
		})
		for i := range done {
			assert.True(t, done[i].Load(), "parallelism=%d: job %d not run", parallelism, i)
		}
		switch {
		case parallelism == 0:
			assert.Equal(t, int32(1), maxRunning.Load())
		case parallelism > 0:
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
	}
}

func TestPool_Empty(t *testing.T) {
	New().Map(0, func(int) { t.Fatal("no job should run") })
}
