package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scalper/pkg/logging"

	"github.com/stretchr/testify/assert"
)

func TestRunAllWaitsForEveryTask(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 3}, logging.NewNopLogger())
	defer wp.Stop()

	var done int32
	tasks := make([]func(), 10)
	for i := range tasks {
		tasks[i] = func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&done, 1)
		}
	}
	wp.RunAll(tasks)
	assert.Equal(t, int32(10), atomic.LoadInt32(&done))
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "bounded", MaxWorkers: 2}, logging.NewNopLogger())
	defer wp.Stop()

	var mu sync.Mutex
	running, peak := 0, 0
	tasks := make([]func(), 8)
	for i := range tasks {
		tasks[i] = func() {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}
	}
	wp.RunAll(tasks)
	assert.LessOrEqual(t, peak, 2)
}

func TestRunAllSurvivesPanic(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "panics"}, logging.NewNopLogger())
	defer wp.Stop()

	var ran int32
	wp.RunAll([]func(){
		func() { panic("boom") },
		func() { atomic.AddInt32(&ran, 1) },
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	wp.RunAll(nil)
}
