// Package concurrency holds the bounded worker pool used for fan-out calls
// against the venue
package concurrency

import (
	"time"

	"scalper/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool runs batches of tasks on a bounded pond pool. A panicking task
// is logged and does not take the batch down.
type WorkerPool struct {
	pool *pond.WorkerPool
	name string
}

// NewWorkerPool creates a pool; zero fields get small defaults
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	log := logger.WithField("pool", cfg.Name)

	return &WorkerPool{
		name: cfg.Name,
		pool: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.MinWorkers(0),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Task panicked", "panic", p)
			}),
		),
	}
}

// RunAll runs tasks concurrently and returns once every one has finished
func (wp *WorkerPool) RunAll(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	group := wp.pool.Group()
	for _, task := range tasks {
		group.Submit(task)
	}
	group.Wait()
}

// Stop waits for queued tasks and releases the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
