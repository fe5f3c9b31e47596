// Package tpqueue serializes take-profit creation behind a single worker
package tpqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"scalper/internal/core"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
)

// ErrNotReady is returned by a Processor that cannot place right now. The
// item goes back to the head without counting as a failure.
var ErrNotReady = errors.New("tp creation not ready")

// RetryError asks the worker to requeue Item in place of the one it processed
type RetryError struct {
	Item Item
	Err  error
}

func (e *RetryError) Error() string {
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry wraps err so the worker requeues item instead of the original
func Retry(item Item, err error) error {
	return &RetryError{Item: item, Err: err}
}

// Item is one pending TP creation request
type Item struct {
	BuyPrice decimal.Decimal `json:"buyPrice"`
	Quantity decimal.Decimal `json:"quantity"`
	// TargetPrice pins the sell price; zero means buy price plus the TP distance
	TargetPrice decimal.Decimal `json:"targetPrice"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	Attempts    int             `json:"attempts"`
}

// Processor turns items into resting orders
type Processor interface {
	// Ready reports whether placements may be issued now
	Ready() bool
	Process(ctx context.Context, item Item) error
}

// Options tunes the worker
type Options struct {
	IdlePoll     time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	// OnDepthChange is called with the queue length after every change
	OnDepthChange func(depth int)
}

// Queue is a FIFO of TP creation requests drained by exactly one worker
type Queue struct {
	mu     sync.Mutex
	items  []Item
	signal chan struct{}

	idlePoll time.Duration
	retry    *backoff.ExponentialBackOff
	onDepth  func(int)
	logger   core.ILogger
	now      func() time.Time
}

// New creates an empty queue
func New(logger core.ILogger, opts Options) *Queue {
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 10 * time.Second
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.RetryInitial
	retry.MaxInterval = opts.RetryMax
	retry.Multiplier = 2
	retry.RandomizationFactor = 0.2

	return &Queue{
		signal:   make(chan struct{}, 1),
		idlePoll: opts.IdlePoll,
		retry:    retry,
		onDepth:  opts.OnDepthChange,
		logger:   logger.WithField("component", "tp_queue"),
		now:      time.Now,
	}
}

// Enqueue appends an item at the tail
func (q *Queue) Enqueue(item Item) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.notifyDepth(depth)
	q.wake()
}

// PushFront puts an item back at the head
func (q *Queue) PushFront(item Item) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	q.items = append([]Item{item}, q.items...)
	depth := len(q.items)
	q.mu.Unlock()

	q.notifyDepth(depth)
	q.wake()
}

// Len returns the number of pending items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending items in order
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Drain removes and returns every pending item
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	q.notifyDepth(0)
	return items
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) notifyDepth(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}

// Step processes at most one item and returns how long the worker should
// wait before the next step. A zero wait means work may be pending; retry
// reports whether the wait is a failure backoff that new items must not cut
// short.
func (q *Queue) Step(ctx context.Context, proc Processor) (wait time.Duration, retry bool) {
	if !proc.Ready() {
		return q.idlePoll, false
	}

	item, ok := q.pop()
	if !ok {
		return q.idlePoll, false
	}

	err := proc.Process(ctx, item)
	switch {
	case err == nil:
		q.retry.Reset()
		q.notifyDepth(q.Len())
		return 0, false
	case errors.Is(err, ErrNotReady):
		q.PushFront(item)
		return q.idlePoll, false
	default:
		var rq *RetryError
		if errors.As(err, &rq) {
			item = rq.Item
		}
		item.Attempts++
		q.PushFront(item)
		delay := q.retry.NextBackOff()
		if delay == backoff.Stop {
			delay = q.retry.MaxInterval
		}
		q.logger.Warn("TP creation failed, retrying",
			"buy_price", item.BuyPrice.String(),
			"quantity", item.Quantity.String(),
			"attempts", item.Attempts,
			"retry_in", delay.String(),
			"error", err)
		return delay, true
	}
}

// Run drains the queue until ctx is done
func (q *Queue) Run(ctx context.Context, proc Processor) {
	for {
		if ctx.Err() != nil {
			return
		}

		wait, retry := q.Step(ctx, proc)
		if wait == 0 {
			continue
		}

		wake := q.signal
		if retry {
			wake = nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
