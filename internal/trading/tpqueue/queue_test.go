package tpqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scalper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu     sync.Mutex
	ready  bool
	fail   int
	err    error
	seen   []Item
	called int
}

func (p *recordingProcessor) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *recordingProcessor) Process(ctx context.Context, item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.called++
	if p.fail > 0 {
		p.fail--
		return p.err
	}
	p.seen = append(p.seen, item)
	return nil
}

func (p *recordingProcessor) processed() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Item(nil), p.seen...)
}

func item(price string) Item {
	return Item{BuyPrice: decimal.RequireFromString(price), Quantity: decimal.NewFromInt(1)}
}

func newQueue() *Queue {
	return New(logging.NewNopLogger(), Options{
		IdlePoll:     5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
}

func TestQueueOrdering(t *testing.T) {
	q := newQueue()
	q.Enqueue(item("1"))
	q.Enqueue(item("2"))
	q.PushFront(item("0"))

	items := q.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "0", items[0].BuyPrice.String())
	assert.Equal(t, "1", items[1].BuyPrice.String())
	assert.Equal(t, "2", items[2].BuyPrice.String())
	assert.False(t, items[0].EnqueuedAt.IsZero())

	drained := q.Drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, q.Len())
}

func TestStepNotReadyLeavesItem(t *testing.T) {
	q := newQueue()
	q.Enqueue(item("1"))
	proc := &recordingProcessor{ready: false}

	wait, retry := q.Step(context.Background(), proc)
	assert.Equal(t, 5*time.Millisecond, wait)
	assert.False(t, retry)
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, proc.called)
}

func TestStepFailureRequeuesAtHead(t *testing.T) {
	q := newQueue()
	q.Enqueue(item("1"))
	q.Enqueue(item("2"))
	proc := &recordingProcessor{ready: true, fail: 1, err: errors.New("rejected")}

	wait, retry := q.Step(context.Background(), proc)
	assert.True(t, retry)
	assert.Greater(t, wait, time.Duration(0))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].BuyPrice.String())
	assert.Equal(t, 1, items[0].Attempts)

	wait, retry = q.Step(context.Background(), proc)
	assert.Zero(t, wait)
	assert.False(t, retry)
	assert.Equal(t, "1", proc.processed()[0].BuyPrice.String())
}

func TestStepNotReadyError(t *testing.T) {
	q := newQueue()
	q.Enqueue(item("1"))
	proc := &recordingProcessor{ready: true, fail: 1, err: ErrNotReady}

	_, retry := q.Step(context.Background(), proc)
	assert.False(t, retry)
	items := q.Items()
	require.Len(t, items, 1)
	assert.Zero(t, items[0].Attempts)
}

func TestRunProcessesInOrder(t *testing.T) {
	var depthMu sync.Mutex
	depths := []int{}
	q := New(logging.NewNopLogger(), Options{
		IdlePoll:     5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		OnDepthChange: func(d int) {
			depthMu.Lock()
			depths = append(depths, d)
			depthMu.Unlock()
		},
	})
	proc := &recordingProcessor{ready: true, fail: 2, err: errors.New("busy")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, proc)
		close(done)
	}()

	for _, p := range []string{"1", "2", "3"} {
		q.Enqueue(item(p))
	}

	assert.Eventually(t, func() bool { return len(proc.processed()) == 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	seen := proc.processed()
	assert.Equal(t, "1", seen[0].BuyPrice.String())
	assert.Equal(t, "2", seen[1].BuyPrice.String())
	assert.Equal(t, "3", seen[2].BuyPrice.String())
	assert.Equal(t, 0, q.Len())

	depthMu.Lock()
	defer depthMu.Unlock()
	assert.Equal(t, 0, depths[len(depths)-1])
}

func TestStepRetryErrorReplacesItem(t *testing.T) {
	q := newQueue()
	q.Enqueue(item("1"))
	replacement := item("1")
	replacement.TargetPrice = decimal.RequireFromString("102.5")
	proc := &recordingProcessor{ready: true, fail: 1, err: Retry(replacement, errors.New("second lot"))}

	_, retry := q.Step(context.Background(), proc)
	assert.True(t, retry)
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "102.5", items[0].TargetPrice.String())
}
