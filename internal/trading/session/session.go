// Package session runs one trading session and the long lived controller
// that starts, stops and reports on sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/trading/book"
	"scalper/internal/trading/ladder"
	"scalper/internal/trading/order"
	"scalper/internal/trading/reconcile"
	"scalper/internal/trading/repricer"
	"scalper/internal/trading/tpbook"
	"scalper/internal/trading/tpqueue"
	"scalper/pkg/concurrency"
	"scalper/pkg/telemetry"
	"scalper/pkg/tradingutils"

	"github.com/sourcegraph/conc"
)

var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("session not running")
	ErrInvalidConfig  = errors.New("invalid session config")
	ErrCannotPause    = errors.New("session already paused")
	ErrCannotResume   = errors.New("session not paused")
)

// Options are the process level settings a session runs with
type Options struct {
	EventBuffer    int
	RateLimit      float64
	RateBurst      int
	TPRetryInitial time.Duration
	TPRetryMax     time.Duration
	TPIdlePoll     time.Duration
	TestOrderCheck time.Duration
	MarketSellPoll time.Duration
}

func (o Options) withDefaults() Options {
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	if o.TPIdlePoll <= 0 {
		o.TPIdlePoll = time.Second
	}
	if o.TestOrderCheck <= 0 {
		o.TestOrderCheck = 2 * time.Second
	}
	if o.MarketSellPoll <= 0 {
		o.MarketSellPoll = 500 * time.Millisecond
	}
	return o
}

// Session is one start to stop run against a single symbol. Tick
// processing, push event handling and TP creation each hold mu for the
// whole handler, so no two mutations of the session state interleave.
type Session struct {
	mu sync.Mutex

	cfg      config.SessionConfig
	opts     Options
	exchange core.IExchange
	logger   core.ILogger

	pool       *concurrency.WorkerPool
	exec       *order.Executor
	state      *book.State
	queue      *tpqueue.Queue
	repricer   *repricer.Machine
	tpbook     *tpbook.Book
	ladder     *ladder.Manager
	reconciler *reconcile.Reconciler

	events chan core.StreamEvent
	cancel context.CancelFunc
	wg     conc.WaitGroup

	running         bool
	paused          bool
	stopped         bool
	streamConnected bool
	streamDegraded  bool
	startedAt       time.Time
	endedAt         time.Time

	now func() time.Time
}

// New builds a session over an exchange gateway. The config must already be
// validated.
func New(cfg config.SessionConfig, exchange core.IExchange, logger core.ILogger, opts Options) *Session {
	opts = opts.withDefaults()
	logger = logger.WithFields(map[string]interface{}{
		"component": "session",
		"symbol":    cfg.Symbol,
	})

	s := &Session{
		cfg:      cfg,
		opts:     opts,
		exchange: exchange,
		logger:   logger,
		state:    book.NewState(),
		events:   make(chan core.StreamEvent, opts.EventBuffer),
		now:      time.Now,
	}

	s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "session-cancel",
		MaxWorkers:  4,
		MaxCapacity: 256,
	}, logger)
	execOpts := []order.Option{order.WithPool(s.pool)}
	if opts.RateLimit > 0 {
		execOpts = append(execOpts, order.WithRateLimit(opts.RateLimit, opts.RateBurst))
	}
	s.exec = order.NewExecutor(exchange, cfg.Symbol, logger, execOpts...)

	s.queue = tpqueue.New(logger, tpqueue.Options{
		IdlePoll:     opts.TPIdlePoll,
		RetryInitial: opts.TPRetryInitial,
		RetryMax:     opts.TPRetryMax,
		OnDepthChange: func(depth int) {
			telemetry.GetGlobalMetrics().SetQueueDepth(cfg.Symbol, depth)
		},
	})
	s.repricer = repricer.New(s.exec, s.state, s.queue.PushFront, logger)
	s.tpbook = tpbook.New(s.exec, s.state, s.repricer, s.queue.PushFront, logger)
	s.ladder = ladder.New(s.exec, s.state, s.queue.Enqueue, s.queue.Len, logger)
	s.reconciler = reconcile.New(s.exec, s.state, s.ladder, s.repricer, logger)
	return s
}

// SetClock overrides the time source of the session and its components
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.repricer.SetClock(now)
	s.ladder.SetClock(now)
}

// Running reports whether the session loops are active
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start opens the push channel, adopts resting sells and launches the loops
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopped {
		return fmt.Errorf("%w: a session cannot be restarted", ErrInvalidConfig)
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.exchange.StartUserStream(loopCtx, s.events); err != nil {
		s.streamDegraded = true
		s.logger.Warn("Push channel unavailable, running on poll only", "error", err)
	} else {
		s.streamConnected = true
	}
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.Symbol, s.streamConnected)

	s.adoptOpenOrders(ctx)

	s.running = true
	s.startedAt = s.now()
	s.logger.Info("Session started",
		"max_buy_orders", s.cfg.MaxBuyOrders,
		"max_tp_orders", s.cfg.MaxSellTPOrders,
		"order_qty", s.cfg.OrderQty,
		"tick_size", s.cfg.TickSize,
		"adopted_tps", s.state.TPCount())

	s.wg.Go(func() { s.tickLoop(loopCtx) })
	s.wg.Go(func() { s.eventLoop(loopCtx) })
	s.wg.Go(func() { s.queue.Run(loopCtx, worker{s}) })
	return nil
}

// adoptOpenOrders takes resting sells left by an earlier run under TP
// management. Their cost basis is estimated one TP distance below the sell.
func (s *Session) adoptOpenOrders(ctx context.Context) {
	orders, err := s.exec.OpenOrders(ctx)
	if err != nil {
		s.logger.Warn("Open orders unavailable, nothing adopted", "error", err)
		return
	}

	tick := s.cfg.Tick()
	for _, o := range orders {
		if o.Side != core.OrderSideSell || o.Type == core.OrderTypeMarket {
			continue
		}
		qty := o.RemainingQuantity()
		if !qty.IsPositive() {
			continue
		}
		basis := tradingutils.RoundToTick(o.Price.Sub(tradingutils.Ticks(s.cfg.TPTicks, tick)), tick)
		s.state.AdoptTP(book.TakeProfitOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Price:         o.Price,
			Quantity:      qty,
			BuyPrice:      basis,
			CreatedAt:     o.CreatedAt,
			IsPreexisting: true,
		})
		s.logger.Info("Adopted resting sell as TP",
			"order_id", o.OrderID,
			"price", o.Price.String(),
			"quantity", qty.String(),
			"estimated_buy_price", basis.String())
	}
}

func (s *Session) tickLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.tick(ctx)

		s.mu.Lock()
		next := s.cfg.LoopDuration()
		s.mu.Unlock()
		timer.Reset(next)
	}
}

func (s *Session) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

// Tick runs one scheduler pass: poll sweep, repricing check, then ladder
// management and creation.
func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || ctx.Err() != nil {
		return
	}
	defer s.publishGauges()

	s.reconciler.Sweep(ctx, s.cfg.FullTPSweep)

	s.repricer.Check(ctx, s.repricerParams())

	if s.paused || s.repricer.IsActive() {
		return
	}

	ob, err := s.exec.OrderBook(ctx)
	if err != nil {
		s.logger.Warn("Order book unavailable, skipping ladder pass", "error", err)
		return
	}
	lp := s.ladderParams()
	s.ladder.Manage(ctx, ob, lp)
	s.ladder.Create(ctx, ob, lp)
}

func (s *Session) handleEvent(ctx context.Context, ev core.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	defer s.publishGauges()

	switch ev.Kind {
	case core.EventOrderUpdate:
		s.reconciler.HandleOrderUpdate(ctx, ev.Order)
	case core.EventTradeUpdate:
		s.reconciler.HandleTradeUpdate(ctx, ev.Trade)
	case core.EventConnectionState:
		s.handleConnection(ev.Connection)
	}
}

func (s *Session) handleConnection(cs *core.ConnectionState) {
	if cs == nil {
		return
	}
	s.streamConnected = cs.Connected
	if cs.Connected {
		s.streamDegraded = false
		s.logger.Info("Push channel connected", "attempt", cs.Attempt)
	} else if cs.Exhausted {
		s.streamDegraded = true
		s.logger.Error("Push channel reconnect budget exhausted, continuing on poll only",
			"attempts", cs.Attempt, "error", cs.Err)
	} else {
		s.logger.Warn("Push channel disconnected", "attempt", cs.Attempt, "error", cs.Err)
	}
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.Symbol, cs.Connected)
}

func (s *Session) publishGauges() {
	telemetry.GetGlobalMetrics().SetOrderCounts(s.cfg.Symbol, s.state.BuyCount(), s.state.TPCount())
}

func (s *Session) ladderParams() ladder.Params {
	return ladder.Params{
		Tick:            s.cfg.Tick(),
		Quantity:        s.cfg.Quantity(),
		MaxBuyOrders:    s.cfg.MaxBuyOrders,
		OffsetTicks:     s.cfg.OffsetTicks,
		LayerStepTicks:  s.cfg.LayerStepTicks,
		RepriceTicks:    s.cfg.RepriceTicks,
		MaxSellTPOrders: s.cfg.MaxSellTPOrders,
		BuyTTL:          s.cfg.BuyTTLDuration(),
		FillCooldown:    s.cfg.FillCooldown(),
	}
}

func (s *Session) repricerParams() repricer.Params {
	return repricer.Params{
		Tick:     s.cfg.Tick(),
		TPTicks:  s.cfg.TPTicks,
		Interval: s.cfg.RepriceEvery(),
	}
}

func (s *Session) tpParams() tpbook.Params {
	return tpbook.Params{
		Tick:                    s.cfg.Tick(),
		TPTicks:                 s.cfg.TPTicks,
		MaxSellTPOrders:         s.cfg.MaxSellTPOrders,
		AveragingThresholdTicks: s.cfg.AveragingThreshold(),
	}
}

// worker adapts the session to the TP queue
type worker struct {
	s *Session
}

func (w worker) Ready() bool {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.running && !w.s.repricer.IsActive()
}

func (w worker) Process(ctx context.Context, item tpqueue.Item) error {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publishGauges()

	if !s.running || s.repricer.IsActive() {
		return tpqueue.ErrNotReady
	}
	outcome, err := s.tpbook.Create(ctx, item, s.tpParams())
	if err != nil {
		return err
	}
	s.logger.Debug("TP request processed", "outcome", outcome.String(), "buy_price", item.BuyPrice.String())
	return nil
}

// Pause cancels the resting buys and suspends buy creation. TP orders stay.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	if s.paused {
		return ErrCannotPause
	}
	s.paused = true
	s.ladder.CancelAll(ctx, "pause")
	s.publishGauges()
	s.logger.Info("Session paused", "tp_orders", s.state.TPCount())
	return nil
}

// Resume re-enables buy creation
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	if !s.paused {
		return ErrCannotResume
	}
	s.paused = false
	s.logger.Info("Session resumed")
	return nil
}

// UpdateConfig live patches the tunables. Credentials and symbol stay fixed.
func (s *Session) UpdateConfig(patch config.SessionConfig) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrNotRunning
	}
	patch.ApplyDefaults()
	if err := patch.ValidateTunables(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	changes := s.cfg.PatchTunables(patch)
	for _, c := range changes {
		s.logger.Info("Config updated", "change", c)
	}
	return changes, nil
}

// Stop cancels the buys, optionally liquidates, closes the push channel and
// returns the run's history entry. It reports false when the session was not
// running.
func (s *Session) Stop(ctx context.Context) (book.RunHistoryEntry, bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return book.RunHistoryEntry{}, false
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ladder.CancelAll(ctx, "stop")

	if s.cfg.SellAllOnStop {
		s.liquidate(ctx)
	} else {
		s.protectOnStop(ctx)
	}

	if err := s.exchange.StopUserStream(); err != nil {
		s.logger.Warn("Push channel close failed", "error", err)
	}
	s.streamConnected = false
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.Symbol, false)
	telemetry.GetGlobalMetrics().SetRepricingActive(s.cfg.Symbol, false)
	s.publishGauges()
	s.pool.Stop()

	s.stopped = true
	s.endedAt = s.now()
	entry := s.historyEntry()
	s.logger.Info("Session stopped",
		"duration", entry.Duration,
		"buy_filled", s.state.Stats.BuyFilled,
		"sell_filled", s.state.Stats.SellFilled,
		"realized_profit", s.state.Stats.RealizedProfit.String())
	return entry, true
}

// protectOnStop aborts repricing and places plain TP orders, without the
// ceiling, for the unsold repricing quantity, the request deferred behind it
// and every request still queued
func (s *Session) protectOnStop(ctx context.Context) {
	var items []tpqueue.Item
	if rc := s.repricer.Abort(ctx); rc != nil {
		switch {
		case rc.Unresolved:
			s.logger.Error("Repricing order state unknown on stop, not replaced",
				"order_id", rc.OrderID, "buy_price", rc.BuyPrice.String(), "quantity", rc.Quantity.String())
		case rc.Quantity.IsPositive():
			items = append(items, tpqueue.Item{
				BuyPrice:    rc.BuyPrice,
				Quantity:    rc.Quantity,
				TargetPrice: rc.Price,
				EnqueuedAt:  s.now(),
			})
		}
		if rc.Deferred != nil {
			items = append(items, *rc.Deferred)
		}
	}
	items = append(items, s.queue.Drain()...)

	p := s.tpParams()
	p.MaxSellTPOrders = 0
	for _, item := range items {
		if _, err := s.tpbook.Create(ctx, item, p); err != nil {
			s.logger.Error("TP placement failed on stop, quantity left unprotected",
				"buy_price", item.BuyPrice.String(), "quantity", item.Quantity.String(), "error", err)
		}
	}
}

func (s *Session) historyEntry() book.RunHistoryEntry {
	d := s.endedAt.Sub(s.startedAt)
	return book.RunHistoryEntry{
		StartTime:               s.startedAt,
		EndTime:                 s.endedAt,
		Duration:                FormatDuration(d),
		DurationMs:              d.Milliseconds(),
		Symbol:                  s.cfg.Symbol,
		BuyFilled:               s.state.Stats.BuyFilled,
		SellFilled:              s.state.Stats.SellFilled,
		RealizedProfit:          s.state.Stats.RealizedProfit,
		ForcedLiquidationProfit: s.state.Stats.ForcedLiquidationProfit,
		Config: book.ConfigEcho{
			TickSize:     s.cfg.TickSize,
			OrderQty:     s.cfg.OrderQty,
			TPTicks:      s.cfg.TPTicks,
			MaxBuyOrders: s.cfg.MaxBuyOrders,
		},
	}
}

// FormatDuration renders a run length as "Xh Ym Zs"
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%dh %dm %ds", h, m, d/time.Second)
}
