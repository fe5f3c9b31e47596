package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/store"
	"scalper/internal/trading/book"
	"scalper/pkg/logging"

	"github.com/google/uuid"
)

// StatusLogLines is how many recent log records a status carries
const StatusLogLines = 50

// ErrTestInProgress rejects lifecycle calls while a test order runs
var ErrTestInProgress = errors.New("test order in progress")

// GatewayFactory builds an exchange gateway for a session's credentials
type GatewayFactory func(cfg config.SessionConfig) (core.IExchange, error)

// Controller owns the current session, the run history and the log tail.
// At most one session runs at a time.
type Controller struct {
	opMu sync.Mutex // serializes start, stop and config changes

	mu      sync.Mutex
	current *Session
	testing bool

	factory GatewayFactory
	history store.HistoryStore
	logger  *logging.TailLogger
	opts    Options
}

// NewController creates a controller with no session
func NewController(factory GatewayFactory, history store.HistoryStore, logger core.ILogger, opts Options) *Controller {
	if history == nil {
		history = store.NewMemoryStore()
	}
	return &Controller{
		factory: factory,
		history: history,
		logger:  logging.NewTailLogger(logger, logging.DefaultTailCapacity),
		opts:    opts.withDefaults(),
	}
}

func (c *Controller) session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) running() *Session {
	s := c.session()
	if s == nil || !s.Running() {
		return nil
	}
	return s
}

// Start validates cfg and starts a fresh session
func (c *Controller) Start(ctx context.Context, cfg config.SessionConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.running() != nil {
		return ErrAlreadyRunning
	}
	c.mu.Lock()
	testing := c.testing
	c.mu.Unlock()
	if testing {
		return ErrTestInProgress
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	exchange, err := c.factory(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	s := New(cfg, exchange, c.logger, c.opts)
	if err := s.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	return nil
}

// Stop stops the running session and records its history. Stopping an idle
// controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s := c.running()
	if s == nil {
		return nil
	}
	entry, ok := s.Stop(ctx)
	if !ok {
		return nil
	}
	entry.ID = uuid.NewString()
	if err := c.history.Append(ctx, entry); err != nil {
		c.logger.Error("Failed to record run history", "error", err)
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// Pause cancels resting buys and suspends buy creation
func (c *Controller) Pause(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s := c.running()
	if s == nil {
		return ErrNotRunning
	}
	return s.Pause(ctx)
}

// Resume re-enables buy creation
func (c *Controller) Resume() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s := c.running()
	if s == nil {
		return ErrNotRunning
	}
	return s.Resume()
}

// UpdateConfig live patches the running session's tunables
func (c *Controller) UpdateConfig(patch config.SessionConfig) ([]string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s := c.running()
	if s == nil {
		return nil, ErrNotRunning
	}
	return s.UpdateConfig(patch)
}

// Status reports the current or last session with the log tail and history
func (c *Controller) Status(ctx context.Context) Status {
	var st Status
	if s := c.session(); s != nil {
		st = s.Snapshot()
	}
	st.Logs = c.logger.Tail(StatusLogLines)

	history, err := c.history.List(ctx)
	if err != nil {
		c.logger.Warn("Run history unavailable", "error", err)
	}
	st.History = history
	return st
}

// GatewayHealth reports the running session's recent exchange call error
// rate; an idle controller is healthy
func (c *Controller) GatewayHealth() error {
	s := c.running()
	if s == nil {
		return nil
	}
	return s.exec.CheckHealth()
}

// History returns the run history, newest first
func (c *Controller) History(ctx context.Context) ([]book.RunHistoryEntry, error) {
	return c.history.List(ctx)
}

// ClearHistory drops every run history entry
func (c *Controller) ClearHistory(ctx context.Context) error {
	if err := c.history.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("Run history cleared")
	return nil
}

// ClearStats forgets the last session's statistics and the log tail. It is
// rejected while a session runs.
func (c *Controller) ClearStats() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.running() != nil {
		return ErrAlreadyRunning
	}
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.logger.Reset()
	return nil
}

// Balances returns the account balances for cfg's credentials
func (c *Controller) Balances(ctx context.Context, cfg config.SessionConfig) ([]core.Balance, error) {
	exchange, err := c.gateway(cfg)
	if err != nil {
		return nil, err
	}
	return exchange.GetBalances(ctx)
}

// OrderBook returns the top of book for cfg's symbol. Depth is public, so
// credentials are optional.
func (c *Controller) OrderBook(ctx context.Context, cfg config.SessionConfig) (*core.OrderBook, error) {
	cfg.ApplyDefaults()
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	exchange, err := c.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	return exchange.GetOrderBook(ctx, cfg.Symbol)
}

func (c *Controller) gateway(cfg config.SessionConfig) (core.IExchange, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: API key and secret are required", ErrInvalidConfig)
	}
	return c.factory(cfg)
}

// Close stops any running session and closes the history store
func (c *Controller) Close(ctx context.Context) error {
	stopErr := c.Stop(ctx)
	return errors.Join(stopErr, c.history.Close())
}
