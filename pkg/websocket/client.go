// Package websocket provides a reusable WebSocket client with bounded reconnection
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scalper/internal/core"
	"scalper/pkg/telemetry"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned by Send while no connection is open
var ErrNotConnected = errors.New("websocket not connected")

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// URLResolver returns the URL to dial. It runs before every connection
// attempt so that session tokens embedded in the URL can be renewed.
type URLResolver func(ctx context.Context) (string, error)

// State describes a connection transition
type State struct {
	Connected bool
	// Exhausted is set once when the reconnect budget is spent; the client
	// has stopped for good.
	Exhausted bool
	Attempt   int
	Err       error
}

// Options tunes heartbeat and reconnect behavior
type Options struct {
	PingInterval   time.Duration
	PingWait       time.Duration
	PongWait       time.Duration
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	// MaxReconnects bounds consecutive failed attempts; zero retries forever
	MaxReconnects int
}

// DefaultOptions mirror the venue's keepalive expectations
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PingWait:       10 * time.Second,
		PongWait:       60 * time.Second,
		ReconnectDelay: 2 * time.Second,
		ReconnectMax:   30 * time.Second,
		MaxReconnects:  10,
	}
}

// Client is a resilient WebSocket client
type Client struct {
	resolve URLResolver
	handler MessageHandler
	opts    Options

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func(ctx context.Context) error
	onState     func(State)
	started     bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger core.ILogger

	// OTel
	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client dialing a fixed URL
func NewClient(url string, handler MessageHandler, logger core.ILogger, opts Options) *Client {
	return NewResolvingClient(func(context.Context) (string, error) { return url, nil }, handler, logger, opts)
}

// NewResolvingClient creates a client that resolves its URL per attempt
func NewResolvingClient(resolve URLResolver, handler MessageHandler, logger core.ILogger, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of processing WebSocket messages in seconds"))

	if opts.PongWait <= 0 {
		opts.PongWait = DefaultOptions().PongWait
	}
	if opts.PingWait <= 0 {
		opts.PingWait = DefaultOptions().PingWait
	}

	return &Client{
		resolve:     resolve,
		handler:     handler,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.WithField("component", "websocket"),
		tracer:      tracer,
		msgCounter:  msgCounter,
		connCounter: connCounter,
		latencyHist: latencyHist,
	}
}

// SetOnConnected sets the callback run after every successful dial, before
// messages are read. A returned error drops the connection.
func (c *Client) SetOnConnected(cb func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetOnState sets the connection transition callback
func (c *Client) SetOnState(cb func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = cb
}

// Send writes a JSON message over the open connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(message)
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and waits for the loops to exit
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
	}
}

func (c *Client) emit(st State) {
	c.mu.Lock()
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectDelay
	b.MaxInterval = c.opts.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	b := c.newBackOff()
	attempt := 0

	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.connect()
		if err == nil {
			attempt = 0
			b.Reset()
			c.emit(State{Connected: true})

			heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
			if c.opts.PingInterval > 0 {
				c.wg.Add(1)
				go c.heartbeat(heartbeatCtx)
			}
			err = c.readLoop()
			heartbeatCancel()

			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("WebSocket connection lost", "error", err)
		} else {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("WebSocket connect failed", "error", err)
		}

		attempt++
		if c.opts.MaxReconnects > 0 && attempt > c.opts.MaxReconnects {
			c.logger.Error("WebSocket reconnect attempts exhausted", "attempts", c.opts.MaxReconnects)
			c.emit(State{Exhausted: true, Attempt: c.opts.MaxReconnects, Err: err})
			return
		}

		delay := b.NextBackOff()
		c.emit(State{Attempt: attempt, Err: err})
		c.logger.Info("WebSocket reconnecting", "attempt", attempt, "delay", delay.String())

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.opts.PingWait))
			c.writeMu.Unlock()
			if err != nil {
				// a failed ping drops the connection so the run loop reconnects
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect")
	defer span.End()

	c.connCounter.Add(ctx, 1)

	url, err := c.resolve(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("resolve url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Bool("ws.connected", true))

	pongWait := c.opts.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	onConnected := c.onConnected
	c.mu.Unlock()

	if onConnected != nil {
		if err := onConnected(ctx); err != nil {
			c.closeConn()
			return fmt.Errorf("on connected: %w", err)
		}
	}
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() error {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		start := time.Now()
		c.msgCounter.Add(c.ctx, 1)

		if c.handler != nil {
			c.handler(message)
		}

		c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
	}
}
