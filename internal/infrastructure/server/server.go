// Package server exposes the bot control surface over HTTP
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/trading/book"
	"scalper/internal/trading/session"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes = 1 << 20
	// stop may market sell every lot, each waiting up to marketSellTimeout
	teardownTimeout = 10 * time.Minute
)

// Bot is the controller surface the routes drive
type Bot interface {
	Start(ctx context.Context, cfg config.SessionConfig) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume() error
	UpdateConfig(patch config.SessionConfig) ([]string, error)
	Status(ctx context.Context) session.Status
	History(ctx context.Context) ([]book.RunHistoryEntry, error)
	ClearHistory(ctx context.Context) error
	ClearStats() error
	TestSingleOrder(ctx context.Context, cfg config.SessionConfig) (*session.TestOrderResult, error)
	Balances(ctx context.Context, cfg config.SessionConfig) ([]core.Balance, error)
	OrderBook(ctx context.Context, cfg config.SessionConfig) (*core.OrderBook, error)
}

// Response is the envelope of every API reply
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Server serves the control API, /health and /metrics
type Server struct {
	addr   string
	bot    Bot
	hm     core.IHealthMonitor
	logger core.ILogger
	srv    *http.Server
}

// NewServer creates a control server; hm may be nil
func NewServer(addr string, bot Bot, hm core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		addr:   addr,
		bot:    bot,
		hm:     hm,
		logger: logger.WithField("component", "control_server"),
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/bot/status", s.handleStatus)
	mux.HandleFunc("POST /api/bot/start", s.handleStart)
	mux.HandleFunc("POST /api/bot/stop", s.handleStop)
	mux.HandleFunc("POST /api/bot/pause", s.handlePause)
	mux.HandleFunc("POST /api/bot/resume", s.handleResume)
	mux.HandleFunc("POST /api/bot/test", s.handleTest)
	mux.HandleFunc("POST /api/bot/update-config", s.handleUpdateConfig)
	mux.HandleFunc("POST /api/bot/clear-stats", s.handleClearStats)
	mux.HandleFunc("GET /api/bot/history", s.handleHistory)
	mux.HandleFunc("POST /api/bot/clear-history", s.handleClearHistory)
	mux.HandleFunc("POST /api/wallet/balance", s.handleBalance)
	mux.HandleFunc("POST /api/orderbook", s.handleOrderBook)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withCORS(s.withLogging(mux))
}

// Run serves until ctx is canceled, then shuts down within the grace period
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, grace)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting control server", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, message string, data interface{}) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// fail maps controller errors onto status codes
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrCannotPause),
		errors.Is(err, session.ErrCannotResume),
		errors.Is(err, session.ErrTestInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, Response{Success: false, Message: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "", s.bot.Status(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg config.SessionConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.bot.Start(r.Context(), cfg); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "Bot started", nil)
}

// teardown is the request context detached from client cancellation
func (s *Server) teardown(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), teardownTimeout)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.teardown(r)
	defer cancel()
	if err := s.bot.Stop(ctx); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "Bot stopped", s.bot.Status(r.Context()))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.teardown(r)
	defer cancel()
	if err := s.bot.Pause(ctx); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "Bot paused", nil)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.Resume(); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "Bot resumed", nil)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var cfg config.SessionConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	res, err := s.bot.TestSingleOrder(r.Context(), cfg)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: res.Success, Message: res.Message, Data: res})
}

// handleUpdateConfig merges the body over the running config, so omitted
// fields keep their current values
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.SessionConfig
	if st := s.bot.Status(r.Context()); st.Running && st.Config != nil {
		patch = *st.Config
	}
	if !s.decode(w, r, &patch) {
		return
	}
	changes, err := s.bot.UpdateConfig(patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	if changes == nil {
		changes = []string{}
	}
	s.ok(w, "Config updated", changes)
}

func (s *Server) handleClearStats(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.ClearStats(); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "Stats cleared", nil)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.bot.History(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if history == nil {
		history = []book.RunHistoryEntry{}
	}
	s.ok(w, "", history)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.ClearHistory(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "History cleared", nil)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var cfg config.SessionConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	balances, err := s.bot.Balances(r.Context(), cfg)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "", balances)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	var cfg config.SessionConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	ob, err := s.bot.OrderBook(r.Context(), cfg)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "", ob)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.bot.Status(r.Context())
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
		"session": map[string]interface{}{
			"running":          st.Running,
			"paused":           st.Paused,
			"stream_connected": st.StreamConnected,
			"stream_degraded":  st.StreamDegraded,
			"active_buys":      len(st.BuyOrders),
			"active_tps":       len(st.TPOrders),
		},
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health)
}
