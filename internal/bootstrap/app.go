// Package bootstrap assembles the process from configuration: telemetry,
// logging, the history store, the gateway factory and the controller.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/exchange/mexc"
	"scalper/internal/infrastructure/health"
	"scalper/internal/infrastructure/server"
	"scalper/internal/store"
	"scalper/internal/trading/session"
	"scalper/pkg/logging"
	"scalper/pkg/telemetry"
	"scalper/pkg/websocket"

	"golang.org/x/sync/errgroup"
)

// App holds the process wide dependencies
type App struct {
	Cfg        *config.Config
	Logger     *logging.ZapLogger
	Telemetry  *telemetry.Telemetry
	History    store.HistoryStore
	Health     *health.HealthManager
	Controller *session.Controller
}

// NewApp builds every dependency described by cfg
func NewApp(cfg *config.Config) (*App, error) {
	// telemetry first: the logger tees into the global otel log provider
	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName, telemetry.Options{
		TraceStdout: cfg.Telemetry.TraceStdout,
		LogStdout:   cfg.Telemetry.LogStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	history, err := openHistory(cfg.System.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}

	ctrl := session.NewController(GatewayFactory(cfg, logger), history, logger, SessionOptions(cfg))

	hm := health.NewHealthManager(logger)
	hm.Register("history", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := history.List(ctx)
		return err
	})
	hm.RegisterOptional("gateway", ctrl.GatewayHealth)
	hm.RegisterOptional("stream", func() error {
		st := ctrl.Status(context.Background())
		if st.Running && st.StreamDegraded {
			return errors.New("push stream degraded, polling only")
		}
		return nil
	})

	return &App{
		Cfg:        cfg,
		Logger:     logger,
		Telemetry:  tel,
		History:    history,
		Health:     hm,
		Controller: ctrl,
	}, nil
}

func openHistory(path string) (store.HistoryStore, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(path)
}

// GatewayFactory builds MEXC gateways for session credentials using the
// venue settings from cfg
func GatewayFactory(cfg *config.Config, logger core.ILogger) session.GatewayFactory {
	ex := cfg.Exchange

	stream := websocket.DefaultOptions()
	if cfg.Timing.StreamReconnectAttempts > 0 {
		stream.MaxReconnects = cfg.Timing.StreamReconnectAttempts
	}
	if cfg.Timing.StreamPingInterval > 0 {
		stream.PingInterval = time.Duration(cfg.Timing.StreamPingInterval) * time.Second
		stream.PongWait = 2 * stream.PingInterval
	}

	return func(sc config.SessionConfig) (core.IExchange, error) {
		return mexc.New(mexc.Config{
			APIKey:             sc.APIKey.Reveal(),
			APISecret:          sc.APISecret.Reveal(),
			BaseURL:            ex.BaseURL,
			WSURL:              ex.WSURL,
			RecvWindowMs:       ex.RecvWindowMs,
			Timeout:            time.Duration(ex.RequestTimeoutMs) * time.Millisecond,
			ListenKeyKeepalive: time.Duration(cfg.Timing.ListenKeyKeepalive) * time.Second,
			Stream:             stream,
		}, logger), nil
	}
}

// SessionOptions maps the timing and exchange sections onto session options
func SessionOptions(cfg *config.Config) session.Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return session.Options{
		EventBuffer:    cfg.Exchange.EventBuffer,
		RateLimit:      cfg.Exchange.RateLimit,
		RateBurst:      cfg.Exchange.RateBurst,
		TPRetryInitial: ms(cfg.Timing.TPRetryInitialMs),
		TPRetryMax:     ms(cfg.Timing.TPRetryMaxMs),
		TPIdlePoll:     ms(cfg.Timing.TPIdlePollMs),
		TestOrderCheck: ms(cfg.Timing.TestOrderCheckMs),
	}
}

// Runner is a component that runs until its context is canceled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// ServerRunner serves the control API until shutdown
func (a *App) ServerRunner() Runner {
	srv := server.NewServer(a.Cfg.Server.Listen, a.Controller, a.Health, a.Logger)
	return RunnerFunc(func(ctx context.Context) error {
		return srv.Run(ctx, a.shutdownTimeout())
	})
}

// AutoStartRunner starts a session from the trading section and waits for
// shutdown
func (a *App) AutoStartRunner() Runner {
	return RunnerFunc(func(ctx context.Context) error {
		if err := a.Controller.Start(ctx, a.Cfg.SessionDefaults()); err != nil {
			return fmt.Errorf("auto start: %w", err)
		}
		<-ctx.Done()
		return nil
	})
}

func (a *App) shutdownTimeout() time.Duration {
	if a.Cfg.Timing.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.Cfg.Timing.ShutdownTimeout) * time.Second
}

// Run starts every runner and blocks until a termination signal or the
// first runner failure, then stops the session and flushes telemetry.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.run(ctx, runners...)
}

func (a *App) run(ctx context.Context, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "name", a.Cfg.App.Name, "listen", a.Cfg.Server.Listen)
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	closeErr := a.Close(shutdownCtx)

	if runErr != nil {
		a.Logger.Error("Application stopped with error", "error", runErr)
		return errors.Join(runErr, closeErr)
	}
	a.Logger.Info("Application shut down gracefully")
	return closeErr
}

// Close stops any running session, closes the history store and flushes
// telemetry
func (a *App) Close(ctx context.Context) error {
	err := a.Controller.Close(ctx)
	if a.Telemetry != nil {
		err = errors.Join(err, a.Telemetry.Shutdown(ctx))
	}
	_ = a.Logger.Sync()
	return err
}
