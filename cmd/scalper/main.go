package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scalper/internal/bootstrap"
	"scalper/internal/config"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "scalper",
		Usage:   "MEXC spot scalping engine with an HTTP control surface",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/scalper.yaml",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"SCALPER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before the configuration is expanded",
			},
		},
		Before: func(c *cli.Context) error {
			// a missing dotenv file is fine; the environment may be set already
			if err := godotenv.Load(c.String("env-file")); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", c.String("env-file"), err)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the control server, optionally auto starting a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "override server.listen"},
					&cli.BoolFlag{Name: "auto-start", Usage: "start a session from the trading section"},
				},
				Action: serve,
			},
			{
				Name:   "test-order",
				Usage:  "place one test buy with its take profit and exit",
				Action: testOrder,
			},
			{
				Name:   "check-config",
				Usage:  "validate the configuration and print it with secrets redacted",
				Action: checkConfig,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "scalper: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if c.Bool("auto-start") {
		cfg.App.AutoStart = true
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		return err
	}

	app.Logger.Info("Starting scalper", "version", version, "exchange", cfg.Exchange.Name, "listen", cfg.Server.Listen)

	runners := []bootstrap.Runner{app.ServerRunner()}
	if cfg.App.AutoStart {
		runners = append(runners, app.AutoStartRunner())
	}
	return app.Run(runners...)
}

func testOrder(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Close(context.Background())

	res, err := app.Controller.TestSingleOrder(ctx, cfg.SessionDefaults())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !res.Success {
		return cli.Exit(res.Message, 2)
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Print(cfg.String())
	return nil
}
