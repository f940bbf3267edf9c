package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chainfund/settlement/internal/chainfund"
	"github.com/chainfund/settlement/internal/config"
	"github.com/chainfund/settlement/internal/settlement"
	"github.com/chainfund/settlement/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "chainfund",
		Usage: "Donation settlement and payout reconciliation service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
			&cli.StringFlag{Name: "instance-id", Usage: "Name used for job leases"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the API, the donation sweep and payout reconciliation",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Usage: "API port"},
					&cli.DurationFlag{Name: "sweep-interval", Usage: "Time between donation sweeps"},
					&cli.DurationFlag{Name: "reconcile-interval", Usage: "Time between payout reconciliations"},
				},
				Action: serve,
			},
			{
				Name:   "sweep",
				Usage:  "Verify stale pending donations once",
				Action: sweep,
			},
			{
				Name:  "reverify",
				Usage: "Re-check failed donations with their provider",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "id", Usage: "Donation id, repeatable"},
					&cli.TimestampFlag{Name: "since", Layout: time.RFC3339, Usage: "Failed donations created at or after (RFC3339)"},
					&cli.TimestampFlag{Name: "until", Layout: time.RFC3339, Usage: "Failed donations created before (RFC3339)"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum donations to re-check"},
					&cli.StringFlag{Name: "actor", Value: "cli", Usage: "Operator recorded in the logs"},
				},
				Action: reverify,
			},
			{
				Name:  "reconcile",
				Usage: "Reconcile processing payouts with the provider",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "payout", Usage: "Reconcile only this payout"},
				},
				Action: reconcile,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if c.IsSet("instance-id") {
		cfg.InstanceID = c.String("instance-id")
	}
	if c.IsSet("port") {
		cfg.APIPort = c.Int("port")
	}
	if c.IsSet("sweep-interval") {
		cfg.SweepInterval = c.Duration("sweep-interval")
	}
	if c.IsSet("reconcile-interval") {
		cfg.ReconcileInterval = c.Duration("reconcile-interval")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads configuration, the logger and the app.
func setup(c *cli.Context) (*chainfund.App, *logger.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %v", err)
	}

	app, err := chainfund.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return app, log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serve(c *cli.Context) error {
	app, log, err := setup(c)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer func() {
		if err := app.Close(); err != nil {
			log.Errorw("Failed to close", "error", err)
		}
	}()

	ctx, stop := signalContext(c.Context)
	defer stop()
	return app.Serve(ctx)
}

func sweep(c *cli.Context) error {
	return oneShot(c, func(ctx context.Context, app *chainfund.App) (interface{}, error) {
		return app.Settlement.Sweep(ctx)
	})
}

func reverify(c *cli.Context) error {
	req := settlement.ReverifyRequest{
		IDs:   c.StringSlice("id"),
		Limit: c.Int("limit"),
		Actor: c.String("actor"),
	}
	if since := c.Timestamp("since"); since != nil {
		req.Since = since.UTC()
	}
	if until := c.Timestamp("until"); until != nil {
		req.Until = until.UTC()
	}
	return oneShot(c, func(ctx context.Context, app *chainfund.App) (interface{}, error) {
		return app.Settlement.Reverify(ctx, req)
	})
}

func reconcile(c *cli.Context) error {
	id := c.String("payout")
	return oneShot(c, func(ctx context.Context, app *chainfund.App) (interface{}, error) {
		if id != "" {
			return app.Reconciler.Reconcile(ctx, id)
		}
		return app.Reconciler.ReconcileAll(ctx)
	})
}

// oneShot runs fn against a fully wired app and prints its report as JSON.
func oneShot(c *cli.Context, fn func(ctx context.Context, app *chainfund.App) (interface{}, error)) error {
	app, log, err := setup(c)
	if err != nil {
		return err
	}
	defer log.Sync()
	app.StartNotifications()
	defer func() {
		if err := app.Close(); err != nil {
			log.Errorw("Failed to close", "error", err)
		}
	}()

	ctx, stop := signalContext(c.Context)
	defer stop()

	report, runErr := fn(ctx, app)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to print report: %w", err)
		}
	}
	return runErr
}
