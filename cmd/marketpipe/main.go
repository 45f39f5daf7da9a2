package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/imancn/marketpipe/internal/checkpoint"
	"github.com/imancn/marketpipe/internal/config"
	"github.com/imancn/marketpipe/internal/jobs"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/migrate"
	"github.com/imancn/marketpipe/internal/store"
	"github.com/imancn/marketpipe/internal/version"
	"github.com/imancn/marketpipe/migrations"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override log format (text, json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run a registered job once over its incremental window",
				ArgsUsage: "<job>",
				Action:    runJob,
			},
			{
				Name:      "backfill",
				Usage:     "Rerun a job bucket by bucket over recent history",
				ArgsUsage: "<job>",
				Action:    runBackfill,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "buckets",
						Value: 24,
						Usage: "Number of historical buckets before the current one",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress bar",
					},
				},
			},
			{
				Name:   "jobs",
				Usage:  "List registered jobs",
				Action: listJobs,
			},
			{
				Name:   "history",
				Usage:  "Show recent run history",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to show",
					},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending schema migrations to the target database",
				Action: runMigrations,
			},
			{
				Name:   "crontab",
				Usage:  "Print crontab lines for all registered jobs",
				Action: printCrontab,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "bin",
						Value: "/usr/local/bin/marketpipe",
						Usage: "Binary path to embed in the crontab lines",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads config, configures logging, and opens the store and state.
// Callers own the returned resources.
func setup(c *cli.Context) (*config.Config, *store.Postgres, *checkpoint.State, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	lvl, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.SetLevel(lvl)
	logging.SetFormat(cfg.Logging.Format)

	st, err := store.NewPostgres(c.Context, store.PostgresConfig{
		Host:     cfg.Target.Host,
		Port:     cfg.Target.Port,
		Database: cfg.Target.Database,
		User:     cfg.Target.User,
		Password: cfg.Target.Password,
		SSLMode:  cfg.Target.SSLMode,
		MaxConns: cfg.Target.MaxConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to target: %w", err)
	}

	state, err := checkpoint.Open(cfg.StatePath)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("failed to open state: %w", err)
	}
	return cfg, st, state, nil
}

// checkEndpoints fails fast before any extraction starts: a dead target
// or state database should stop a run up front, not mid-batch.
func checkEndpoints(ctx context.Context, st *store.Postgres, state *checkpoint.State) error {
	return store.CheckAll(ctx, map[string]store.Pinger{
		"target": st,
		"state":  state,
	})
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. Finishing current batch...")
		cancel()
	}()
	return ctx, cancel
}

func runJob(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("usage: marketpipe run <job>")
	}

	cfg, st, state, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()
	defer state.Close()

	set, err := jobs.Build(cfg, st, state)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := checkEndpoints(ctx, st, state); err != nil {
		return err
	}
	return set.Registry.Run(ctx, name)
}

func runBackfill(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("usage: marketpipe backfill <job>")
	}

	cfg, st, state, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()
	defer state.Close()

	set, err := jobs.Build(cfg, st, state)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := checkEndpoints(ctx, st, state); err != nil {
		return err
	}

	res, err := set.Backfill(ctx, name, c.Int("buckets"), !c.Bool("no-progress"))
	fmt.Printf("Backfill %s: %d invocations, %d failed\n", name, res.Invocations, res.Failed)
	return err
}

func listJobs(c *cli.Context) error {
	cfg, st, state, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()
	defer state.Close()

	set, err := jobs.Build(cfg, st, state)
	if err != nil {
		return err
	}

	for name, d := range set.Registry.List() {
		last := "never run"
		if r, err := state.LastRun(name); err == nil && r != nil {
			last = fmt.Sprintf("%s %s", r.Status, r.StartedAt.Format("2006-01-02 15:04"))
		}
		fmt.Printf("%-24s %-14s %-32s %s\n", name, d.Schedule, last, d.Description)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	state, err := checkpoint.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	defer state.Close()

	runs, err := state.History(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-24s %-11s %-9s %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Job, r.Mode, r.Status, r.Error)
	}
	return nil
}

func runMigrations(c *cli.Context) error {
	_, st, state, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()
	defer state.Close()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := migrate.Apply(ctx, st, migrations.Files)
	if err != nil {
		return err
	}
	fmt.Printf("Applied %d migrations\n", n)
	return nil
}

func printCrontab(c *cli.Context) error {
	cfg, st, state, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()
	defer state.Close()

	set, err := jobs.Build(cfg, st, state)
	if err != nil {
		return err
	}

	fmt.Print(set.Registry.Crontab(c.String("bin")))
	return nil
}
