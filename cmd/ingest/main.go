// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/ingest"
	"github.com/poiesic/ingest/config"
	"github.com/poiesic/ingest/ingestion"
	"github.com/poiesic/ingest/jobs"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ingest",
		Usage: "Chunk documents and vectorize them in the background",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
				EnvVars: []string{"INGEST_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment variables from a .env file (repeatable)",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory",
			},
			&cli.StringFlag{
				Name:  "dsn",
				Usage: "PostgreSQL connection string (selects the postgres store)",
			},
			&cli.StringFlag{
				Name:  "provider",
				Usage: "Embedding provider (openai, gemini)",
			},
			&cli.StringFlag{
				Name:  "embedding-host",
				Usage: "Embedding service host URL",
			},
			&cli.StringFlag{
				Name:  "embedding-model",
				Usage: "Embedding model name",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "Chunk files or text and queue the chunks for vectorization",
				ArgsUsage: "[FILE...]",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "text",
						Usage: "Ingest this text instead of files",
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Document ID (defaults to the file name, or a new UUID for text)",
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Run workers in-process and wait until every job is done",
					},
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Progress polling interval with --wait",
						Value: time.Second,
					},
				},
			},
			{
				Name:   "work",
				Usage:  "Run vectorization workers until interrupted",
				Action: workCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Usage:   "Number of workers (defaults to the config value)",
					},
					&cli.BoolFlag{
						Name:  "once",
						Usage: "Process every claimable chunk, then exit",
					},
					&cli.DurationFlag{
						Name:  "stats-interval",
						Usage: "Log worker statistics this often",
						Value: 30 * time.Second,
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show the progress of jobs",
				ArgsUsage: "JOB_ID...",
				Action:    statusCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "failures",
						Usage: "List failed chunks",
					},
				},
			},
			{
				Name:      "requeue",
				Usage:     "Queue the failed chunks of jobs again",
				ArgsUsage: "JOB_ID...",
				Action:    requeueCommand,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration",
				Action: configCommand,
			},
		},
	}
}

// loadConfig layers the env files, the config file, the environment and
// finally the global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(c.StringSlice("env-file")...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("db") {
		cfg.Store.Backend = config.BackendBadger
		cfg.Store.Path = c.String("db")
	}
	if c.IsSet("dsn") {
		cfg.Store.Backend = config.BackendPostgres
		cfg.Store.DSN = c.String("dsn")
	}
	if c.IsSet("provider") {
		cfg.Embedding.Provider = c.String("provider")
	}
	if c.IsSet("embedding-host") {
		cfg.Embedding.EmbeddingHost = c.String("embedding-host")
	}
	if c.IsSet("embedding-model") {
		cfg.Embedding.EmbeddingModel = c.String("embedding-model")
	}
	if c.IsSet("workers") {
		cfg.Workers.Count = c.Int("workers")
	}
	cfg.Embedding.Normalize()
	return cfg, nil
}

func openService(ctx context.Context, c *cli.Context) (*ingest.Service, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	svc, err := ingest.NewService(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return svc, nil
}

func ingestCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	text := c.String("text")
	if text == "" && c.NArg() == 0 {
		return errors.New("nothing to ingest: pass files or --text")
	}
	if text != "" && c.NArg() > 0 {
		return errors.New("--text cannot be combined with files")
	}
	if c.IsSet("id") && c.NArg() > 1 {
		return errors.New("--id needs exactly one file")
	}

	svc, err := openService(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close()

	var submitted []*ingestion.Job
	record := func(name string, job *ingestion.Job, err error) error {
		switch {
		case errors.Is(err, ingestion.ErrNothingToIngest):
			fmt.Fprintf(c.App.Writer, "%s: already ingested (%d chunks skipped)\n", name, job.Skipped)
			return nil
		case err != nil:
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(c.App.Writer, "%s: job %s, %d chunks queued, %d skipped\n", name, job.ID, len(job.ChunkIDs), job.Skipped)
		submitted = append(submitted, job)
		return nil
	}

	if text != "" {
		job, err := svc.Ingest(ctx, ingestion.Document{ID: c.String("id"), Text: text})
		if err := record("text", job, err); err != nil {
			return err
		}
	}
	for _, path := range c.Args().Slice() {
		job, err := svc.IngestFile(ctx, path, c.String("id"))
		if err := record(path, job, err); err != nil {
			return err
		}
	}

	if !c.Bool("wait") || len(submitted) == 0 {
		return nil
	}
	return waitForJobs(ctx, c, svc, submitted)
}

// waitForJobs runs the worker pool and watches every job until all are
// done.
func waitForJobs(ctx context.Context, c *cli.Context, svc *ingest.Service, submitted []*ingestion.Job) error {
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer svc.Stop()

	interval := c.Duration("interval")
	reports := make([]jobs.Report, len(submitted))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range submitted {
		g.Go(func() error {
			var err error
			if len(submitted) == 1 {
				reports[i], err = svc.Watch(gctx, job.ID, interval, c.App.ErrWriter)
			} else {
				reports[i], err = svc.Wait(gctx, job.ID, interval)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed int
	for _, r := range reports {
		fmt.Fprintln(c.App.Writer, r.String())
		failed += r.Counts.Failed
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d chunks failed", failed), 1)
	}
	return nil
}

func workCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openService(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close()

	pool := svc.Pool()
	if c.Bool("once") {
		n, err := pool.Drain(ctx)
		fmt.Fprintf(c.App.Writer, "processed %d chunks\n", n)
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	slog.Info("workers running, press Ctrl-C to stop", "workers", svc.Config().Workers.Count)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		svc.Stop()
		return nil
	})
	if interval := c.Duration("stats-interval"); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					slog.Info("worker stats", "stats", pool.Stats())
				}
			}
		})
	}
	return g.Wait()
}

func statusCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one job ID is required")
	}
	ctx := c.Context

	svc, err := openService(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, jobID := range c.Args().Slice() {
		report, err := svc.Status(ctx, jobID)
		if err != nil {
			return fmt.Errorf("%s: %w", jobID, err)
		}
		fmt.Fprintln(c.App.Writer, report.String())
		if !c.Bool("failures") || report.Counts.Failed == 0 {
			continue
		}
		failures, err := svc.Failures(ctx, jobID)
		if err != nil {
			return fmt.Errorf("%s: %w", jobID, err)
		}
		for _, f := range failures {
			fmt.Fprintf(c.App.Writer, "  chunk %s (%s #%d): %s\n", f.ChunkID, f.DocumentID, f.Index, f.Error)
		}
	}
	return nil
}

func requeueCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one job ID is required")
	}
	ctx := c.Context

	svc, err := openService(ctx, c)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, jobID := range c.Args().Slice() {
		n, err := svc.Requeue(ctx, jobID)
		if err != nil {
			return fmt.Errorf("%s: %w", jobID, err)
		}
		fmt.Fprintf(c.App.Writer, "%s: %d chunks requeued\n", jobID, n)
	}
	return nil
}

func configCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("configuration is invalid", "err", err)
	}
	data, err := cfg.Redacted().Encode()
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(data)
	return err
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
