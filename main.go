package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"olmconv/cmd"
	"olmconv/config"
	"olmconv/container"
	"olmconv/decode"
	"olmconv/deliver"
	"olmconv/extract"
	"olmconv/filter"
	"olmconv/model"
	"olmconv/progress"
	"olmconv/render"
	"olmconv/runner"
	"olmconv/state"
	"olmconv/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "olmconv",
		Short: "Extract emails from OLM and mbox archives into portable formats",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting olmconv", "archive", cfg.ArchivePath, "formats", cfg.Formats, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(cmd.StatsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	r := runner.New(logger)
	stats.NewReporter(r, logger)

	reader, err := container.Open(cfg.ArchivePath)
	if err != nil {
		return fmt.Errorf("container.Open: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	renderers, err := render.ForFormats(cfg.Formats)
	if err != nil {
		return err
	}

	total, known := reader.Total()
	bar := progress.New(total, known, cfg.LogLevel)
	progress.NewProgressReporter(r, bar, logger)

	coordinator := extract.New(extract.Options{
		Reader: reader,
		Chain:  decode.NewChain(logger),
		Filter: f,
		JobID:  r.JobID(),
		Source: cfg.ArchivePath,
		Logger: logger,
		Emit:   r.EmitEvent,
	})

	jobErr := r.Run(func(ctx context.Context) error {
		res, err := coordinator.Run(ctx)
		switch {
		case errors.Is(err, extract.ErrNoEmails):
			logger.Info("archive contained no extractable emails", "archive", cfg.ArchivePath)
		case err != nil:
			return err
		}

		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}

		artifacts := render.WriteAll(ctx, res, renderers, cfg.OutputDir, cfg.BaseName, logger, r.EmitEvent)
		var renderErr error
		for _, artifact := range artifacts {
			renderErr = errors.Join(renderErr, artifact.Err)
		}

		if cfg.DeliveryEnabled() {
			if err := deliverRecords(ctx, cfg, reader, res.Records, r.EmitEvent, logger); err != nil {
				return errors.Join(renderErr, err)
			}
		}

		return renderErr
	})

	if jobErr == nil {
		bar.Stop()
	} else {
		bar.Abort()
	}
	return jobErr
}

func deliverRecords(ctx context.Context, cfg config.Config, source deliver.EntrySource, records []model.EmailRecord, emit func(stats.Event), logger *slog.Logger) error {
	// Dry runs keep the tracker in memory only, so rehearsals never
	// poison the delivered-state file.
	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("state.NewFileTracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("closing delivery state failed", "err", err)
		}
	}()

	uploader, err := deliver.NewUploader(deliver.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		TargetFolder:       cfg.TargetFolder,
		DryRun:             cfg.DryRun,
	}, tracker, source, logger, emit)
	if err != nil {
		return fmt.Errorf("deliver.NewUploader: %w", err)
	}

	return uploader.Run(ctx, records)
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("olmconv-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
