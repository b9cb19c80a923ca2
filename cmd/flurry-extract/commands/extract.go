package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flurry-extract/internal/checkpoint"
	"flurry-extract/internal/components/chrono"
	"flurry-extract/internal/components/telemetry"
	"flurry-extract/internal/config"
	"flurry-extract/internal/extract"
	"flurry-extract/internal/flurry"
	"flurry-extract/internal/ratelimit"
	"flurry-extract/internal/sink"

	"github.com/spf13/cobra"
)

var (
	extractOutput  string
	extractDumpDir string
)

func init() {
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "Append records to this file instead of stdout.")
	extractCmd.Flags().StringVar(&extractDumpDir, "dump-http", "", "Write every HTTP exchange to a file in this directory.")
	rootCmd.AddCommand(extractCmd)
}

var extractCmd = &cobra.Command{
	Use:   "extract [--output <path>] [--dump-http <dir>]",
	Short: "Extracts every fully elapsed day of events since the stored checkpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		otel, err := telemetry.Setup(ctx, "flurry-extract", cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			err := otel.Shutdown(ctx)
			if err != nil {
				slog.Warn("failed to flush telemetry", "err", err)
			}
		}()

		return runExtract(ctx, cfg, extractOutput, extractDumpDir)
	},
}

func runExtract(ctx context.Context, cfg config.Config, output, dumpDir string) error {
	tel := telemetry.SlogAPI{}

	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		return err
	}

	clientOpts := cfg.ClientOptions()
	if dumpDir != "" {
		dump, err := telemetry.NewFilesystemOutput(dumpDir)
		if err != nil {
			return err
		}
		clientOpts.DumpOutput = dump
	}
	client, err := flurry.NewClient(clientOpts, tel)
	if err != nil {
		return err
	}

	db, err := checkpoint.OpenDB(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := checkpoint.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}
	cp, seeded, err := checkpoint.LoadOrInit(ctx, store, cfg.InitialCheckpoint())
	if err != nil {
		return err
	}
	if seeded {
		slog.Info("seeded checkpoint from extract_position", "checkpoint", cp.String())
	} else {
		slog.Info("resuming from stored checkpoint", "checkpoint", cp.String())
	}

	var out sink.Sink = sink.Stdout()
	if output != "" {
		file, err := sink.OpenFile(output)
		if err != nil {
			return err
		}
		defer func() {
			err := file.Close()
			if err != nil {
				slog.Error("failed to close output file", "err", err)
			}
		}()
		out = file
	}

	engine := extract.NewEngine(extract.Options{
		Session:         client,
		Store:           store,
		Sink:            out,
		Limiter:         ratelimit.New(cfg.DelayPerOverlimit()),
		Time:            clock,
		DelayPerRequest: cfg.DelayPerRequest(),
	}, tel)

	start := time.Now()
	reason, err := engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Warn("extraction interrupted, resume from the stored checkpoint")
		return err
	}
	if err != nil {
		return err
	}

	switch reason {
	case extract.RateLimitedTwice:
		slog.Warn("rate limited twice in a row, stopping until the next run", "elapsed", time.Since(start))
	default:
		slog.Info("extraction finished", "reason", reason.String(), "elapsed", time.Since(start))
	}
	return nil
}
