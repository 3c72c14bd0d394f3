package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/api"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/app"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/telemetry"
)

// newRunCmd creates the 'run' subcommand, which executes the pipeline once and exits.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Builds every queue, worker and pool declared in the config, runs the source to
exhaustion, terminates the queues it fed and waits for every pool to stop. When
server.enabled is set, /healthz, /readyz, /metrics and /v1/pipeline are served
for the duration of the run.`,
		RunE: runPipeline,
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	start := time.Now()
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			Exporter:    cfg.Tracing.Exporter,
			SampleRatio: cfg.Tracing.SampleRatio,
			Writer:      cmd.ErrOrStderr(),
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Server.Enabled {
		srv := api.NewServer(a, a.Logger())
		g.Go(func() error {
			return srv.Serve(gctx, fmt.Sprintf(":%d", cfg.Server.Port))
		})
	}
	g.Go(func() error {
		// The ops server lives exactly as long as the pipeline.
		defer cancel()
		return a.Run(gctx)
	})

	err = g.Wait()
	a.Logger().Info("Time taken", zap.Duration("elapsed", time.Since(start)), zap.Bool("ok", err == nil))
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	return nil
}
