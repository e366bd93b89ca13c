package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowtrack/internal/config"
	"firestige.xyz/flowtrack/internal/export"
	"firestige.xyz/flowtrack/internal/metrics"
	"firestige.xyz/flowtrack/internal/pipeline"
	"firestige.xyz/flowtrack/internal/source"
	"firestige.xyz/flowtrack/internal/source/file"
)

const exportStopTimeout = 30 * time.Second

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Track the streams of a pcap or pcapng capture",
	Long: `Read a pcap or pcapng capture, track every stream in it and export one
record per finished stream. Streams still open at the end of the capture are
flushed.

Examples:
  flowtrack replay trace.pcap
  flowtrack replay -c flowtrack.yml --workers 4 trace.pcapng`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()
		if replayWorkers > 0 {
			cfg.Workers.Count = replayWorkers
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stats, err := runReplay(ctx, cfg, args[0], cmd.OutOrStdout())
		fmt.Fprintf(cmd.ErrOrStderr(), "packets=%d decoded=%d decode_errors=%d streams=%d dropped=%d\n",
			stats.Received, stats.Decoded, stats.DecodeErrors, stats.FlowsFinished, stats.RecordsDropped)
		return err
	},
}

var replayWorkers int

func init() {
	replayCmd.Flags().IntVarP(&replayWorkers, "workers", "w", 0,
		"number of workers (overrides workers.count)")
}

// runReplay drives one capture file through the engine. Console records are
// written to out.
func runReplay(ctx context.Context, cfg *config.GlobalConfig, path string, out io.Writer) (pipeline.Stats, error) {
	src, err := file.Open(path)
	if err != nil {
		return pipeline.Stats{}, err
	}
	defer src.Close()
	return runSource(ctx, cfg, src, path, out)
}

// runSource runs the engine over src until it is exhausted, then drains the
// exporters.
func runSource(ctx context.Context, cfg *config.GlobalConfig, src source.Source, name string, out io.Writer) (pipeline.Stats, error) {
	exCfg := cfg.ExportersConfig()
	exCfg.Console.Writer = out
	exporters, err := export.Build(exCfg)
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("build exporters: %w", err)
	}
	dispatcher := export.NewDispatcher(cfg.DispatcherConfig(), exporters...)
	dispatcher.Start()

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := ms.Start(ctx); err != nil {
			slog.Warn("metrics server not started", "error", err)
		} else {
			defer ms.Stop(context.Background())
		}
	}

	engine, err := pipeline.NewEngine(cfg.Workers.Count, cfg.PipelineConfig(), dispatcher)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), exportStopTimeout)
		defer cancel()
		return pipeline.Stats{}, errors.Join(err, dispatcher.Stop(stopCtx))
	}

	slog.Info("engine started", "source", name, "workers", cfg.Workers.Count)
	start := time.Now()
	runErr := engine.Run(ctx, src)

	stopCtx, cancel := context.WithTimeout(context.Background(), exportStopTimeout)
	defer cancel()
	stopErr := dispatcher.Stop(stopCtx)

	stats := engine.Stats()
	slog.Info("engine finished",
		"source", name,
		"elapsed", time.Since(start),
		"packets", stats.Received,
		"streams", stats.FlowsFinished,
		"exported", dispatcher.Exported(),
		"dropped", dispatcher.Dropped())
	return stats, errors.Join(runErr, stopErr)
}
