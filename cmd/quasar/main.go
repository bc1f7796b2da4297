package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/internal/pipeline"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/resource"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("QUASAR")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - adaptive batch export pipeline",
		Long: `Quasar exports time-bounded intervals of a dataset to files or
warehouses through an adaptively scaled streaming pipeline. Runs are
resumable: progress is checkpointed as committed sub-ranges, and a
restarted run exports only the gaps.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Quasar v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newExportCmd(v, false))
	root.AddCommand(newExportCmd(v, true))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newExportCmd builds the export command, or its resume variant which
// requires an existing checkpoint.
func newExportCmd(v *viper.Viper, resume bool) *cobra.Command {
	var (
		configPath     string
		runID          string
		checkpointPath string
		metricsAddr    string
	)

	use, short := "export", "Run an export"
	if resume {
		use, short = "resume", "Resume a previously interrupted export"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if lvl := v.GetString("log_level"); lvl != "" {
				cfg.Logging.Level = lvl
			}
			if err := logger.Init(logger.Config{
				Level:       cfg.Logging.Level,
				Development: cfg.Logging.Development,
				Encoding:    cfg.Logging.Encoding,
			}); err != nil {
				return err
			}
			defer logger.Sync()

			if runID == "" {
				runID = time.Now().UTC().Format("20060102T150405")
			}
			if checkpointPath == "" {
				checkpointPath = ".quasar/" + cfg.Name + ".checkpoint"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runExport(ctx, cfg, runID, checkpointPath, metricsAddr, resume)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "export.yaml", "Path to the export configuration")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (default: current timestamp)")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint file path (default: .quasar/<name>.checkpoint)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on (disabled when empty)")
	return cmd
}

func runExport(ctx context.Context, cfg *config.ExportConfig, runID, checkpointPath, metricsAddr string, resume bool) error {
	store := checkpoint.NewFileStore(checkpointPath)
	tracker := checkpoint.NewTracker()
	if payload, found, err := store.Load(ctx); err != nil {
		return err
	} else if found {
		restored, err := checkpoint.Restore(payload)
		if err != nil {
			return err
		}
		tracker = restored
		logger.Info("restored checkpoint",
			zap.String("path", checkpointPath),
			zap.Int("done_ranges", len(tracker.DoneRanges())),
			zap.Int64("records_completed", tracker.RecordsCompleted()))
	} else if resume {
		logger.Warn("no checkpoint found, starting fresh", zap.String("path", checkpointPath))
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg, cfg.Name)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg)
	}

	codec, err := compression.Parse(cfg.Compression.Codec)
	if err != nil {
		return err
	}
	limits := resource.NewLimits(cfg.Pipeline.MaxConnections, cfg.Pipeline.EncodeWorkers)

	src, err := buildSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	transformers, err := buildTransformers(cfg, limits, codec)
	if err != nil {
		return err
	}
	sinks, err := buildSinkFactory(ctx, cfg, limits, runID, codec)
	if err != nil {
		return err
	}

	run := pipeline.NewRun(pipeline.RunConfig{
		RunID: runID,
		Interval: checkpoint.DateRange{
			Start: cfg.Interval.Start,
			End:   cfg.Interval.End,
		},
		QueueBytes: cfg.Pipeline.QueueBytes,
		Producer: pipeline.ProducerConfig{
			MaxBatchBytes:   cfg.Pipeline.MaxBatchBytes,
			MinRowsPerBatch: cfg.Pipeline.MinRowsPerBatch,
		},
		Pool: pipeline.PoolConfig{
			Target:         cfg.Pool.TargetDuration,
			Min:            cfg.Pool.MinConsumers,
			Max:            cfg.Pool.MaxConsumers,
			PollInterval:   cfg.Pool.PollInterval,
			TrackingWindow: cfg.Pool.TrackingWindow,
			GracePeriod:    cfg.Pool.GracePeriod,
		},
		HeartbeatInterval: 30 * time.Second,
	}, src, transformers, sinks, tracker, store, met)

	return run.Execute(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
