package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/szibis/logs-governor/internal/auth"
	"github.com/szibis/logs-governor/internal/buffer"
	"github.com/szibis/logs-governor/internal/config"
	"github.com/szibis/logs-governor/internal/exporter"
	"github.com/szibis/logs-governor/internal/health"
	"github.com/szibis/logs-governor/internal/ingest"
	"github.com/szibis/logs-governor/internal/logging"
	pebblestore "github.com/szibis/logs-governor/internal/storage/pebble"
	"github.com/szibis/logs-governor/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "logs-governor",
		Short: "Buffer log records and ship them to DynamoDB in batches",
		Long: "logs-governor reads JSON log lines from stdin and Beats batches over lumberjack,\n" +
			"buffers them per table and writes them with BatchWriteItem.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(root.Flags())

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file and print the result as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("validate needs a config file")
			}
			result := config.ValidateFile(path)
			fmt.Fprintln(cmd.OutOrStdout(), result.JSON())
			if !result.Valid {
				return fmt.Errorf("%s is invalid", path)
			}
			return nil
		},
	}
	validateCmd.Flags().StringP("config", "c", "", "Path to YAML configuration file")
	root.AddCommand(validateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "logs-governor %s\n", version)
		},
	})
	return root
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logging.SetLevel(cfg.Level())
	logging.SetFormat(cfg.LogOutputFormat())
	logging.SetResource(map[string]string{"service.name": "logs-governor", "service.version": version})

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("gomemlimit_bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	tel, err := telemetry.Init(parent, cfg.TelemetryConfig(), telemetry.Service{
		Name:    "logs-governor",
		Version: version,
		Table:   cfg.Table,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
			defer cancel()
			logging.SetHook(nil)
			if err := tel.Shutdown(ctx); err != nil {
				logging.Warn("telemetry shutdown error", logging.F("error", err.Error()))
			}
		}()
	}

	writer, closeWriter, err := newWriter(parent, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeWriter(); err != nil {
			logging.Warn("backend close error", logging.F("error", err.Error()))
		}
	}()

	opts, err := cfg.EngineOptions(writer, tel.ErrorHandler(nil))
	if err != nil {
		return err
	}
	engine, err := buffer.New(opts)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	checker := health.New()
	checker.Register("engine", func() error {
		if s := engine.State(); s != buffer.StateActive {
			return fmt.Errorf("engine is %s", s)
		}
		return nil
	})

	// The stats server outlives ingest so /ready reports the drain.
	if cfg.StatsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", auth.Middleware(cfg.StatsAuth(), promhttp.Handler()))
		checker.Mount(mux)
		srv := &http.Server{Addr: cfg.StatsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "paths", "/metrics,/live,/ready"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("stats server error", logging.F("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.LumberjackAddr != "" {
		lj, err := ingest.ListenLumberjack(cfg.LumberjackAddr, engine, cfg.LumberjackOptions())
		if err != nil {
			return err
		}
		logging.Info("lumberjack listener started", logging.F("addr", lj.Addr().String(), "tls", cfg.LumberjackTLSConfig().Enabled))
		g.Go(func() error { return lj.Serve(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return lj.Close()
		})
	}

	// A blocked stdin read cannot be interrupted, so the reader is not part
	// of the group. End of input stops the process unless lumberjack runs.
	if cfg.Stdin {
		go func() {
			n, err := ingest.ReadLines(gctx, os.Stdin, engine, cfg.LineOptions())
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.Error("stdin reader error", logging.F("error", err.Error(), "lines", n))
			} else {
				logging.Info("stdin closed", logging.F("lines", n))
			}
			if cfg.LumberjackAddr == "" {
				cancel()
			}
		}()
	}

	logging.Info("logs-governor started", logging.F(
		"table", cfg.Table,
		"backend", cfg.Backend,
		"stdin", cfg.Stdin,
		"lumberjack_addr", cfg.LumberjackAddr,
		"stats_addr", cfg.StatsAddr,
		"flush_interval", cfg.FlushInterval.String(),
		"exhaustion_policy", cfg.ExhaustionPolicy,
	))

	<-gctx.Done()
	logging.Info("shutting down")
	checker.SetDraining()
	groupErr := g.Wait()

	if err := engine.Drain(context.Background()); err != nil {
		logging.Error("drain failed", logging.F("error", err.Error(), "events", engine.Len()))
		return errors.Join(groupErr, err)
	}
	logging.Info("shutdown complete")
	return groupErr
}

// newWriter returns the BatchWriteItem backend selected by cfg and a func
// releasing it.
func newWriter(ctx context.Context, cfg *config.Config) (exporter.BatchWriter, func() error, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		opts, err := cfg.PebbleOptions()
		if err != nil {
			return nil, nil, err
		}
		store, err := pebblestore.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble store: %w", err)
		}
		return store, store.Close, nil
	default:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		// The engine owns retries and backoff.
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(1))
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		return client, func() error { return nil }, nil
	}
}
