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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/oarkflow/minidrive"
	"github.com/oarkflow/minidrive/pkg/config"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/log/oarklog"
	promMetrics "github.com/oarkflow/minidrive/pkg/metrics/prometheus"
	"github.com/oarkflow/minidrive/pkg/mirror"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "minidrive-server",
	Short: "Serve per-user remote storage over the MiniDrive protocol",
	Long: `Serve per-user remote storage over the MiniDrive protocol.

Every user gets a directory below --root, created on first login. Flags
override values from --config.

Examples:
  minidrive-server --port 9000 --root /srv/minidrive
  minidrive-server --config /etc/minidrive.yaml --log-level DEBUG`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "configuration file (yaml, toml or json)")
	f.String("root", "", "storage root holding one directory per user")
	f.String("address", "0.0.0.0", "interface to listen on")
	f.Int("port", 0, "MiniDrive protocol port")
	f.String("log", "stdout", "log output: stdout, stderr or a file path")
	f.String("log-level", "INFO", "log level: DEBUG, INFO, WARN or ERROR")
	f.String("metrics-addr", "", "serve prometheus metrics on this address")
	f.String("sftp-addr", "", "serve the SFTP gateway on this address")
	f.String("sftp-host-key", "", "SFTP host key path, generated when missing")
	f.Duration("idle-timeout", 0, "close sessions idle for this long, 0 disables")
	f.String("chunk-size", "64KiB", "transfer chunk size")
	f.Bool("read-only", false, "refuse every mutating command")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, closer, err := oarklog.Open(oarklog.Config{Level: cfg.Logging.Level, Output: cfg.Logging.Output})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []func(*minidrive.Server){
		minidrive.WithBasePath(cfg.Root),
		minidrive.WithAddress(cfg.Address),
		minidrive.WithPort(cfg.Port),
		minidrive.WithLogger(logger),
		minidrive.WithChunkSize(cfg.ChunkBytes()),
		minidrive.WithMaxFrame(cfg.MaxFrameBytes()),
		minidrive.WithIdleTimeout(cfg.IdleTimeout),
		minidrive.WithReadOnly(cfg.ReadOnly),
	}
	if cfg.SFTP.Address != "" {
		opts = append(opts, minidrive.WithSFTP(cfg.SFTP.Address, cfg.SFTP.HostKey))
	}
	if cfg.Mirror.Enabled {
		m, err := mirror.New(cfg.Mirror.Option, logger.With("component", "mirror"))
		if err != nil {
			return err
		}
		opts = append(opts, minidrive.WithMirror(m))
		logger.Info("Mirror enabled", "bucket", cfg.Mirror.Bucket, "endpoint", cfg.Mirror.Endpoint)
	}
	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, minidrive.WithMetrics(promMetrics.New(reg)))
		metricsServer := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer metricsServer.Close()
	}

	srv := minidrive.New(opts...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()
	logger.Info("MiniDrive server starting", "root", cfg.Root, "port", cfg.Port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, minidrive.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions still running at shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, minidrive.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promMetrics.Handler(reg))
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics listening", "address", addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
