package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/spicelink/internal/config"
	"github.com/chronologos/spicelink/internal/metrics"
)

// app is the state every subcommand shares once the root has loaded the
// profile.
type app struct {
	configPath  string
	logLevel    string
	metricsAddr string

	cfg      *config.Config
	log      *logrus.Entry
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "spicelink",
		Short: "SPICE link, control socket and VDI port tooling",
		Long: `spicelink speaks the client side of the SPICE remote display protocol.

It can link a channel to a server and dump what arrives, drive a client
through the controller socket, host a foreign menu, and move bytes
through a VDI port shared-memory region.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.setup(cmd) },
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "TOML profile to load")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the profile's log level")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		controllerCmd(a),
		menuCmd(a),
		portCmd(a),
		linkCmd(a),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spicelink: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	a.cfg = cfg
	a.log = logrus.NewEntry(logger).WithField("cmd", cmd.Name())
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	return nil
}

// run calls fn with a context that ends on SIGINT or SIGTERM, serving
// metrics alongside when an address is configured. The metrics server stops
// when fn returns.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(gctx)
	defer cancel()

	if addr := a.cfg.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:    addr,
			Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		}
		context.AfterFunc(ctx, func() { srv.Close() })
		g.Go(func() error {
			a.log.WithField("addr", addr).Info("serving metrics")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		// Interrupted by a signal.
		return nil
	}
	return err
}
