package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bus "github.com/glimte/mmate-bus"
	"github.com/glimte/mmate-bus/events"
	"github.com/glimte/mmate-bus/internal/config"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/monitor"
	"github.com/glimte/mmate-bus/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const metricsNamespace = "mmate_bus"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-bus",
		Short: "In-process topic exchange for the todo services",
		Long: `mmate-bus routes todo events through topic exchanges into queues with
manual acknowledgement, TTL expiry and dead-lettering.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/mmate-bus.yaml", "Service configuration file")

	loadConfig := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, cfg.NewLogger(os.Stderr), nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bus with its admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect and declare the exchange topology",
	}

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a topology file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, source, err := resolveTopology(configPath, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d exchanges, %d queues, %d bindings\n",
				source, len(t.Exchanges), len(t.Queues), len(t.Bindings))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Print the effective topology as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _, err := resolveTopology(configPath, args)
			if err != nil {
				return err
			}
			out, err := t.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var amqpURL string
	declareCmd := &cobra.Command{
		Use:   "declare [file]",
		Short: "Declare the topology on a RabbitMQ server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			t, _, err := resolveTopology(configPath, args)
			if err != nil {
				return err
			}
			if amqpURL == "" {
				amqpURL = cfg.AMQPURL
			}
			if amqpURL == "" {
				return fmt.Errorf("%w: no RabbitMQ URL, set --url or %sAMQP_URL", rabbitmq.ErrInvalidConfiguration, config.EnvPrefix)
			}

			connector := rabbitmq.NewConnector(amqpURL,
				rabbitmq.WithLogger(logger),
				rabbitmq.WithMaxRetries(cfg.AMQPMaxRetries),
			)
			return connector.Declare(cmd.Context(), t)
		},
	}
	declareCmd.Flags().StringVarP(&amqpURL, "url", "u", "", "RabbitMQ connection URL")

	topologyCmd.AddCommand(validateCmd, showCmd, declareCmd)
	rootCmd.AddCommand(serveCmd, topologyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveTopology picks the file argument, then the configured path, then
// the built-in todo topology
func resolveTopology(configPath string, args []string) (topology.Topology, string, error) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return topology.Topology{}, "", err
		}
		path = cfg.TopologyPath
	}

	if path == "" {
		t := topology.TodoTopology()
		return t, "built-in todo topology", t.Validate()
	}
	t, err := topology.Load(path)
	if err != nil {
		return topology.Topology{}, "", err
	}
	return t, path, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	t, source := topology.TodoTopology(), "built-in todo topology"
	if cfg.TopologyPath != "" {
		loaded, err := topology.Load(cfg.TopologyPath)
		if err != nil {
			return err
		}
		t, source = loaded, cfg.TopologyPath
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := monitor.NewPrometheusCollector(reg, metricsNamespace)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	client, err := bus.NewClientWithOptions(
		bus.WithLogger(logger),
		bus.WithTopology(t),
		bus.WithMetrics(metrics),
		bus.WithMaxRetries(cfg.DefaultMaxRetries),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	b := client.Broker()
	reg.MustRegister(monitor.NewQueueDepthCollector(b, metricsNamespace))
	requests := monitor.NewRequestCounter(metricsNamespace)
	reg.MustRegister(requests)

	if cfg.LoggingConsumer {
		if _, err := client.Subscribe(ctx, topology.UserNotificationQueue, events.NewLoggingHandler(logger)); err != nil {
			return err
		}
	}

	inspector := monitor.NewQueueInspector(b, monitor.WithDeadLetterQueues(deadLetterQueues(t)...))
	server := monitor.NewServer(b, inspector,
		monitor.WithServerLogger(logger),
		monitor.WithGatherer(reg),
		monitor.WithRequestCounter(requests),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", "addr", cfg.HTTPAddr, "topology", source)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin API: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin API shutdown failed", "error", err)
	}
	return nil
}

// deadLetterQueues returns the queues bound to an exchange that some queue
// dead-letters into
func deadLetterQueues(t topology.Topology) []string {
	dlx := make(map[string]bool)
	for _, q := range t.Queues {
		if q.DeadLetterExchange != "" {
			dlx[q.DeadLetterExchange] = true
		}
	}
	var out []string
	for _, b := range t.Bindings {
		if dlx[b.Exchange] {
			out = append(out, b.Queue)
		}
	}
	return out
}
