// ============================================================================
// Distributed Task Queue — Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra-based CLI for the queue broker: a root command with a
// --config persistent flag and run/enqueue/status subcommands. YAML config
// is loaded once per invocation; each command opens its own broker over
// the configured backing store. Workers dequeue directly
// against the shared Redis backing store, with no separate control plane.
//
// Commands:
//   run      - start Config.Broker.MaxConcurrency workers against the
//              configured broker, with a /metrics sidecar if enabled
//   enqueue  - read a JSON array of {id, data, priority, delay, max_retries}
//              and AddJob each one
//   status   - print a GetStats() snapshot for the configured queue name
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Michyjones/distributed-task-queue/internal/broker"
	"github.com/Michyjones/distributed-task-queue/internal/config"
	"github.com/Michyjones/distributed-task-queue/internal/events"
	"github.com/Michyjones/distributed-task-queue/internal/metrics"
	"github.com/Michyjones/distributed-task-queue/internal/store"
	"github.com/Michyjones/distributed-task-queue/internal/worker"
	"github.com/Michyjones/distributed-task-queue/pkg/queue"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskqueue",
		Short: "taskqueue: a distributed task queue broker",
		Long: `taskqueue is a distributed task queue broker backed by Redis:
- at-least-once delivery with bounded exponential-backoff retries
- priority and delayed dispatch
- stalled-job recovery for crashed workers`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig reads configFile, falling back to defaults if it does not
// exist — a bare `taskqueue run` against a local Redis should just work.
func loadConfig() config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Warn("using default configuration", "config_file", configFile, "error", err)
		return config.Default()
	}
	return cfg
}

func openBroker(ctx context.Context, cfg config.Config, bus *events.Bus) (*broker.Broker, store.Store, error) {
	st, err := store.NewRedisStore(ctx, cfg.Store.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to store: %w", err)
	}

	b := broker.New(st, broker.Config{
		Name:            cfg.Broker.Name,
		MaxRetries:      cfg.Broker.MaxRetries,
		RetryDelay:      time.Duration(cfg.Broker.RetryDelay),
		RetryBackoff:    cfg.Broker.RetryBackoff,
		JobTimeout:      time.Duration(cfg.Broker.JobTimeout),
		CleanupInterval: time.Duration(cfg.Broker.CleanupInterval),
		MaxConcurrency:  cfg.Broker.MaxConcurrency,
	}, broker.WithBus(bus))

	return b, st, nil
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the broker's maintenance loop and a worker pool",
		Long:  "Starts the maintenance loop and Broker.Config.MaxConcurrency workers, each running an echo processor that returns the job payload as its result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(cmd.Context())
		},
	}
	return cmd
}

func runSystem(ctx context.Context) error {
	cfg := loadConfig()
	bus := events.New()
	collector := metrics.NewCollector()
	wireMetrics(bus, collector)
	wireLogging(bus)

	b, st, err := openBroker(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.Run(ctx)

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := collector.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	workers := make([]*worker.Worker, 0, cfg.Broker.MaxConcurrency)
	for i := 0; i < cfg.Broker.MaxConcurrency; i++ {
		id := fmt.Sprintf("worker-%d", i)
		w := worker.New(id, b, echoProcessor, worker.WithBus(bus), worker.WithIdleInterval(time.Duration(cfg.Worker.IdleInterval)))
		workers = append(workers, w)
		go w.Run(ctx)
	}

	slog.Info("system started", "workers", len(workers), "queue", cfg.Broker.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping")
	for _, w := range workers {
		w.Stop()
	}
	cancel()
	return b.Close()
}

// echoProcessor is the default processor used by `run` when no embedding
// program has supplied one: it round-trips the payload as the result. A
// real deployment wires Worker.New to an application-specific Processor;
// this CLI's purpose is demonstrating the broker/worker wiring, not
// prescribing business logic.
func echoProcessor(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func wireMetrics(bus *events.Bus, c *metrics.Collector) {
	bus.On(events.EventJobAdded, func(events.Event) { c.RecordJobAdded() })
	bus.On(events.EventJobCompleted, func(events.Event) { c.RecordJobCompleted(0) })
	bus.On(events.EventJobFailed, func(events.Event) { c.RecordJobFailed() })
	bus.On(events.EventJobRetry, func(events.Event) { c.RecordJobRetried() })
	bus.On(events.EventJobsRecovered, func(ev events.Event) { c.RecordJobsRecovered(ev.Count) })
}

func wireLogging(bus *events.Bus) {
	bus.On(events.EventError, func(ev events.Event) {
		slog.Error("broker/worker error", "error", ev.Err, "worker", ev.Worker)
	})
	bus.On(events.EventJobFailed, func(ev events.Event) {
		slog.Warn("job failed permanently", "job", ev.JobID)
	})
	bus.On(events.EventJobsRecovered, func(ev events.Event) {
		slog.Warn("recovered stalled jobs", "count", ev.Count)
	})
}

type enqueueInput struct {
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Priority   int             `json:"priority"`
	Delay      int64           `json:"delay"`
	MaxRetries int             `json:"max_retries"`
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read a JSON array of job definitions and AddJob each one against the configured broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return enqueueJobs(cmd.Context(), jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueJobs(ctx context.Context, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var inputs []enqueueInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}

	cfg := loadConfig()
	b, st, err := openBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	succeeded := 0
	for _, in := range inputs {
		id, err := b.AddJob(ctx, in.Data, queue.AddOptions{
			JobID:      in.ID,
			Priority:   in.Priority,
			Delay:      in.Delay,
			MaxRetries: in.MaxRetries,
		})
		if err != nil {
			slog.Error("failed to enqueue job", "job", in.ID, "error", err)
			continue
		}
		slog.Info("enqueued job", "job", id)
		succeeded++
	}

	fmt.Printf("Enqueued %d/%d jobs from %s\n", succeeded, len(inputs), filePath)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status and statistics",
		Long:  "Connects to the configured backing store and prints a GetStats() snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context())
		},
	}
	return cmd
}

func showStatus(ctx context.Context) error {
	cfg := loadConfig()
	b, st, err := openBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := b.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	fmt.Printf("Queue: %s\n", cfg.Broker.Name)
	fmt.Printf("  Total:      %d\n", stats.Total)
	fmt.Printf("  Pending:    %d\n", stats.Pending)
	fmt.Printf("  Processing: %d\n", stats.Processing)
	fmt.Printf("  Delayed:    %d\n", stats.Delayed)
	fmt.Printf("  Completed:  %d\n", stats.Completed)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	return nil
}
