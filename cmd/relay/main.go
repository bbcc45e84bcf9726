package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SirGFM/sqs-issue-notifier/internal/config"
	"github.com/SirGFM/sqs-issue-notifier/internal/dispatch"
	"github.com/SirGFM/sqs-issue-notifier/internal/queue"
	"github.com/SirGFM/sqs-issue-notifier/internal/relay"
)

var flags struct {
	configFile string
	channels   string
	endpoint   string
	queueURL   string
	wait       int
}

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Relay messages from a queue to named notification channels",
	Long:         "Dequeues messages from an AWS SQS (or RabbitMQ) queue and forwards each one to the Slack channel named in its body. Messages are deleted from the queue only after a successful delivery.",
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&flags.configFile, "config", "", "A JSON file with every option. Overridden by the other command line arguments.")
	rootCmd.Flags().StringVar(&flags.channels, "channels", "", "A JSON object associating each channel to its webhook URL.")
	rootCmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "A custom endpoint where the queue is accessible (for using localstack).")
	rootCmd.Flags().StringVar(&flags.queueURL, "queue", "", "The URL of the queue to be accessed by this service.")
	rootCmd.Flags().IntVar(&flags.wait, "wait", 20, "For how long the service should wait for new messages, in seconds. Must be between 0 and 20.")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return fmt.Errorf("failed to load the configuration: %w", err)
	}

	if err := applyOverrides(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	logger.Info("starting relay", "queue", cfg.QueueURL, "wait_seconds", cfg.WaitSeconds)
	for name := range cfg.Channels {
		logger.Info("configured channel", "channel", name)
	}
	if cfg.Endpoint != "" {
		logger.Info("using a custom queue endpoint", "endpoint", cfg.Endpoint)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := newSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up the queue source: %w", err)
	}
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}

	dispatcher := dispatch.New(cfg.Channels, logger)

	err = relay.New(source, dispatcher, logger).Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// applyOverrides layers explicitly-set command line flags over the loaded
// configuration, noting each override when a config file was in use.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	logOverride := flags.configFile != ""

	if cmd.Flags().Changed("channels") {
		if logOverride {
			slog.Info("overriding the file's channels with the command line value")
		}
		channels := map[string]string{}
		if err := json.Unmarshal([]byte(flags.channels), &channels); err != nil {
			return fmt.Errorf("invalid --channels value: %w", err)
		}
		cfg.Channels = channels
	}
	if cmd.Flags().Changed("endpoint") {
		if logOverride {
			slog.Info("overriding the file's endpoint with the command line value")
		}
		cfg.Endpoint = flags.endpoint
	}
	if cmd.Flags().Changed("queue") {
		if logOverride {
			slog.Info("overriding the file's queue with the command line value")
		}
		cfg.QueueURL = flags.queueURL
	}
	if cmd.Flags().Changed("wait") {
		if logOverride {
			slog.Info("overriding the file's wait time with the command line value")
		}
		cfg.WaitSeconds = flags.wait
	}
	return nil
}

// newSource selects the queue backend from the queue URL's scheme.
func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Source, error) {
	if strings.HasPrefix(cfg.QueueURL, "amqp://") || strings.HasPrefix(cfg.QueueURL, "amqps://") {
		return queue.NewAMQPSource(cfg.QueueURL, cfg.QueueName, cfg.WaitSeconds, logger), nil
	}
	return queue.NewSQSSource(ctx, cfg.QueueURL, cfg.Endpoint, cfg.WaitSeconds, logger)
}

// newLogger creates the process logger with the configured minimum level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
