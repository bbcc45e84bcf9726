package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the fully resolved polling configuration. It is assembled once
// at startup (defaults, then environment, then config file, then explicit
// command line overrides) and must be treated as read-only afterwards.
//
// The JSON tags match the original config file format, so existing files
// keep working.
type Config struct {
	// Channels associates each notification channel with its webhook URL.
	Channels map[string]string `json:"channels" env:"RELAY_CHANNELS"`

	// QueueURL is where the queue consumed by this service may be accessed.
	// amqp:// and amqps:// URLs select the RabbitMQ backend; anything else
	// is taken as an AWS SQS queue URL.
	QueueURL string `json:"aws_queue" env:"RELAY_QUEUE_URL"`

	// Endpoint optionally overrides where the queue provider is reached,
	// for running against a simulator (e.g. localstack). Only used by the
	// SQS backend.
	Endpoint string `json:"aws_endpoint" env:"RELAY_ENDPOINT"`

	// QueueName names the queue to consume. Only used by the RabbitMQ
	// backend, which addresses queues by name rather than URL.
	QueueName string `json:"queue_name" env:"RELAY_QUEUE_NAME" envDefault:"notifications"`

	// WaitSeconds is how long to wait for new messages on each poll, in
	// seconds. Must be between 0 and 20; out-of-range values are clamped.
	WaitSeconds int `json:"timeout" env:"RELAY_WAIT_SECONDS" envDefault:"20"`

	// LogLevel is the minimum level emitted by the process logger.
	LogLevel string `json:"log_level" env:"LOG_LEVEL" envDefault:"info"`
}

// fileConfig mirrors Config with pointer fields, so that keys absent from
// the file don't clobber values from lower layers.
type fileConfig struct {
	Channels    map[string]string `json:"channels"`
	QueueURL    *string           `json:"aws_queue"`
	Endpoint    *string           `json:"aws_endpoint"`
	QueueName   *string           `json:"queue_name"`
	WaitSeconds *int              `json:"timeout"`
	LogLevel    *string           `json:"log_level"`
}

// Load resolves the configuration from defaults, the environment and, when
// path is non-empty, a JSON config file whose values override the
// environment. Command line overrides are applied by the caller on top of
// the returned value.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(map[string]string{}): parseChannelMap,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse the environment: %w", err)
	}

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// mergeFile layers the values present in the JSON file at path over cfg.
func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("couldn't open the configuration file %q: %w", path, err)
	}
	defer f.Close()

	var fc fileConfig
	dec := json.NewDecoder(f)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("couldn't decode the configuration file %q: %w", path, err)
	}

	if fc.Channels != nil {
		c.Channels = fc.Channels
	}
	if fc.QueueURL != nil {
		c.QueueURL = *fc.QueueURL
	}
	if fc.Endpoint != nil {
		c.Endpoint = *fc.Endpoint
	}
	if fc.QueueName != nil {
		c.QueueName = *fc.QueueName
	}
	if fc.WaitSeconds != nil {
		c.WaitSeconds = *fc.WaitSeconds
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	return nil
}

// Validate checks that every required field was somehow supplied. A failure
// here must abort the process before the relay loop starts.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New(`"channels" wasn't specified on the config file, the environment nor the command line`)
	}
	if c.QueueURL == "" {
		return errors.New(`"aws_queue" wasn't specified on the config file, the environment nor the command line`)
	}
	return nil
}

// parseChannelMap decodes a channel table supplied as a JSON object in an
// environment variable.
func parseChannelMap(v string) (interface{}, error) {
	channels := map[string]string{}
	if err := json.Unmarshal([]byte(v), &channels); err != nil {
		return nil, fmt.Errorf("invalid channel map: %w", err)
	}
	return channels, nil
}
