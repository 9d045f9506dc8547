package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/fileflow/internal/utils"
)

const (
	BackendSQS    = "sqs"
	BackendMemory = "memory"

	maxSQSBatch = 10
)

type Config struct {
	Backend           string        `mapstructure:"backend"`
	QueueURL          string        `mapstructure:"queue_url"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	AccessKey         string        `mapstructure:"access_key"`
	SecretKey         string        `mapstructure:"secret_key"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxMessages       int           `mapstructure:"max_messages"`
	SendTries         uint          `mapstructure:"send_tries"`

	// EventsQueueURL receives storage ObjectCreated notifications. Empty disables them.
	EventsQueueURL string `mapstructure:"events_queue_url"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend:           BackendSQS,
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 3 * time.Minute,
		MaxMessages:       maxSQSBatch,
		SendTries:         3,
	}
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		if c.EventsQueueURL != "" {
			return fmt.Errorf("events_queue_url needs the %s backend", BackendSQS)
		}
	case BackendSQS:
		if !utils.IsValidURL(c.QueueURL) {
			return fmt.Errorf("queue_url must be a valid url, got %q", c.QueueURL)
		}
		if c.Region == "" {
			return fmt.Errorf("queue region required")
		}
		if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
			return fmt.Errorf("invalid queue endpoint URL %q", c.Endpoint)
		}
		if c.EventsQueueURL != "" && !utils.IsValidURL(c.EventsQueueURL) {
			return fmt.Errorf("events_queue_url must be a valid url, got %q", c.EventsQueueURL)
		}
		if c.WaitTime > 20*time.Second {
			return fmt.Errorf("queue wait_time must be at most 20s")
		}
	default:
		return fmt.Errorf("queue backend must be %s or %s, got %q", BackendSQS, BackendMemory, c.Backend)
	}
	if c.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue visibility_timeout must be at least 1s")
	}
	if c.MaxMessages < 1 || c.MaxMessages > maxSQSBatch {
		return fmt.Errorf("queue max_messages must be within [1, %d]", maxSQSBatch)
	}
	return nil
}

// ForEvents returns a copy that points at the storage events queue.
func (c *Config) ForEvents() *Config {
	events := *c
	events.QueueURL = c.EventsQueueURL
	return &events
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("backend", c.Backend),
		slog.String("queue_url", c.QueueURL),
		slog.String("events_queue_url", c.EventsQueueURL),
		slog.String("region", c.Region),
		slog.String("endpoint", c.Endpoint),
		slog.String("access_key", utils.MaskSecret(c.AccessKey)),
	)
}
