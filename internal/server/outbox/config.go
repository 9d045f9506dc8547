package outbox

import (
	"fmt"
	"time"
)

type Config struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	SentRetention   time.Duration `mapstructure:"sent_retention"`
	FailedRetention time.Duration `mapstructure:"failed_retention"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      5,
		BackoffBase:     10 * time.Second,
		BackoffMax:      10 * time.Minute,
		StaleAfter:      5 * time.Minute,
		BatchSize:       100,
		PollInterval:    5 * time.Second,
		SweepInterval:   30 * time.Second,
		PublishTimeout:  10 * time.Second,
		SentRetention:   7 * 24 * time.Hour,
		FailedRetention: 30 * 24 * time.Hour,
		PurgeInterval:   time.Hour,
	}
}

func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("outbox max_retries must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("outbox backoff bounds invalid: base=%s max=%s", c.BackoffBase, c.BackoffMax)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("outbox batch_size must be at least 1")
	}
	if c.StaleAfter <= 0 || c.PollInterval <= 0 || c.SweepInterval <= 0 || c.PublishTimeout <= 0 {
		return fmt.Errorf("outbox intervals and timeouts must be positive")
	}
	return nil
}

// Backoff is base * 2^retryCount, capped at ceiling.
func Backoff(base, ceiling time.Duration, retryCount int) time.Duration {
	if retryCount <= 0 {
		return min(base, ceiling)
	}
	if retryCount >= 62 {
		return ceiling
	}
	d := base << retryCount
	if d <= 0 || d/base != 1<<retryCount || d > ceiling {
		return ceiling
	}
	return d
}
