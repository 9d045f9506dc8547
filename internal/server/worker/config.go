package worker

import (
	"fmt"
	"time"
)

type Config struct {
	Concurrency   int           `mapstructure:"concurrency"`
	BatchSize     int           `mapstructure:"batch_size"`
	HandleTimeout time.Duration `mapstructure:"handle_timeout"`
	ErrorBackoff  time.Duration `mapstructure:"error_backoff"`
}

func DefaultConfig() *Config {
	return &Config{
		Concurrency:   4,
		BatchSize:     10,
		HandleTimeout: 2 * time.Minute,
		ErrorBackoff:  time.Second,
	}
}

func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.BatchSize < 1 || c.BatchSize > 10 {
		return fmt.Errorf("worker batch_size must be within [1, 10]")
	}
	if c.HandleTimeout <= 0 || c.ErrorBackoff <= 0 {
		return fmt.Errorf("worker handle_timeout and error_backoff must be positive")
	}
	return nil
}
