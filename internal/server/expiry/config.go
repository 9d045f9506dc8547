package expiry

import (
	"fmt"
	"time"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

type Config struct {
	Backend                string        `mapstructure:"backend"`
	KeyPrefix              string        `mapstructure:"key_prefix"`
	LocalSize              int           `mapstructure:"local_size"`
	ConfigureNotifications bool          `mapstructure:"configure_notifications"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	PreparingAfter         time.Duration `mapstructure:"preparing_after"`
	ActiveAfter            time.Duration `mapstructure:"active_after"`
	BatchSize              int           `mapstructure:"batch_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend:        BackendRedis,
		KeyPrefix:      KeyPrefix,
		LocalSize:      100_000,
		SweepInterval:  5 * time.Minute,
		PreparingAfter: 30 * time.Minute,
		ActiveAfter:    24 * time.Hour,
		BatchSize:      500,
	}
}

func (c *Config) Validate() error {
	if c.Backend != BackendRedis && c.Backend != BackendLocal {
		return fmt.Errorf("expiry backend must be %s or %s, got %q", BackendRedis, BackendLocal, c.Backend)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("expiry sweep_interval must be positive")
	}
	if c.PreparingAfter <= 0 || c.ActiveAfter <= 0 {
		return fmt.Errorf("expiry thresholds must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("expiry batch_size must be at least 1")
	}
	return nil
}
