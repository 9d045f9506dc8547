package lock

import (
	"fmt"
	"time"
)

const DefaultPrefix = "fileflow:lock:"

type Config struct {
	Prefix string `mapstructure:"prefix"`
	// Backend is "redis" or "memory"
	Backend      string        `mapstructure:"backend"`
	ExpireTTL    time.Duration `mapstructure:"expire_ttl"`
	ProcessTTL   time.Duration `mapstructure:"process_ttl"`
	AcquireTries uint          `mapstructure:"acquire_tries"`
}

func DefaultConfig() *Config {
	return &Config{
		Prefix:       DefaultPrefix,
		Backend:      "redis",
		ExpireTTL:    30 * time.Second,
		ProcessTTL:   5 * time.Minute,
		AcquireTries: 3,
	}
}

func (c *Config) Validate() error {
	if c.Backend != "redis" && c.Backend != "memory" {
		return fmt.Errorf("lock backend must be redis or memory, got %q", c.Backend)
	}
	if c.ExpireTTL <= 0 || c.ProcessTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if c.AcquireTries < 1 {
		return fmt.Errorf("lock acquire_tries must be at least 1")
	}
	return nil
}
