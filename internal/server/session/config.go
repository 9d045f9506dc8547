package session

import (
	"fmt"
	"time"
)

type Config struct {
	Bucket         string        `mapstructure:"bucket"`
	SingleTTL      time.Duration `mapstructure:"single_ttl"`
	MultipartTTL   time.Duration `mapstructure:"multipart_ttl"`
	URLTTL         time.Duration `mapstructure:"url_ttl"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
	Policy         Policy        `mapstructure:"policy"`
}

func DefaultConfig() *Config {
	return &Config{
		SingleTTL:      time.Hour,
		MultipartTTL:   24 * time.Hour,
		URLTTL:         15 * time.Minute,
		StorageTimeout: 30 * time.Second,
		Policy:         DefaultPolicy(),
	}
}

func (c *Config) Validate() error {
	if c.SingleTTL <= 0 || c.MultipartTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.URLTTL <= 0 || c.URLTTL > 7*24*time.Hour {
		return fmt.Errorf("session url_ttl must be within (0, 168h]")
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("session storage_timeout must be positive")
	}
	return c.Policy.Validate()
}
