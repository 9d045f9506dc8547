package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/openmined/fileflow/internal/db"
	"github.com/openmined/fileflow/internal/queue"
	"github.com/openmined/fileflow/internal/server/blob"
	"github.com/openmined/fileflow/internal/server/expiry"
	"github.com/openmined/fileflow/internal/server/lock"
	"github.com/openmined/fileflow/internal/server/outbox"
	"github.com/openmined/fileflow/internal/server/session"
	"github.com/openmined/fileflow/internal/server/worker"
	"github.com/openmined/fileflow/internal/utils"
)

type Config struct {
	DB       db.Config      `mapstructure:"db"`
	Blob     blob.S3Config  `mapstructure:"blob"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    queue.Config   `mapstructure:"queue"`
	Session  session.Config `mapstructure:"session"`
	Outbox   outbox.Config  `mapstructure:"outbox"`
	Expiry   expiry.Config  `mapstructure:"expiry"`
	Lock     lock.Config    `mapstructure:"lock"`
	Worker   worker.Config  `mapstructure:"worker"`
	LogLevel string         `mapstructure:"log_level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Addr),
		slog.String("password", utils.MaskSecret(c.Password)),
		slog.Int("db", c.DB),
	)
}

// DefaultConfig returns a config with every section at its defaults. The
// blob credentials and queue url have no defaults.
func DefaultConfig() *Config {
	return &Config{
		DB:       db.Config{Driver: db.DriverSqlite, Path: "fileflow.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Queue:    *queue.DefaultConfig(),
		Session:  *session.DefaultConfig(),
		Outbox:   *outbox.DefaultConfig(),
		Expiry:   *expiry.DefaultConfig(),
		Lock:     *lock.DefaultConfig(),
		Worker:   *worker.DefaultConfig(),
		LogLevel: "info",
	}
}

// NeedsRedis reports whether any component is configured against redis.
func (c *Config) NeedsRedis() bool {
	return c.Lock.Backend == "redis" || c.Expiry.Backend == expiry.BackendRedis
}

func (c *Config) Validate() error {
	if err := c.DB.Validate(); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := c.Blob.Validate(); err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr required")
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Session.Bucket == "" {
		c.Session.Bucket = c.Blob.BucketName
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Outbox.Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if err := c.Expiry.Validate(); err != nil {
		return fmt.Errorf("expiry: %w", err)
	}
	if err := c.Lock.Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	// a delivery must stay invisible, and its asset locked, for as long as a handler may run
	if c.Queue.VisibilityTimeout <= c.Worker.HandleTimeout {
		return fmt.Errorf("queue: visibility_timeout %s must exceed worker handle_timeout %s",
			c.Queue.VisibilityTimeout, c.Worker.HandleTimeout)
	}
	if c.Worker.HandleTimeout > c.Lock.ProcessTTL {
		return fmt.Errorf("worker: handle_timeout %s must not exceed lock process_ttl %s",
			c.Worker.HandleTimeout, c.Lock.ProcessTTL)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", level)
	}
	return l, nil
}
