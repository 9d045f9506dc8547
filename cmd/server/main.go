package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/fileflow/internal/server"
	"github.com/openmined/fileflow/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FILEFLOW"

var rootCmd = &cobra.Command{
	Use:     "fileflow-server",
	Short:   "FileFlow upload pipeline server",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		level, err := server.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		setupLogger(level)

		cmd.SilenceUsage = true

		srv, err := server.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer slog.Info("Bye!")
		return srv.Start(cmd.Context())
	},
}

func init() {
	addFlags(rootCmd)
}

func addFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("config", "f", "", "Path to the config file (yaml or json)")
	cmd.Flags().String("env-file", ".env", "Path to a dotenv file")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func main() {
	setupLogger(slog.LevelInfo)

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogger(level slog.Level) {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	// dotenv values never override the real environment
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file '%s': %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fileflow")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &server.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so that environment variables can reach it.
func setDefaults(v *viper.Viper) {
	d := server.DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("db.driver", d.DB.Driver)
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("db.dsn", d.DB.DSN)
	v.SetDefault("db.max_open_conns", d.DB.MaxOpenConns)
	v.SetDefault("db.conn_max_lifetime", d.DB.ConnMaxLifetime)

	v.SetDefault("blob.bucket_name", d.Blob.BucketName)
	v.SetDefault("blob.region", d.Blob.Region)
	v.SetDefault("blob.access_key", d.Blob.AccessKey)
	v.SetDefault("blob.secret_key", d.Blob.SecretKey)
	v.SetDefault("blob.endpoint", d.Blob.Endpoint)
	v.SetDefault("blob.use_accelerate", d.Blob.UseAccelerate)
	v.SetDefault("blob.max_retries", d.Blob.MaxRetries)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.queue_url", d.Queue.QueueURL)
	v.SetDefault("queue.region", d.Queue.Region)
	v.SetDefault("queue.endpoint", d.Queue.Endpoint)
	v.SetDefault("queue.access_key", d.Queue.AccessKey)
	v.SetDefault("queue.secret_key", d.Queue.SecretKey)
	v.SetDefault("queue.wait_time", d.Queue.WaitTime)
	v.SetDefault("queue.visibility_timeout", d.Queue.VisibilityTimeout)
	v.SetDefault("queue.max_messages", d.Queue.MaxMessages)
	v.SetDefault("queue.send_tries", d.Queue.SendTries)
	v.SetDefault("queue.events_queue_url", d.Queue.EventsQueueURL)

	v.SetDefault("session.bucket", d.Session.Bucket)
	v.SetDefault("session.single_ttl", d.Session.SingleTTL)
	v.SetDefault("session.multipart_ttl", d.Session.MultipartTTL)
	v.SetDefault("session.url_ttl", d.Session.URLTTL)
	v.SetDefault("session.storage_timeout", d.Session.StorageTimeout)
	v.SetDefault("session.policy.max_single_size", d.Session.Policy.MaxSingleSize)
	v.SetDefault("session.policy.min_part_size", d.Session.Policy.MinPartSize)
	v.SetDefault("session.policy.max_part_size", d.Session.Policy.MaxPartSize)
	v.SetDefault("session.policy.max_parts", d.Session.Policy.MaxParts)

	v.SetDefault("outbox.max_retries", d.Outbox.MaxRetries)
	v.SetDefault("outbox.backoff_base", d.Outbox.BackoffBase)
	v.SetDefault("outbox.backoff_max", d.Outbox.BackoffMax)
	v.SetDefault("outbox.stale_after", d.Outbox.StaleAfter)
	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)
	v.SetDefault("outbox.poll_interval", d.Outbox.PollInterval)
	v.SetDefault("outbox.sweep_interval", d.Outbox.SweepInterval)
	v.SetDefault("outbox.publish_timeout", d.Outbox.PublishTimeout)
	v.SetDefault("outbox.sent_retention", d.Outbox.SentRetention)
	v.SetDefault("outbox.failed_retention", d.Outbox.FailedRetention)
	v.SetDefault("outbox.purge_interval", d.Outbox.PurgeInterval)

	v.SetDefault("expiry.backend", d.Expiry.Backend)
	v.SetDefault("expiry.key_prefix", d.Expiry.KeyPrefix)
	v.SetDefault("expiry.local_size", d.Expiry.LocalSize)
	v.SetDefault("expiry.configure_notifications", d.Expiry.ConfigureNotifications)
	v.SetDefault("expiry.sweep_interval", d.Expiry.SweepInterval)
	v.SetDefault("expiry.preparing_after", d.Expiry.PreparingAfter)
	v.SetDefault("expiry.active_after", d.Expiry.ActiveAfter)
	v.SetDefault("expiry.batch_size", d.Expiry.BatchSize)

	v.SetDefault("lock.prefix", d.Lock.Prefix)
	v.SetDefault("lock.backend", d.Lock.Backend)
	v.SetDefault("lock.expire_ttl", d.Lock.ExpireTTL)
	v.SetDefault("lock.process_ttl", d.Lock.ProcessTTL)
	v.SetDefault("lock.acquire_tries", d.Lock.AcquireTries)

	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.batch_size", d.Worker.BatchSize)
	v.SetDefault("worker.handle_timeout", d.Worker.HandleTimeout)
	v.SetDefault("worker.error_backoff", d.Worker.ErrorBackoff)
}
