package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/db"
	"github.com/openmined/fileflow/internal/queue"
	"github.com/openmined/fileflow/internal/server/asset"
	"github.com/openmined/fileflow/internal/server/blob"
	"github.com/openmined/fileflow/internal/server/expiry"
	"github.com/openmined/fileflow/internal/server/lock"
	"github.com/openmined/fileflow/internal/server/outbox"
	"github.com/openmined/fileflow/internal/server/session"
	"github.com/openmined/fileflow/internal/server/worker"
	"github.com/redis/go-redis/v9"
)

type Services struct {
	DB       *sqlx.DB
	Redis    *redis.Client
	Storage  *blob.S3Backend
	Sessions *session.Service
	Assets   *asset.Store
	Outbox   *outbox.Store

	Dispatcher    *outbox.Dispatcher
	OutboxSweeper *outbox.Sweeper
	ExpirySweeper *expiry.Sweeper
	Listener      *expiry.Listener
	Consumer      *worker.Consumer
	// StorageEvents is nil unless queue.events_queue_url is set
	StorageEvents *worker.Consumer
}

func NewServices(ctx context.Context, config *Config) (_ *Services, err error) {
	svc := &Services{}
	defer func() {
		if err != nil {
			svc.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if svc.DB, err = db.Open(&config.DB); err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if config.NeedsRedis() {
		svc.Redis = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err = svc.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", config.Redis.Addr, err)
		}
	}

	if svc.Storage, err = blob.NewS3BackendWithConfig(ctx, &config.Blob); err != nil {
		return nil, fmt.Errorf("create storage backend: %w", err)
	}

	sessionStore, err := session.NewStore(svc.DB)
	if err != nil {
		return nil, err
	}
	if svc.Assets, err = asset.NewStore(svc.DB); err != nil {
		return nil, err
	}
	if svc.Outbox, err = outbox.NewStore(svc.DB); err != nil {
		return nil, err
	}

	publisher, receiver, events, err := newBroker(ctx, &config.Queue)
	if err != nil {
		return nil, err
	}

	guard := lock.NewGuard(svc.lockBackend(&config.Lock),
		lock.WithPrefix(config.Lock.Prefix),
		lock.WithAcquireTries(config.Lock.AcquireTries),
	)
	cache := svc.expiryCache(&config.Expiry)

	svc.Dispatcher = outbox.NewDispatcher(svc.Outbox, publisher, &config.Outbox)
	svc.OutboxSweeper = outbox.NewSweeper(svc.Outbox, &config.Outbox)
	svc.Sessions = session.NewService(sessionStore, svc.Assets, svc.Outbox, svc.Storage, &config.Session,
		session.WithCache(expiry.NewTracker(cache)),
		session.WithNotifier(svc.Dispatcher),
	)
	svc.ExpirySweeper = expiry.NewSweeper(sessionStore, svc.Sessions, &config.Expiry)
	svc.Listener = expiry.NewListener(cache, svc.Sessions, guard, config.Lock.ExpireTTL)

	processor := worker.NewFileProcessor(svc.Assets, svc.Storage, guard, config.Lock.ProcessTTL)
	svc.Consumer = worker.NewConsumer(receiver, processor, &config.Worker)
	if events != nil {
		svc.StorageEvents = worker.NewStorageEventConsumer(events, svc.Sessions, &config.Worker)
	}

	return svc, nil
}

func (s *Services) lockBackend(config *lock.Config) lock.Backend {
	if config.Backend == "memory" {
		slog.Warn("lock backend is in-memory, locks are not shared across processes")
		return lock.NewMemoryBackend()
	}
	return lock.NewRedisBackend(s.Redis)
}

func (s *Services) expiryCache(config *expiry.Config) expiry.Cache {
	if config.Backend == expiry.BackendLocal {
		return expiry.NewLocalCache(config.LocalSize)
	}
	return expiry.NewRedisCache(s.Redis,
		expiry.WithKeyPrefix(config.KeyPrefix),
		expiry.WithNotificationSetup(config.ConfigureNotifications),
	)
}

// newBroker returns the outbox publisher and receiver, plus the storage events
// receiver when one is configured.
func newBroker(ctx context.Context, config *queue.Config) (outbox.Publisher, queue.Receiver, queue.Receiver, error) {
	if config.Backend == queue.BackendMemory {
		slog.Warn("queue backend is in-memory, messages do not survive restarts")
		b := queue.NewMemoryBroker(config)
		return b, b, nil, nil
	}

	client, err := queue.NewSQSClient(ctx, config)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create sqs client: %w", err)
	}

	var events queue.Receiver
	if config.EventsQueueURL != "" {
		events = queue.NewSQSReceiver(client, config.ForEvents())
	}
	return queue.NewSQSPublisher(client, config), queue.NewSQSReceiver(client, config), events, nil
}

func (s *Services) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
