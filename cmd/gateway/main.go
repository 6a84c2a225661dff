package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/api"
	"github.com/zy0x1337/aquaguide-sub003/internal/circuitbreaker"
	"github.com/zy0x1337/aquaguide-sub003/internal/config"
	"github.com/zy0x1337/aquaguide-sub003/internal/db"
	"github.com/zy0x1337/aquaguide-sub003/internal/delivery"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
	"github.com/zy0x1337/aquaguide-sub003/internal/observ"
	"github.com/zy0x1337/aquaguide-sub003/internal/push"
	"github.com/zy0x1337/aquaguide-sub003/internal/redis"
	"github.com/zy0x1337/aquaguide-sub003/internal/scheduler"
	"github.com/zy0x1337/aquaguide-sub003/internal/sns"
	"github.com/zy0x1337/aquaguide-sub003/internal/sqs"
	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("AQUAGUIDE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, loc, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := observ.NewLogger("aquaguide-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting aquaguide gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("timezone", loc.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			if cfg.Storage.Backend == config.BackendRedis {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			logger.Warn("redis unavailable, rate limiting and fired guard disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	backend, closeBackend, err := openBackend(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	reminders := store.New(ctx, backend, store.Config{Location: loc}, logger)

	// Platforms
	var hub *push.Hub
	if cfg.Notifications.WebSocket {
		hub = push.NewHub(logger)
		defer hub.Close()
	}

	platforms, breakers, sqsClient := buildPlatforms(ctx, cfg, hub, logger)
	notifier := notify.New(delivery.NewMultiPlatform(logger, platforms...), logger)
	defer notifier.Stop()
	if hub != nil {
		// Tabs connect after startup; their permission reports update the gate.
		hub.SetPermissionListener(func() { notifier.RefreshPermission() })
	}

	schedCfg := scheduler.Config{
		PollInterval:    cfg.Scheduler.PollInterval,
		DeliveryTimeout: cfg.Scheduler.DeliveryTimeout,
		Location:        loc,
		Icon:            cfg.Notifications.Icon,
	}
	if cfg.Scheduler.FiredGuard && redisClient != nil {
		schedCfg.Guard = redis.NewFiredGuard(redisClient, logger)
	}
	sched := scheduler.New(reminders, notifier, schedCfg, logger)

	if hub != nil {
		hub.SetActionHandler(sched.HandleAction)
	}
	if sqsClient != nil && cfg.Notifications.SQS.ActionQueueURL != "" {
		consumer := sqs.NewConsumer(sqsClient, cfg.Notifications.SQS.ActionQueueURL, sched.HandleAction, logger)
		go consumer.Run(ctx)
	}

	sched.Start(ctx)
	defer sched.Stop()

	// HTTP
	var limiter *redis.RateLimiter
	if redisClient != nil && cfg.RateLimit.Requests > 0 {
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit.Requests,
			Window: cfg.RateLimit.Window,
		})
	}

	handler := api.NewHandler(logger, reminders, sched, notifier, api.Options{
		Breakers: breakers,
		Location: loc,
		Icon:     cfg.Notifications.Icon,
	})

	routerCfg := api.RouterConfig{
		Limiter:   limiter,
		RateLimit: cfg.RateLimit.Requests,
	}
	if hub != nil {
		routerCfg.WebSocket = hub
	}
	if redisClient != nil {
		routerCfg.Health = redisClient.Ping
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(handler, routerCfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
	}

	return nil
}

// loadConfig loads and validates the configuration and resolves the
// scheduler time zone.
func loadConfig(path string) (*config.Config, *time.Location, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid timezone: %w", err)
	}
	return cfg, loc, nil
}

// openBackend selects where the reminder snapshot lives.
func openBackend(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (store.Backend, func(), error) {
	noop := func() {}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return store.NewMemoryBackend(), noop, nil

	case config.BackendFile:
		return store.NewFileBackend(cfg.Storage.Path), noop, nil

	case config.BackendSQLite:
		b, err := store.NewSQLiteBackend(ctx, cfg.Storage.SQLitePath, cfg.Storage.Key, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return b, func() { _ = b.Close() }, nil

	case config.BackendRedis:
		return redis.NewStateBackend(redisClient, cfg.Storage.Key), noop, nil

	case config.BackendPostgres:
		database, err := db.New(ctx, db.Config{
			URL:      cfg.DB.URL,
			Host:     cfg.DB.Host,
			Port:     cfg.DB.Port,
			User:     cfg.DB.User,
			Password: cfg.DB.Password,
			Database: cfg.DB.Name,
			SSLMode:  cfg.DB.SSLMode,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db.NewStateBackend(database, cfg.Storage.Key, logger), database.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// buildPlatforms creates every configured notification platform. All but the
// log sink sit behind their own circuit breaker. A platform whose client
// cannot be built is logged and left out.
func buildPlatforms(ctx context.Context, cfg *config.Config, hub *push.Hub, logger *zap.Logger) ([]notify.Platform, []*circuitbreaker.CircuitBreaker, sqs.API) {
	n := cfg.Notifications
	var (
		platforms []notify.Platform
		breakers  []*circuitbreaker.CircuitBreaker
		sqsClient sqs.API
	)

	protect := func(p notify.Platform, name string) {
		b := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
		breakers = append(breakers, b)
		platforms = append(platforms, circuitbreaker.NewProtectedPlatform(p, b, logger))
	}

	if n.Log {
		platforms = append(platforms, delivery.NewLogPlatform(logger))
	}
	if hub != nil {
		protect(hub, hub.Name())
	}
	if n.Desktop {
		protect(delivery.NewDesktopPlatform(logger), "desktop")
	}
	if n.Webhook.URL != "" {
		protect(delivery.NewWebhookPlatform(logger, delivery.WebhookConfig{
			URL:         n.Webhook.URL,
			Headers:     n.Webhook.Headers,
			Timeout:     n.Webhook.Timeout,
			Preapproved: n.Preapproved,
		}), "webhook")
	}
	if n.Email.From != "" && n.Email.To != "" {
		email, err := delivery.NewEmailPlatform(ctx, delivery.SESConfig{
			Region:      cfg.AWS.Region,
			Endpoint:    cfg.AWS.Endpoint,
			FromEmail:   n.Email.From,
			ToEmail:     n.Email.To,
			Preapproved: n.Preapproved,
		}, logger)
		if err != nil {
			logger.Warn("email platform unavailable", zap.Error(err))
		} else {
			protect(email, "email")
		}
	}
	if n.SNS.TopicARN != "" {
		p, err := sns.NewPlatform(ctx, sns.Config{
			Region:      cfg.AWS.Region,
			Endpoint:    cfg.AWS.Endpoint,
			TopicARN:    n.SNS.TopicARN,
			Preapproved: n.Preapproved,
		}, logger)
		if err != nil {
			logger.Warn("sns platform unavailable", zap.Error(err))
		} else {
			protect(p, "sns")
		}
	}
	if n.SQS.QueueURL != "" || n.SQS.ActionQueueURL != "" {
		client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint})
		if err != nil {
			logger.Warn("sqs unavailable", zap.Error(err))
		} else {
			sqsClient = client
			if n.SQS.QueueURL != "" {
				protect(sqs.NewPlatform(client, sqs.Config{
					QueueURL:    n.SQS.QueueURL,
					Preapproved: n.Preapproved,
				}, logger), "sqs")
			}
		}
	}

	names := make([]string, 0, len(breakers))
	for _, b := range breakers {
		names = append(names, b.Name())
	}
	logger.Info("notification platforms configured",
		zap.Bool("log", n.Log),
		zap.Strings("protected", names),
	)
	return platforms, breakers, sqsClient
}
