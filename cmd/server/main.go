package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/api"
	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/config"
	"github.com/lalith-99/partyhub/internal/db"
	"github.com/lalith-99/partyhub/internal/gamification"
	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/observ"
	"github.com/lalith-99/partyhub/internal/participation"
	"github.com/lalith-99/partyhub/internal/realtime"
	"github.com/lalith-99/partyhub/internal/repository/postgres"
	"github.com/lalith-99/partyhub/internal/storage"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 2. Postgres
	// ---------------------------------------------------------------
	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	database, err := db.New(startCtx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(startCtx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	pool := database.Pool()
	entityRepo := postgres.NewEntityStore(pool)
	membershipRepo := postgres.NewMembershipStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	userRepo := postgres.NewUserStore(pool)

	// ---------------------------------------------------------------
	// 3. Change feed. Redis fans changes out across instances; without
	//    it a single instance still works on the in-process broker.
	// ---------------------------------------------------------------
	feed, closeFeed := newFeed(startCtx, cfg.RedisURL, logger)
	defer closeFeed()

	// ---------------------------------------------------------------
	// 4. Object storage, optional
	// ---------------------------------------------------------------
	var uploader gateway.Uploader
	if cfg.ObjectStorageEnabled() {
		objects, err := storage.NewObjectStore(storage.ObjectConfig{
			Endpoint:  cfg.ObjectEndpoint,
			Region:    cfg.ObjectRegion,
			AccessKey: cfg.ObjectAccessKey,
			SecretKey: cfg.ObjectSecretKey,
			UseSSL:    cfg.ObjectUseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("create object store: %w", err)
		}
		if err := objects.EnsureBucket(startCtx, cfg.ObjectBucket); err != nil {
			return fmt.Errorf("prepare bucket: %w", err)
		}
		uploader = objects
	} else {
		logger.Warn("object storage not configured, uploads disabled")
	}
	cancelStart()

	// ---------------------------------------------------------------
	// 5. Participation core
	// ---------------------------------------------------------------
	gw := gateway.NewBackend(entityRepo, membershipRepo, messageRepo, feed, uploader, logger)
	engine := participation.NewEngine(gw, logger, cfg.MutationTimeout)
	synchronizer := participation.NewSynchronizer(gw, logger)
	calc := gamification.New(cfg.PointsPerParticipation, cfg.PointsPerLevel)

	idle := auth.NewIdleTracker(cfg.IdleTimeout)
	go sweepSessions(ctx, idle, cfg.TokenTTL)

	// ---------------------------------------------------------------
	// 6. HTTP
	// ---------------------------------------------------------------
	router := api.NewRouter(api.Handlers{
		Auth:     api.NewAuthHandler(userRepo, cfg.JWTSecret, cfg.TokenTTL, idle, logger),
		Entities: api.NewEntityHandler(gw, engine, logger),
		Messages: api.NewMessageHandler(gw, engine, logger),
		Users:    api.NewUserHandler(userRepo, membershipRepo, gw, calc, cfg.ObjectBucket, logger),
		Stream:   api.NewStreamHandler(engine, synchronizer, logger),
		Health: func(c *gin.Context) error {
			return database.Health(c.Request.Context())
		},
	}, cfg.JWTSecret, idle, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket connections are not closed by Shutdown; the
		// signal context ends their streams instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting PartyHub",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// newFeed connects to Redis and falls back to the in-process broker when it
// is unreachable.
func newFeed(ctx context.Context, redisURL string, logger *zap.Logger) (realtime.Feed, func()) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-process change feed", zap.Error(err))
		return realtime.NewMemoryBroker(), func() {}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process change feed", zap.Error(err))
		client.Close()
		return realtime.NewMemoryBroker(), func() {}
	}

	logger.Info("redis change feed connected", zap.String("addr", opts.Addr))
	return realtime.NewRedisFeed(client, logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
}

func sweepSessions(ctx context.Context, idle *auth.IdleTracker, tokenTTL time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle.Sweep(tokenTTL)
		}
	}
}
