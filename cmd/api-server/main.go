package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RCasillasV/clinic-scheduling/internal/api"
	"github.com/RCasillasV/clinic-scheduling/internal/appointment"
	"github.com/RCasillasV/clinic-scheduling/internal/cache"
	"github.com/RCasillasV/clinic-scheduling/internal/config"
	"github.com/RCasillasV/clinic-scheduling/internal/db"
	"github.com/RCasillasV/clinic-scheduling/internal/logging"
	redisclient "github.com/RCasillasV/clinic-scheduling/internal/redis"
	"github.com/RCasillasV/clinic-scheduling/internal/session"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	log := logging.Component(logger, "api-server")
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err == nil {
		err = db.EnsureSchema(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres setup error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	// Connect Redis. Outside production the engine runs on the in-process
	// cache tier alone when Redis is unreachable.
	var (
		store  cache.Store
		locker redisclient.Locker = redisclient.NoopLocker{}
		rdb    *redis.Client
	)
	rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	switch {
	case err == nil:
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		store = redisclient.NewCacheStore(rdb)
		locker = redisclient.NewRedisRoomLocker(rdb, cfg.LockTTL)
		log.Info().Msg("connected to Redis")
	case cfg.IsProduction():
		log.Fatal().Err(err).Msg("redis connection error")
	default:
		rdb = nil
		log.Warn().Err(err).Msg("redis unavailable, running with the in-process cache only")
	}

	c, err := cache.New(store, cache.Options{
		TTL:           cfg.CacheTTL,
		Prefix:        cfg.CacheKeyPrefix,
		MemoryEntries: cfg.CacheMemoryEntries,
		MemoryTTL:     cfg.CacheMemoryTTL,
		Logger:        logging.Component(logger, "cache"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cache setup error")
	}

	// The queue outlives rootCtx so that pending updates can drain on
	// shutdown.
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	defer cancelQueue()

	repo := appointment.NewPgRepository(pgPool)
	svc, err := appointment.NewService(queueCtx, repo, locker, c, cfg, logging.Component(logger, "appointments"))
	if err != nil {
		log.Fatal().Err(err).Msg("service setup error")
	}

	sessionLog := logging.Component(logger, "session")
	sessions := session.NewRegistry(session.Config{
		IdleTimeout: cfg.IdleTimeout,
		Countdown:   cfg.IdleCountdown,
		OnExpire: func(userID string) {
			sessionLog.Info().Str("user_id", userID).Msg("client must reload")
		},
	}, sessionLog)
	defer sessions.Close()

	routerCfg := api.RouterConfig{
		Service:  svc,
		Sessions: sessions,
		Postgres: pgPool.Ping,
		Logger:   logging.Component(logger, "http"),
		Env:      cfg.Env,
		Version:  version,
	}
	if rdb != nil {
		routerCfg.Redis = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("pending", svc.PendingUpdates()).Msg("update queue did not drain")
	}

	log.Info().Msg("api-server stopped")
}
