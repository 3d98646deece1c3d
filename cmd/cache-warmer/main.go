package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/appointment"
	"github.com/RCasillasV/clinic-scheduling/internal/cache"
	"github.com/RCasillasV/clinic-scheduling/internal/config"
	"github.com/RCasillasV/clinic-scheduling/internal/db"
	"github.com/RCasillasV/clinic-scheduling/internal/logging"
	redisclient "github.com/RCasillasV/clinic-scheduling/internal/redis"
)

// cache-warmer periodically reloads the rolling appointment list and the
// status catalog into the shared Redis tier, so api-server instances start
// warm and catalog edits made directly in the database become visible.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	log := logging.Component(logger, "cache-warmer")
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WarmInterval).Msg("cache-warmer starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	c, err := cache.New(redisclient.NewCacheStore(rdb), cache.Options{
		TTL:           cfg.CacheTTL,
		Prefix:        cfg.CacheKeyPrefix,
		MemoryEntries: cfg.CacheMemoryEntries,
		MemoryTTL:     cfg.CacheMemoryTTL,
		Logger:        logging.Component(logger, "cache"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cache setup error")
	}

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisRoomLocker(rdb, cfg.LockTTL)
	svc, err := appointment.NewService(rootCtx, repo, locker, c, cfg, logging.Component(logger, "appointments"))
	if err != nil {
		log.Fatal().Err(err).Msg("service setup error")
	}

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping cache warmer")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.Warm(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("warm run error")
		return
	}
	stats := svc.CacheStats()
	log.Info().
		Int("appointments", n).
		Dur("took", time.Since(start)).
		Uint64("store_errors", stats.StoreErrors).
		Msg("warm run complete")
}
