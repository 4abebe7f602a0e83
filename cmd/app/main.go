package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobelix-api/internal/config"
	"jobelix-api/internal/domain/ports/adapter"
	"jobelix-api/internal/domain/ports/repository"
	"jobelix-api/internal/infra/db/memory"
	pg "jobelix-api/internal/infra/db/postgres"
	"jobelix-api/internal/infra/inproc"
	"jobelix-api/internal/infra/logging"
	"jobelix-api/internal/infra/metrics"
	red "jobelix-api/internal/infra/redis"
	"jobelix-api/internal/infra/sched"
	"jobelix-api/internal/infra/tokencache"
	"jobelix-api/internal/infra/web"
	"jobelix-api/internal/infra/worker"
	"jobelix-api/internal/usecase"

	"github.com/rs/zerolog"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

const rateWindow = time.Minute

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode: console logs, relaxed secrets, in-memory store allowed")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("jobelix-api stopped")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	logger.Info().Str("version", version).Str("commit", commit).Bool("dev", cfg.Runtime.Dev).Msg("starting")

	// ---- Storage ----
	var (
		sessions repository.BotSessionRepository
		tokens   repository.ApiTokenRepository
		tm       repository.TransactionManager
		workers  []func(context.Context) error
	)
	if cfg.Database.URL == config.MemoryDatabaseURL {
		store := memory.NewStore()
		sessions, tokens, tm = store, store, store
		devToken, err := randomToken()
		if err != nil {
			return err
		}
		store.AddToken(devToken, "dev-user")
		logger.Warn().Str("api_token", logging.Redact(devToken, cfg.Runtime.Dev)).Str("user_id", "dev-user").
			Msg("in-memory store: data is lost on exit; issued a dev api token")
	} else {
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		sessions = pg.NewBotSessionRepo(pool)
		tokens = pg.NewApiTokenRepo(pool)
		tm = pg.NewTxManager(pool)
		workers = append(workers, sched.NewPoolStatsWorker(15*time.Second, pool, logger).Run)
	}

	// ---- Redis (optional) ----
	var (
		locker         adapter.Locker
		heartbeatLimit adapter.Limiter
		controlLimit   adapter.Limiter
		tokenCache     usecase.TokenCache
	)
	sweepTargets := map[string]sched.Sweepable{}
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		locker = red.NewLocker(rc)
		heartbeatLimit = red.NewRateLimiter(rc, "rl:heartbeat", cfg.RateLimit.HeartbeatPerMinute, rateWindow)
		controlLimit = red.NewRateLimiter(rc, "rl:control", cfg.RateLimit.ControlPerMinute, rateWindow)
		tokenCache = red.NewTokenCache(rc, cfg.Tokens.CacheTTL, logger)
		logger.Info().Str("addr", cfg.Redis.URL).Msg("redis connected")
	} else {
		hb := inproc.NewLimiter(cfg.RateLimit.HeartbeatPerMinute, rateWindow)
		ctl := inproc.NewLimiter(cfg.RateLimit.ControlPerMinute, rateWindow)
		lk := inproc.NewLocker()
		cache := tokencache.New(cfg.Tokens.CacheTTL)
		locker, heartbeatLimit, controlLimit, tokenCache = lk, hb, ctl, cache
		sweepTargets["heartbeat_limiter"] = hb
		sweepTargets["control_limiter"] = ctl
		sweepTargets["launch_locker"] = lk
		sweepTargets["token_cache"] = cache
		logger.Warn().Msg("redis not configured; rate limits, launch locks and the token cache are per process")
	}

	// ---- Use cases ----

	bg := worker.NewPool(2, logger)
	bg.Start(ctx)
	defer bg.Stop()

	tokenUC := usecase.NewTokenUseCase(tokens, tokenCache, bg, logger)
	sessionUC := usecase.NewBotSessionUseCase(sessions, tm, locker, cfg.Status.RecentWindow, logger)

	// ---- HTTP ----
	auth := web.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.CookieName, cfg.Auth.CookieDomain, cfg.Auth.SecureCookie, 0)
	srv := web.NewServer(sessionUC, tokenUC, auth, web.NewOriginGuard(cfg.HTTP.AllowedOrigins),
		heartbeatLimit, controlLimit, cfg.HTTP.RequestTimeout, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ---- Background workers ----
	workers = append(workers, sched.NewSweepWorker(cfg.Tokens.SweepInterval, sweepTargets, logger).Run)
	for _, w := range workers {
		go func(run func(context.Context) error) {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("worker exited")
			}
		}(w)
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
