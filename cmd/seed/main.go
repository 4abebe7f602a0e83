// Command seed issues credentials for manual testing: an API token for the
// automation process and a session JWT for the cookie endpoints. With
// -revoke it revokes an API token and drops it from the shared Redis cache.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"time"

	"jobelix-api/internal/config"
	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/repository"
	pg "jobelix-api/internal/infra/db/postgres"
	"jobelix-api/internal/infra/logging"
	red "jobelix-api/internal/infra/redis"
	"jobelix-api/internal/infra/web"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	userID := flag.String("user", "", "user id to issue credentials for")
	ttl := flag.Duration("session-ttl", 24*time.Hour, "lifetime of the printed session JWT")
	revoke := flag.String("revoke", "", "api token to revoke instead of issuing credentials")
	flag.Parse()
	if *userID == "" && *revoke == "" {
		log.Fatal("-user or -revoke is required")
	}

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 2)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	if *revoke != "" {
		revokeToken(ctx, cfg, pool, *revoke)
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		log.Fatalf("random: %v", err)
	}
	token := hex.EncodeToString(raw)

	err = pg.NewApiTokenRepo(pool).Save(ctx, repository.NoTX, &model.ApiToken{
		ID:        uuid.NewString(),
		UserID:    *userID,
		TokenHash: model.HashToken(token),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Fatalf("save api token: %v", err)
	}

	auth := web.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.CookieName, cfg.Auth.CookieDomain, cfg.Auth.SecureCookie, *ttl)
	session, err := auth.Sign(*userID)
	if err != nil {
		log.Fatalf("sign session: %v", err)
	}

	fmt.Printf("user:        %s\n", *userID)
	fmt.Printf("api token:   %s\n", token)
	fmt.Printf("session jwt: %s\n", session)
	fmt.Printf("cookie:      %s=%s\n", cfg.Auth.CookieName, session)
}

func revokeToken(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, token string) {
	hash := model.HashToken(token)
	ok, err := pg.NewApiTokenRepo(pool).Revoke(ctx, repository.NoTX, hash, time.Now().UTC())
	if err != nil {
		log.Fatalf("revoke api token: %v", err)
	}
	if !ok {
		log.Fatal("no live api token matches")
	}

	// Replicas sharing Redis stop honouring the token right away; in-process
	// caches expire it within tokens.cache_ttl.
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rc.Close()
		if err := red.NewTokenCache(rc, cfg.Tokens.CacheTTL, logging.New(cfg.Log, false)).Invalidate(ctx, hash); err != nil {
			log.Fatalf("invalidate cached token: %v", err)
		}
	}
	fmt.Println("api token revoked")
}
