package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/brenonaraujo/tasquest.app/ai"
	"github.com/brenonaraujo/tasquest.app/api"
	"github.com/brenonaraujo/tasquest.app/config"
	"github.com/brenonaraujo/tasquest.app/feed"
	"github.com/brenonaraujo/tasquest.app/telemetry"
	"github.com/brenonaraujo/tasquest.app/upstream"
)

const shutdownTimeout = 10 * time.Second

var errAIUnavailable = errors.New("generative service is not configured")

// unavailableCompleter keeps the XP route answering AI_ERROR when the provider
// could not be built at start.
type unavailableCompleter struct{ cause error }

func (u unavailableCompleter) Complete(context.Context, string, string) (string, error) {
	return "", errors.Join(errAIUnavailable, u.cause)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown")
		}
	}()

	client, err := upstream.New(upstream.Options{
		BaseURL:      cfg.Upstream.BaseURL,
		ClientPrefix: cfg.Upstream.ClientPrefix,
		Prefix:       cfg.Upstream.Prefix,
		TaskPath:     cfg.Upstream.TaskPath,
		Timeout:      cfg.Upstream.Timeout,
	})
	if err != nil {
		logger.Fatalf("upstream: %v", err)
	}
	enricher := feed.NewEnricher(client, feed.Options{
		TaskTimeout: cfg.Enrich.TaskTimeout,
		Concurrency: cfg.Enrich.Concurrency,
		Logger:      logger,
	})

	var completer ai.Completer
	completer, err = ai.NewCompleter(ctx, cfg.AI, &http.Client{Timeout: cfg.AI.Timeout})
	if err != nil {
		logger.WithError(err).WithField("provider", cfg.AI.Provider).Warn("ai provider unavailable; xp suggestions will fail")
		completer = unavailableCompleter{cause: err}
	}
	advisor := ai.NewAdvisor(completer, cfg.AI.Timeout, logger)

	deps := api.Deps{
		Upstream:        client,
		Enricher:        enricher,
		Advisor:         advisor,
		Logger:          logger,
		ClientPrefix:    cfg.Upstream.ClientPrefix,
		FeedPath:        cfg.Upstream.FeedPath,
		RateLimitWindow: cfg.RateLimit.Window,
	}
	if auth := newAuth(cfg.Auth, logger); auth != nil {
		deps.Auth = auth
	}
	if cfg.RateLimit.Limit > 0 {
		deps.RateLimitStore = newRateLimitStore(cfg.RateLimit, logger)
	}

	e := echo.New()
	api.Configure(e, logger)
	api.Register(e, deps)

	go func() {
		logger.WithField("addr", cfg.Addr()).Info("gateway listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
}

func newAuth(cfg config.AuthConfig, logger *log.Logger) *api.Auth {
	switch {
	case cfg.HS256Secret != "":
		logger.Warn("xp endpoint accepts HS256 tokens signed with a shared secret")
		return api.NewHS256Auth([]byte(cfg.HS256Secret), cfg.Audience, cfg.Issuer)
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		return api.NewJWKSAuth(jwks, cfg.Audience, cfg.Issuer, cfg.JWKSCacheTTL)
	}
	return nil
}

func newRateLimitStore(cfg config.RateLimitConfig, logger *log.Logger) middleware.RateLimiterStore {
	if cfg.RedisURL == "" {
		return api.NewMemoryRateLimiterStore(cfg.Limit, cfg.Window)
	}
	rc := redis.NewClient(redisOptions(cfg.RedisURL))
	return api.NewRedisWindowStore(rc, cfg.Limit, cfg.Window, logger)
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
