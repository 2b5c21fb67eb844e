package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ccrelay/internal/account"
	"ccrelay/internal/circuit"
	"ccrelay/internal/concurrency"
	"ccrelay/internal/config"
	"ccrelay/internal/cooldown"
	"ccrelay/internal/credential"
	"ccrelay/internal/dispatch"
	"ccrelay/internal/handler"
	"ccrelay/internal/health"
	"ccrelay/internal/logging"
	"ccrelay/internal/metrics"
	"ccrelay/internal/middleware"
	"ccrelay/internal/pool"
	"ccrelay/internal/ratelimit"
	"ccrelay/internal/relay"
	"ccrelay/internal/retry"
	"ccrelay/internal/scheduler"
	"ccrelay/internal/stickystore"
	"ccrelay/internal/store"
	"ccrelay/pkg/clienttoken"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logging.Init hasn't run yet; this is the one place a bare
		// fmt.Println is appropriate, since nothing else has a logger set up.
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logFile, err := logging.Init("ccrelay.log", cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("JWT secret is required (set CCRELAY_JWT_SECRET)")
	}
	if cfg.Admin.Key == "" {
		log.Fatal().Msg("admin key is required (set CCRELAY_ADMIN_KEY)")
	}

	db, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	accounts := make([]account.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		built, err := config.BuildAccount(a)
		if err != nil {
			log.Fatal().Err(err).Str("account", a.ID).Msg("failed to build account")
		}
		accounts = append(accounts, built)
	}
	registry, err := account.NewRegistry(accounts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build account registry")
	}
	log.Info().Int("accounts", len(accounts)).Msg("initialized account registry")

	oauthHTTPClient := &http.Client{Timeout: 30 * time.Second}
	claudeRefresher := credential.NewClaudeRefresher(oauthHTTPClient)
	geminiRefresher := credential.NewGeminiRefresher(oauthHTTPClient)
	credentials := credential.NewManager(claudeRefresher, geminiRefresher)

	httpPool := pool.New(pool.Config{
		MaxIdleConns:        cfg.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
		MaxClients:          cfg.Pool.MaxClients,
		ClientIdleTTL:       cfg.Pool.ClientIdleTTL,
		ResponseTimeout:     cfg.Pool.ResponseTimeout,
	})
	defer httpPool.Close()
	log.Info().Msg("initialized connection pool")

	circuitMgr := circuit.NewManager(circuit.BreakerConfig{
		Enabled:          cfg.Circuit.Enabled,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout,
	})
	defer circuitMgr.Close()
	log.Info().Bool("enabled", cfg.Circuit.Enabled).Msg("initialized circuit breaker manager")

	cooldownTable := cooldown.New()
	circuitMgr.OnTrip(func(accountID string) {
		cooldownTable.MarkUnavailable(accountID, "circuit_open")
	})

	concurrencyMgr := concurrency.NewManager(concurrency.ConcurrencyConfig{
		UserMax:       cfg.Concurrency.UserMax,
		AccountMax:    cfg.Concurrency.AccountMax,
		MaxWaitQueue:  cfg.Concurrency.MaxWaitQueue,
		WaitTimeout:   cfg.Concurrency.WaitTimeout,
		BackoffBase:   cfg.Concurrency.BackoffBase,
		BackoffMax:    cfg.Concurrency.BackoffMax,
		BackoffJitter: cfg.Concurrency.BackoffJitter,
		PingInterval:  cfg.Concurrency.PingInterval,
	})
	defer concurrencyMgr.Close()
	log.Info().Int("user_max", cfg.Concurrency.UserMax).Int("account_max", cfg.Concurrency.AccountMax).Msg("initialized concurrency manager")

	rateLimiter := ratelimit.NewMultiMemoryLimiter(ratelimit.RateLimitConfig{
		Enabled: cfg.RateLimit.Enabled,
		UserLimit: ratelimit.LimitRule{
			Requests: cfg.RateLimit.UserLimit.Requests,
			Window:   cfg.RateLimit.UserLimit.Window,
		},
		AccountLimit: ratelimit.LimitRule{
			Requests: cfg.RateLimit.AccountLimit.Requests,
			Window:   cfg.RateLimit.AccountLimit.Window,
		},
		IPLimit: ratelimit.LimitRule{
			Requests: cfg.RateLimit.IPLimit.Requests,
			Window:   cfg.RateLimit.IPLimit.Window,
		},
		GlobalLimit: ratelimit.LimitRule{
			Requests: cfg.RateLimit.GlobalLimit.Requests,
			Window:   cfg.RateLimit.GlobalLimit.Window,
		},
	})
	defer rateLimiter.Close()
	log.Info().Bool("enabled", cfg.RateLimit.Enabled).Msg("initialized rate limiter")

	stickyStore := stickystore.New(db, time.Now)

	sched := scheduler.New(scheduler.Config{
		StickyTTL:        time.Duration(cfg.Session.StickyTTLSeconds) * time.Second,
		RenewalThreshold: time.Duration(cfg.Session.RenewalThresholdSeconds) * time.Second,
		SweepInterval:    60 * time.Second,
	}, registry, stickyStore, cooldownTable, circuitMgr)
	defer sched.Close()
	log.Info().Msg("initialized scheduler")

	retryTracker := retry.NewTracker()

	metricsCollector := metrics.New(cfg.Metrics)
	if cfg.Metrics.Enabled {
		log.Info().Str("path", cfg.Metrics.Path).Msg("initialized Prometheus metrics")
	}

	var healthMonitor health.Monitor
	if cfg.Health.Enabled {
		healthMonitor = health.NewMonitor(cfg.Health, registry, credentials, circuitMgr, metricsCollector)
		log.Info().Dur("interval", cfg.Health.CheckInterval).Msg("initialized health monitor")
	}

	dispatchCtrl := &dispatch.Controller{
		Scheduler:          sched,
		Credentials:        credentials,
		Cooldown:           cooldownTable,
		Breakers:           circuitMgr,
		Concurrency:        concurrencyMgr,
		RateLimit:          rateLimiter,
		Store:              db,
		Retry:              retryTracker,
		Metrics:            metricsCollector,
		MaxAccountAttempts: cfg.Retry.MaxAttempts,
		Claude:             relay.NewClaudeClient(),
		Gemini:             relay.NewGeminiClient(httpPool),
		Codex:              relay.NewCodexClient(httpPool),
	}

	tokenManager := clienttoken.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)

	relayHandler := handler.NewRelayHandler(dispatchCtrl, db)
	tokenHandler := handler.NewTokenHandler(tokenManager, db, cfg.JWT.DefaultExpiry)
	accountHandler := handler.NewAccountHandler(db, registry)
	statsHandler := &handler.StatsHandler{
		Scheduler:   sched,
		Circuit:     circuitMgr,
		Concurrency: concurrencyMgr,
		RateLimit:   rateLimiter,
		Pool:        httpPool,
		Retry:       retryTracker,
		Health:      healthMonitor,
	}

	authMiddleware := middleware.NewAuthMiddleware(tokenManager, db, cfg.APIKeys)
	adminMiddleware := middleware.NewAdminMiddleware(cfg.Admin.Key)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", relayHandler.Health)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, metricsCollector.Handler())
	}

	relayRoutes := router.Group("/")
	relayRoutes.Use(authMiddleware.RelayAuth())
	{
		relayRoutes.POST("/v1/messages", relayHandler.Messages)
		relayRoutes.POST("/api/v1/messages", relayHandler.Messages)
		relayRoutes.POST("/claude/v1/messages", relayHandler.Messages)

		relayRoutes.POST("/openai/v1/chat/completions", relayHandler.ChatCompletions)

		relayRoutes.POST("/openai/v1/responses", relayHandler.Responses)
		relayRoutes.POST("/v1/responses", relayHandler.Responses)

		relayRoutes.POST("/gemini/v1/models/:modelMethod", relayHandler.Gemini)

		relayRoutes.GET("/v1/models", relayHandler.ListModels)
		relayRoutes.GET("/openai/v1/models", relayHandler.ListModels)
	}

	admin := router.Group("/api")
	admin.Use(adminMiddleware.Auth())
	{
		admin.POST("/tokens", tokenHandler.Generate)
		admin.GET("/tokens", tokenHandler.List)
		admin.DELETE("/tokens/:id", tokenHandler.Revoke)

		admin.GET("/accounts", accountHandler.List)
		admin.POST("/accounts", accountHandler.Create)
		admin.PUT("/accounts/:id", accountHandler.Update)
		admin.DELETE("/accounts/:id", accountHandler.Delete)

		admin.GET("/stats/scheduler", statsHandler.SchedulerStats)
		admin.GET("/stats/circuit", statsHandler.CircuitStats)
		admin.GET("/stats/concurrency", statsHandler.ConcurrencyStats)
		admin.GET("/stats/ratelimit", statsHandler.RateLimitStats)
		admin.GET("/stats/pool", statsHandler.PoolStats)
		admin.GET("/stats/retry", statsHandler.RetryStats)
		admin.GET("/stats/health", statsHandler.HealthStats)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if healthMonitor != nil {
		if err := healthMonitor.Start(ctx); err != nil {
			log.Error().Err(err).Msg("failed to start health monitor")
		}
		defer healthMonitor.Stop()
	}

	if cfg.Metrics.Enabled {
		go exportPoolStats(ctx, httpPool, metricsCollector)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).
			Bool("circuit", cfg.Circuit.Enabled).
			Bool("ratelimit", cfg.RateLimit.Enabled).
			Bool("health", cfg.Health.Enabled).
			Bool("metrics", cfg.Metrics.Enabled).
			Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// exportPoolStats periodically copies the HTTP client pool's size into the
// pool_clients gauge until ctx is canceled.
func exportPoolStats(ctx context.Context, httpPool pool.Pool, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SetPoolClients(httpPool.Stats().TotalClients)
		case <-ctx.Done():
			return
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info().
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
