package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"devicelink/internal/cache"
	"devicelink/internal/config"
	"devicelink/internal/database"
	"devicelink/internal/handler"
	"devicelink/internal/metrics"
	"devicelink/internal/queue"
	redisclient "devicelink/internal/redis"
	"devicelink/internal/repository"
	"devicelink/internal/service"
	authmw "devicelink/internal/transport/http/middleware"
	"devicelink/internal/worker"
)

const (
	rateLimitWindow = time.Minute
	shutdownTimeout = 15 * time.Second
)

func Run() error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).
		With("service", "devicelink")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 4. Repositories
	store := repository.NewTokenStore(db)
	users := repository.NewUserRepository(db)
	deviceEvents := repository.NewDeviceEventRepository(db)

	// 5. Redis (optional): shared rate limits and the device event stream
	var (
		publisher queue.Publisher = queue.NopPublisher{}
		limiter   cache.Limiter
		audit     *worker.Manager
	)
	if cfg.RedisURL != "" {
		rc, err := redisclient.Connect(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, using local rate limits and no event stream", "error", err)
		} else {
			defer rc.Close()
			publisher = queue.NewPublisher(rc.Client)
			limiter = cache.NewRedisRateLimiter(rc.Client, cfg.RateLimitPerMinute, rateLimitWindow)
			audit = worker.NewManager(queue.NewConsumer(rc.Client), worker.NewAuditHandler(deviceEvents), worker.DefaultManagerConfig())
		}
	}
	if limiter == nil {
		local := cache.NewLocalRateLimiter(cfg.RateLimitPerMinute, rateLimitWindow)
		defer local.Close()
		limiter = local
	}

	// 6. Services
	issuer := service.NewTokenIssuer(store, cfg)
	issuer.SetEvents(publisher, m)
	registry := service.NewPairingRegistry(store, users, issuer, cfg)
	registry.SetEvents(publisher, m)
	sessions := service.NewSessionService(cfg)
	userService := service.NewUserService(users)

	resolver := authmw.NewAuthResolver(
		authmw.DeviceTokenStrategy{Tokens: issuer},
		authmw.SessionStrategy{Sessions: sessions},
	)

	router := NewRouter(RouterConfig{
		AuthHandler:   handler.NewAuthHandler(userService, sessions, cfg.SecureCookies),
		DeviceHandler: handler.NewDeviceHandler(registry, issuer),
		Resolver:      resolver,
		Limiter:       limiter,
		Metrics:       m,
		Gatherer:      reg,
		TrustProxy:    cfg.TrustProxyHeaders,
	})

	// 7. Background work
	sweeper := worker.NewSweeper(store, m, worker.SweeperConfig{
		Interval:          cfg.SweepInterval,
		RegistrationGrace: cfg.RegistrationGrace,
		TokenRetention:    cfg.TokenRetention,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if audit != nil {
		if err := audit.Start(ctx); err != nil {
			slog.Warn("audit workers not started", "error", err)
		} else {
			defer audit.Stop()
		}
	}

	// 8. Serve until signalled
	srv := &stdhttp.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
