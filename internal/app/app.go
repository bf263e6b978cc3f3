package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/docstore/memory"
	"github.com/xenking/organic-market/internal/domain/cart"
	"github.com/xenking/organic-market/internal/domain/checkout"
	"github.com/xenking/organic-market/internal/domain/notification"
	"github.com/xenking/organic-market/internal/domain/order"
	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/stock"
	"github.com/xenking/organic-market/internal/domain/user"
	"github.com/xenking/organic-market/internal/handler"
	"github.com/xenking/organic-market/internal/notify"
	"github.com/xenking/organic-market/internal/repository"
	"github.com/xenking/organic-market/internal/storage/mongo"
	"github.com/xenking/organic-market/internal/storage/postgres"
	redisstore "github.com/xenking/organic-market/internal/storage/redis"
	"github.com/xenking/organic-market/pkg/health"
	"github.com/xenking/organic-market/pkg/httpmiddleware"
)

// OpenStore connects the configured document store backend and prepares its
// schema.
func OpenStore(ctx context.Context, cfg *Config) (docstore.Store, error) {
	switch cfg.Backend {
	case BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return postgres.NewStore(pool), nil
	case BackendMongo:
		s, err := mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, errors.Wrap(err, "connect mongo")
		}
		if err := s.EnsureIndexes(ctx,
			product.Collection, order.Collection, notification.Collection, user.Collection,
		); err != nil {
			_ = s.Close(ctx)
			return nil, errors.Wrap(err, "ensure indexes")
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}

var openStore = OpenStore

// Service is the wired application: the HTTP handler with its middleware
// chain and the health probes.
type Service struct {
	Handler http.Handler
	Health  *health.Health

	api     *handler.Handler
	closers []func()
}

// Close ends open notification feeds and releases connections in reverse
// order of creation.
func (s *Service) Close() {
	s.api.CloseStreams()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// New creates all dependencies of the API. Background work started by New
// stops when ctx is done; call Close to release connections.
func New(ctx context.Context, lg *zap.Logger, m httpmiddleware.TelemetryProvider, cfg *Config) (_ *Service, rerr error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		Health:  health.New(),
		closers: []func(){func() { _ = store.Close(context.Background()) }},
	}
	defer func() {
		if rerr != nil {
			for i := len(s.closers) - 1; i >= 0; i-- {
				s.closers[i]()
			}
		}
	}()

	s.Health.Register(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(cfg.Health.MaxGoroutines))
	s.Health.Register(health.Readiness, "store", 5*time.Second, health.PingCheck(store))

	// Repositories.
	productRepo := repository.NewProductRepository(store)
	userRepo := repository.NewUserRepository(store)
	orderRepo := repository.NewOrderRepository(store)
	inbox := repository.NewNotificationRepository(store)

	// Notifications land in the inbox and are mirrored to Kafka when enabled.
	var mirrors []notification.Sender
	if cfg.Kafka.Brokers != "" {
		publisher := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		s.closers = append(s.closers, func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close kafka writer", zap.Error(err))
			}
		})
		mirrors = append(mirrors, notify.NewBreaker("kafka", publisher, notify.BreakerConfig{
			Failures: cfg.Kafka.BreakerFailures,
			Cooldown: cfg.Kafka.BreakerCooldown,
		}, lg))
		lg.Info("Mirroring notifications", zap.String("topic", cfg.Kafka.Topic))
	}
	sender := notify.NewTee(lg, inbox, mirrors...)

	// Carts survive restarts when Redis is configured.
	var cartStore cart.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		rs := redisstore.NewCartStore(rdb, cfg.Redis.CartTTL)
		s.Health.Register(health.Readiness, "redis", 2*time.Second, health.PingCheck(rs))
		cartStore = rs
	}

	// Domain services.
	checkoutService, err := checkout.NewService(productRepo, orderRepo, stock.NewReserver(store), sender, lg, checkout.Options{
		LowStockThreshold: cfg.Checkout.LowStockThreshold,
		Parallelism:       cfg.Checkout.Parallelism,
		PreflightTimeout:  cfg.Checkout.PreflightTimeout,
		TracerProvider:    m.TracerProvider(),
		MeterProvider:     m.MeterProvider(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create checkout service")
	}
	orderService := order.NewService(orderRepo, sender, lg)

	s.api = handler.New(handler.Config{
		ImageBaseURL:   cfg.ImageBaseURL,
		AllowedOrigins: cfg.CORS.Origins,
	}, handler.Deps{
		Products: productRepo,
		Users:    userRepo,
		Carts:    cart.NewSessions(cartStore, lg),
		Checkout: checkoutService,
		Orders:   orderService,
		Inbox:    inbox,
	})
	auth := httpmiddleware.Auth(httpmiddleware.AuthConfig{
		Secret:     []byte(cfg.Auth.Secret),
		Issuer:     cfg.Auth.Issuer,
		QueryParam: "access_token",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", s.Health.LiveEndpoint)
	mux.HandleFunc("/readyz", s.Health.ReadyEndpoint)
	mux.Handle("/api/", s.api.Router(auth))

	s.Handler = httpmiddleware.Wrap(mux,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Instrument("market-api", m),
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)
	return s, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Backend),
	)

	svc, err := New(ctx, lg, m, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.Health.Start(ctx, cfg.Health.Interval)
	svc.Health.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.Handler,
	}
	server.RegisterOnShutdown(svc.api.CloseStreams)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.Health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.Health.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
