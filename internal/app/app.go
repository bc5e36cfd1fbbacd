package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/couponapi"
	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/domain/coupon"
	"github.com/xenking/kart-cart/internal/httpapi"
	"github.com/xenking/kart-cart/internal/session"
	"github.com/xenking/kart-cart/internal/storage"
	"github.com/xenking/kart-cart/internal/storage/filestore"
	"github.com/xenking/kart-cart/internal/storage/memstore"
	"github.com/xenking/kart-cart/internal/storage/postgres"
	"github.com/xenking/kart-cart/internal/storage/redisstore"
	"github.com/xenking/kart-cart/pkg/health"
	"github.com/xenking/kart-cart/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	backend, closeBackend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open cart storage")
	}
	defer closeBackend()

	pricing, err := cfg.CartPricing()
	if err != nil {
		return err
	}

	couponClient, err := couponapi.New(cfg.Coupon.BaseURL,
		couponapi.WithBreaker(cfg.Breaker()),
		couponapi.WithLogger(lg.Named("coupon")),
		couponapi.WithMeterProvider(m.MeterProvider()),
		couponapi.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create coupon client")
	}
	validator := coupon.NewWindowValidator(couponClient)

	sessions := session.New(backend, func(store cart.Store) (*cart.Service, error) {
		return cart.NewService(store, validator, cart.NewState(),
			cart.WithPricing(pricing),
			cart.WithMaxQuantity(cfg.Cart.MaxQuantity),
			cart.WithCouponTimeout(cfg.Coupon.Timeout),
			cart.WithMeterProvider(m.MeterProvider()),
			cart.WithTracerProvider(m.TracerProvider()),
		)
	}, cfg.Storage.IdleTTL)
	sessions.StartCleanup(ctx, time.Minute)

	// Health check service.
	healthSvc := health.New(health.WithLogger(lg.Named("health")))
	healthSvc.AddReadinessCheck("storage", 5*time.Second, sessions.Ping)
	if cfg.Coupon.GateReadiness {
		healthSvc.AddReadinessCheck("coupon", time.Second, couponClient.Check)
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.AddLivenessCheck("heap", time.Second, health.HeapCheck(2<<30))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Router: health endpoints + cart API on one server.
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	httpapi.NewHandler(sessions).Register(router)
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	// Promo validation may take the whole coupon timeout.
	writeTimeout := cfg.Coupon.Timeout + 10*time.Second

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", httpmiddleware.SessionHeader, httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.Session(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.SessionKey,
			}),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("cart-api", routeFinder, m.MeterProvider(), m.TracerProvider()),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// openBackend builds the configured cart storage and returns a func releasing
// its connections.
func openBackend(ctx context.Context, cfg StorageConfig) (storage.Backend, func(), error) {
	nop := func() {}
	switch cfg.Driver {
	case DriverMemory:
		return memstore.New(), nop, nil
	case DriverFile:
		b, err := filestore.New(cfg.Dir)
		if err != nil {
			return nil, nop, err
		}
		return b, nop, nil
	case DriverRedis:
		client, err := redisstore.NewClient(cfg.RedisAddr)
		if err != nil {
			return nil, nop, err
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				zctx.From(ctx).Warn("Close redis client", zap.Error(err))
			}
		}
		return redisstore.New(client, cfg.RedisTTL), closeClient, nil
	case DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nop, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nop, errors.Wrap(err, "run migrations")
		}
		return postgres.NewCartRepository(pool), pool.Close, nil
	default:
		return nil, nop, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
