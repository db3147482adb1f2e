package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/fakestore"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/storefront"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("session_backend", cfg.Session.Backend),
		zap.String("catalog", cfg.Catalog.BaseURL),
	)
	clock := clockwork.NewRealClock()

	sessions, err := openSessions(ctx, cfg.Session, clock)
	if err != nil {
		return errors.Wrap(err, "open sessions")
	}
	defer sessions.close()

	source, err := fakestore.New(fakestore.Config{
		BaseURL: cfg.Catalog.BaseURL,
		Timeout: cfg.Catalog.Timeout,
		Breaker: fakestore.BreakerConfig{
			MaxRequests:  cfg.Catalog.Breaker.MaxRequests,
			Interval:     cfg.Catalog.Breaker.Interval,
			Timeout:      cfg.Catalog.Breaker.Timeout,
			FailureRatio: cfg.Catalog.Breaker.FailureRatio,
			MinRequests:  cfg.Catalog.Breaker.MinRequests,
		},
	},
		fakestore.WithLogger(lg.Named("fakestore")),
		fakestore.WithTracerProvider(m.TracerProvider()),
		fakestore.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create product client")
	}
	products := catalog.NewService(source, catalog.ServiceOptions{
		TTL:   cfg.Catalog.CacheTTL,
		Clock: clock,
	})

	registry, err := storefront.NewRegistry(sessions, storefront.Options{
		FilterDelay:   cfg.Storefront.FilterDelay,
		AddDelay:      cfg.Storefront.AddDelay,
		IdleTimeout:   cfg.Session.Idle,
		Clock:         clock,
		MeterProvider: m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create registry")
	}

	// Health check service.
	healthSvc := health.New(health.WithClock(clock))
	healthSvc.AddReadinessCheck("sessions", health.PingCheck(registry), health.WithTimeout(5*time.Second))
	healthSvc.AddReadinessCheck("catalog", products.Check, health.WithTimeout(cfg.Catalog.Timeout))
	healthSvc.AddLivenessCheck("goroutines", health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", health.GCPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	limiter := httpmiddleware.NewRateLimiter(httpmiddleware.RateLimitConfig{
		Max:     cfg.RateLimit.Max,
		Window:  cfg.RateLimit.Window,
		Clock:   clock,
	})

	h := handler.NewHandler(handler.HandlerConfig{
		CookieName:   cfg.Session.Cookie,
		CookieSecure: cfg.Session.CookieSecure,
		CookieMaxAge: cfg.Session.CookieMaxAge,
	}, products, registry)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes(
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			limiter.Middleware(),
			httpmiddleware.Instrument("storefront", m),
		),
	}

	// Background work stops once the server has drained.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(bgCtx)
	})
	g.Go(func() error {
		return limiter.Run(bgCtx)
	})
	g.Go(func() error {
		return runPurge(bgCtx, sessions.purger, cfg.Session.PurgeInterval, clock)
	})
	g.Go(func() error {
		// Graceful shutdown: wait for context cancellation, drain, then stop.
		<-gctx.Done()
		defer stopBackground()

		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}
