package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ogimage/internal/bootstrap"
	"ogimage/internal/http/handlers"
	"ogimage/internal/http/httpapi"
	"ogimage/internal/infra"
	"ogimage/internal/infra/geoip"
	"ogimage/internal/metrics"
	"ogimage/internal/middleware"
	"ogimage/internal/render"
	"ogimage/internal/tasks"
	"ogimage/internal/templates"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer stores.Close()

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	defer geo.Close()

	fonts, err := bootstrap.NewFontLoader(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load fonts")
	}
	engine := bootstrap.NewEngine(cfg)

	queue := tasks.NewQueue(cfg.BackgroundWorkers, cfg.BackgroundQueue, logger,
		tasks.WithObserver(metrics.BackgroundTask))

	app := handlers.NewApp(handlers.Deps{
		Gate:         bootstrap.NewGate(cfg, stores, logger),
		Resolver:     templates.NewResolver(stores.Templates),
		Renderer:     render.NewPipeline(fonts, engine, logger),
		Tasks:        queue,
		Templates:    stores.Templates,
		Usage:        stores.Usage,
		APIKeys:      stores.APIKeys,
		CacheVersion: cfg.CacheVersion,
		Logger:       logger,
		Ready:        append(stores.Checks, bootstrap.EngineCheck(engine)),
	})

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:        logger,
		Sessions:      middleware.NewSessionSigner(cfg.SessionSecret),
		SessionCookie: cfg.SessionCookie,
		CountryLookup: geo.Lookup(),
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimitPerMin, metrics.RateLimitRejected),
		CORSOrigins:   cfg.CORSOrigins,
	})
	server := infra.NewHTTPServer(cfg, router, logger)
	server.OnDrain(queue.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bootstrap.WarmEngine(gctx, engine, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Str("env", cfg.AppEnv).Bool("require_auth", cfg.RequireAuth).Msg("api listening")
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("server stopped")
}
