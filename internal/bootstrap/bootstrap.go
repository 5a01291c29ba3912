// Package bootstrap builds the service's collaborators from configuration.
// Both the API server and the admin CLI start from here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ogimage/internal/adapter/memory"
	"ogimage/internal/adapter/repo"
	"ogimage/internal/domain"
	"ogimage/internal/http/handlers"
	"ogimage/internal/infra"
	"ogimage/internal/infra/credentials"
	"ogimage/internal/metrics"
	"ogimage/internal/quota"
	quotaredis "ogimage/internal/quota/redis"
	"ogimage/internal/render"
	"ogimage/internal/storage"
)

// Stores groups the repositories and counters selected by configuration.
type Stores struct {
	APIKeys   domain.APIKeyRepository
	Accounts  domain.AccountRepository
	Templates domain.TemplateRepository
	Usage     domain.UsageRepository
	Quota     domain.CounterStore
	Overage   domain.CounterStore
	Checks    []handlers.ReadinessCheck

	closers []func()
}

// Close releases every connection opened by OpenStores.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OpenStores connects Postgres when DATABASE_URL is set and Redis when
// REDIS_URL is set. Missing URLs select the in-memory implementations.
func OpenStores(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Stores, error) {
	s := &Stores{}

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		runner := infra.NewSQLRunner(pool, logger, infra.WithQueryObserver(metrics.ObserveQuery))
		s.APIKeys = credentials.NewStore(runner)
		s.Accounts = repo.NewAccountRepository(runner)
		s.Templates = repo.NewTemplateRepository(runner)
		s.Usage = repo.NewUsageRepository(runner)
		s.Checks = append(s.Checks, handlers.ReadinessCheck{Name: "database", Check: runner.Ping})
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory repositories")
		s.APIKeys = memory.NewAPIKeys()
		s.Accounts = memory.NewAccounts()
		s.Templates = memory.NewTemplates()
		s.Usage = memory.NewUsage()
	}

	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		counters := quotaredis.New(client)
		s.Quota, s.Overage = counters, counters
		// Quota fails open, so a Redis outage degrades rather than blocks.
		s.Checks = append(s.Checks, handlers.ReadinessCheck{
			Name:     "counters",
			Optional: true,
			Check:    func(ctx context.Context) error { return pingRedis(ctx, client) },
		})
	} else {
		logger.Warn().Msg("REDIS_URL not set, quota counters are per-process")
		s.Quota, s.Overage = quota.NewMemoryCounter(), quota.NewMemoryCounter()
	}

	return s, nil
}

func pingRedis(ctx context.Context, client *goredis.Client) error {
	return client.Ping(ctx).Err()
}

// NewGate wires the auth and quota gate over s.
func NewGate(cfg *infra.Config, s *Stores, logger infra.Logger) *quota.Gate {
	return quota.NewGate(
		credentials.NewVerifier(s.APIKeys),
		s.Accounts,
		s.Quota,
		s.Overage,
		cfg.RequireAuth,
		quota.WithLogger(logger),
	)
}

// NewFontLoader builds the font loader with its on-disk cache.
func NewFontLoader(cfg *infra.Config, logger infra.Logger) (*render.FontLoader, error) {
	opts := []render.FontOption{
		render.WithGoogleFontsBaseURL(cfg.GoogleFontsBaseURL),
		render.WithFetchPolicy(cfg.FontFetchTimeout, cfg.FontFetchRetries),
		render.WithFontLogger(logger),
		render.WithMemoryCacheBytes(cfg.FontMemoryBytes),
		render.WithEmojiFamily(cfg.EmojiFontFamily),
	}
	if cfg.FontCacheDir != "" {
		disk, err := storage.NewFileStore(cfg.FontCacheDir, storage.WithMaxBytes(cfg.FontCacheMaxBytes))
		if err != nil {
			return nil, err
		}
		opts = append(opts, render.WithDiskCache(disk))
	}
	return render.NewFontLoader(opts...)
}

// NewEngine returns the process's raster engine. The gauge follows its state.
func NewEngine(cfg *infra.Config) *render.Engine {
	initRaster := render.NewOKSVGInit(cfg.RasterDisabled)
	return render.NewEngine(func(ctx context.Context) (render.Rasterizer, error) {
		r, err := initRaster(ctx)
		if err != nil {
			metrics.SetRasterEngineState(int(render.EngineUnavailable))
			return nil, err
		}
		metrics.SetRasterEngineState(int(render.EngineReady))
		return r, nil
	})
}

// EngineCheck reports an unavailable raster engine as degraded: requests
// still get SVG.
func EngineCheck(engine *render.Engine) handlers.ReadinessCheck {
	return handlers.ReadinessCheck{
		Name:     "raster",
		Optional: true,
		Check: func(ctx context.Context) error {
			if engine.State() == render.EngineUnavailable {
				return errors.New("raster engine unavailable")
			}
			return nil
		},
	}
}

// WarmEngine initializes the raster engine ahead of the first request.
func WarmEngine(ctx context.Context, engine *render.Engine, logger infra.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := engine.Ready(ctx); err != nil {
		logger.Warn().Err(err).Msg("raster engine unavailable, images will be served as SVG")
		return
	}
	logger.Info().Msg("raster engine ready")
}

var errNoAccount = errors.New("account not found")

// RequireAccount loads an account or fails with a readable error.
func RequireAccount(ctx context.Context, accounts domain.AccountRepository, id string) (*domain.Account, error) {
	acct, err := accounts.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", errNoAccount, id)
	}
	return acct, err
}
