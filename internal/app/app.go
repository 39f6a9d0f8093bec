// Package app wires the service together. Each factory depends only on
// what was built before it; Close tears down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/assets"
	"github.com/suPer8Hu/acontext-api/internal/auth"
	"github.com/suPer8Hu/acontext-api/internal/chat"
	"github.com/suPer8Hu/acontext-api/internal/config"
	"github.com/suPer8Hu/acontext-api/internal/db"
	"github.com/suPer8Hu/acontext-api/internal/editing"
	"github.com/suPer8Hu/acontext-api/internal/flush"
	"github.com/suPer8Hu/acontext-api/internal/httpapi"
	"github.com/suPer8Hu/acontext-api/internal/httpapi/handlers"
	"github.com/suPer8Hu/acontext-api/internal/logging"
	"github.com/suPer8Hu/acontext-api/internal/metrics"
	"github.com/suPer8Hu/acontext-api/internal/store/rabbitmq"
	"github.com/suPer8Hu/acontext-api/internal/store/redisstore"
)

// Core holds what both the API and the sweeper need.
type Core struct {
	Cfg       config.Config
	Log       *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	DB        *gorm.DB
	Publisher *rabbitmq.Publisher
}

type App struct {
	*Core
	Redis  *redisstore.Store
	Server *http.Server
}

func NewLogger(cfg config.Config) *slog.Logger {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	return log
}

func NewMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}

func NewDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, nil
}

// NewPublisher fails when the broker is unreachable at start.
func NewPublisher(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*rabbitmq.Publisher, error) {
	p, err := rabbitmq.NewPublisher(cfg.RabbitURL, rabbitmq.Options{
		Queue:    cfg.RabbitQueue,
		Prefetch: cfg.RabbitPrefetch,
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("rabbit connect: %w", err)
	}
	return p, nil
}

// NewCore builds config-driven infrastructure shared by every binary.
func NewCore(cfg config.Config) (*Core, error) {
	c := &Core{Cfg: cfg, Log: NewLogger(cfg)}
	c.Registry, c.Metrics = NewMetrics()

	var err error
	if c.DB, err = NewDB(cfg); err != nil {
		return nil, err
	}
	if c.Publisher, err = NewPublisher(cfg, c.Log, c.Metrics); err != nil {
		_ = db.Close(c.DB)
		return nil, err
	}
	return c, nil
}

// Close stops the publisher first so its reconnect loop exits, then the
// database.
func (c *Core) Close() error {
	var errs []error
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}
	if c.DB != nil {
		errs = append(errs, db.Close(c.DB))
	}
	return errors.Join(errs...)
}

// New builds the API server: core, project cache, auth, assets, flush,
// chat and the router, in that order.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	core, err := NewCore(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core}

	var cache auth.ProjectCache
	if cfg.RedisAddr != "" {
		a.Redis = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ProjectCacheTTL)
		if err := a.Redis.Ping(ctx); err != nil {
			// auth still works from the database
			a.Log.Warn("redis unavailable, project cache degraded", "addr", cfg.RedisAddr, "err", err)
		}
		cache = a.Redis
	}

	authRepo := auth.NewRepo(a.DB)
	if _, err := auth.EnsureDefaultProject(ctx, authRepo, auth.BootstrapConfig{
		Secret: cfg.RootAPIBearerToken,
		Pepper: cfg.SecretPepper,
		Params: auth.Params{Time: cfg.Argon2Time, MemoryKB: cfg.Argon2MemoryKB, Threads: cfg.Argon2Threads},
		Cache:  cache,
		Logger: a.Log,
	}); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("bootstrap project: %w", err)
	}
	authn := auth.NewAuthenticator(authRepo, auth.Options{
		Prefix:  cfg.AuthBearerPrefix,
		Pepper:  cfg.SecretPepper,
		Verify:  cfg.VerifySecretHash,
		Cache:   cache,
		Logger:  a.Log,
		Metrics: a.Metrics,
	})

	store, err := assets.NewDiskStore(cfg.AssetDir)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	signer, err := assets.NewSigner(cfg.AssetURLSecret, cfg.AssetPublicBaseURL, cfg.AssetURLTTL)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("asset signer: %w (set ASSET_URL_SECRET)", err)
	}

	counter, err := editing.Tiktoken()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	svc := chat.NewService(chat.NewRepo(a.DB), chat.Deps{
		Publisher: a.Publisher,
		Assets:    assets.NewUploader(store, cfg.AssetBucket),
		Signer:    signer,
		Flusher:   flush.NewCoordinator(cfg.ConsumerBaseURL, cfg.FlushTimeout, a.Log, a.Metrics),
		Counter:   counter.Count,
		Logger:    a.Log,
		Metrics:   a.Metrics,

		EvalCacheSize: cfg.EvalCacheSize,
		EvalCacheTTL:  cfg.EvalCacheTTL,
	})

	h := handlers.NewHandler(a.DB, svc, signer, store, a.Log)
	router := httpapi.NewRouter(h, authn, httpapi.Options{
		Logger:         a.Log,
		Metrics:        a.Metrics,
		Gatherer:       a.Registry,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	a.Server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run serves until ctx is done, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("api listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Server.Shutdown(shutdownCtx)
}

// Close releases the publisher, then redis, then the database.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
		a.Publisher = nil
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Core.Close())
	return errors.Join(errs...)
}
