package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/retinascan/internal/auth"
	"github.com/example/retinascan/internal/cache"
	"github.com/example/retinascan/internal/config"
	"github.com/example/retinascan/internal/grpcclient"
	"github.com/example/retinascan/internal/handlers"
	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
	"github.com/example/retinascan/internal/inference/tflite"
	"github.com/example/retinascan/internal/labels"
	"github.com/example/retinascan/internal/logging"
	"github.com/example/retinascan/internal/metrics"
	"github.com/example/retinascan/internal/repository"
	"github.com/example/retinascan/internal/usecase"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)
	if err := repository.AutoMigrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	revocations, closeCache, err := initCache(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	labelSet, err := cfg.LabelSet()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	engine, closeEngine := initEngine(ctx, cfg.Model, labelSet, logger)
	defer closeEngine()

	normalizer, err := imageprocessor.NewNormalizer(cfg.Model.InputSize)
	if err != nil {
		return err
	}
	classifier := inference.NewClassifier(engine, labelSet)
	m.SetEngineReady(classifier.Ready())

	uc := usecase.NewClassificationUseCase(
		normalizer,
		classifier,
		repository.NewPredictionRepository(db),
		m,
		logger,
		cfg.History.Limit,
	)

	credentials, err := auth.NewCredentials(repository.NewUserRepository(db), cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionAuthority(cfg.Auth.Secret, cfg.Auth.Audience, cfg.Auth.SessionTTL, revocations)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(logger))
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	handlers.RegisterRoutes(r, handlers.Dependencies{
		UseCase:        uc,
		Credentials:    credentials,
		Sessions:       sessions,
		LoginLimiter:   auth.NewRateLimiter(cfg.Auth.LoginRatePerMin, cfg.Auth.LoginBurst),
		EngineReady:    classifier.Ready,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:         logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		SecureCookie:   cfg.Auth.SecureCookie,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("retinascan API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("model_backend", cfg.Model.Backend),
		zap.Bool("engine_ready", classifier.Ready()),
	)
	return serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	return repository.Open(ctx, repository.DatabaseOptions{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("closing database failed", zap.Error(err))
	}
}

// initCache connects to Redis when an address is configured and otherwise
// keeps revocations in process.
func initCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (cache.Cache, func(), error) {
	if cfg.Addr == "" {
		logger.Info("redis not configured, using in-process revocation cache")
		return cache.NewMemoryCache(time.Minute), func() {}, nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(redisCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return cache.NewRedisCache(client), func() { client.Close() }, nil
}

// initEngine loads the configured backend. A backend that fails to load is
// replaced by an unavailable engine so the rest of the API keeps serving.
func initEngine(ctx context.Context, cfg config.ModelConfig, labelSet labels.Set, logger *zap.Logger) (inference.Engine, func()) {
	switch cfg.Backend {
	case "grpc":
		engine, conn, err := grpcclient.DialClassifier(ctx, cfg.RemoteAddr, logger)
		if err != nil {
			logger.Error("classifier backend unavailable", zap.Error(err))
			return inference.Unavailable(err), func() {}
		}
		return engine, func() { conn.Close() }
	default:
		engine, err := loadModel(cfg, labelSet, logger)
		if err != nil {
			logger.Error("model failed to load", zap.Error(err), zap.String("path", cfg.Path))
			return inference.Unavailable(err), func() {}
		}
		return engine, engine.Close
	}
}

func loadModel(cfg config.ModelConfig, labelSet labels.Set, logger *zap.Logger) (*tflite.Engine, error) {
	return tflite.Load(tflite.Options{
		ModelPath:    cfg.Path,
		InputSize:    cfg.InputSize,
		NumClasses:   labelSet.Len(),
		Threads:      cfg.Threads,
		ApplySoftmax: cfg.ApplySoftmax,
	}, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func shutdownSignals(signalCh <-chan os.Signal) (<-chan os.Signal, func()) {
	if signalCh != nil {
		return signalCh, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
