package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pediclinic/clinic/internal/config"
	"github.com/pediclinic/clinic/internal/domain/clinic"
	"github.com/pediclinic/clinic/internal/domain/patient"
	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/auth"
	"github.com/pediclinic/clinic/internal/platform/db"
	"github.com/pediclinic/clinic/internal/platform/lock"
	"github.com/pediclinic/clinic/internal/platform/logging"
	"github.com/pediclinic/clinic/internal/platform/metrics"
	"github.com/pediclinic/clinic/internal/platform/middleware"
	"github.com/pediclinic/clinic/internal/platform/tracing"
)

const serviceName = "clinic-server"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// serverDeps is everything newServer mounts. Pool and Metrics may be nil.
type serverDeps struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Pool       *pgxpool.Pool
	Clinics    *clinic.Service
	Patients   *patient.Service
	Metrics    *metrics.Metrics
	Tracer     trace.TracerProvider
	Checks     []db.Check
	SigningKey []byte
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logFile := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Console: cfg.IsDev(),
		File:    cfg.LogFile,
	}, nil)
	defer logFile.Close()

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	var key []byte
	if cfg.ResolvedAuthMode() == "jwt" {
		if key, err = signingKey(cfg.AuthSigningKey); err != nil {
			return err
		}
	}
	loc, _ := cfg.Location()
	policy, _ := patientid.ParsePolicy(cfg.PatientIDPolicy)

	pgLogger := logger.With().Str("component", "pgx").Logger()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Logger:   &pgLogger,
		LogLevel: tracelog.LogLevelWarn,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(tracing.Options{
			ServiceName:    serviceName,
			ServiceVersion: version,
			Output:         cfg.TracingOutput,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("tracer shutdown")
			}
		}()
		logger.Info().Str("output", cfg.TracingOutput).Msg("tracing enabled")
	}
	tp := otel.GetTracerProvider()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var (
		locker lock.Locker = lock.Nop{}
		lease  time.Duration
		checks []db.Check
	)
	if cfg.LockEnabled {
		client, err := lock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer client.Close()
		redisLocker := lock.NewRedisLocker(client, lock.RedisOptions{TTL: cfg.LockTTL(), Wait: cfg.LockWait()})
		locker, lease = redisLocker, redisLocker.Lease()
		checks = append(checks, db.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		logger.Info().Dur("ttl", cfg.LockTTL()).Msg("per-clinic allocation lock enabled")
	}

	allocator := patientid.NewAllocator(patientid.NewStorePG(pool),
		patientid.Config{
			MaxRetries:       cfg.PatientIDMaxRetries,
			BackoffStep:      cfg.BackoffStep(),
			StrictParse:      cfg.PatientIDStrictParse,
			UseStoreSequence: cfg.PatientIDStoreSequence,
			Location:         loc,
		},
		patientid.WithLogger(logger.With().Str("component", "patientid").Logger()),
		patientid.WithRecorder(m),
		patientid.WithTracer(tp.Tracer("github.com/pediclinic/clinic/internal/domain/patientid")),
	)
	patientSvc := patient.NewService(patient.NewRepo(pool), allocator,
		patient.WithLocker(locker),
		patient.WithLockLease(lease),
		patient.WithPolicy(policy),
		patient.WithMaxAttempts(cfg.RegistrationMaxAttempts),
		patient.WithServiceLogger(logger),
		patient.WithRegistrationRecorder(m),
	)

	e := newServer(serverDeps{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Clinics:    clinic.NewService(clinic.NewRepo(pool)),
		Patients:   patientSvc,
		Metrics:    m,
		Tracer:     tp,
		Checks:     checks,
		SigningKey: key,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("policy", policy.String()).
			Str("auth_mode", cfg.ResolvedAuthMode()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with global middleware, the public
// health and metrics endpoints, and the authenticated, tenant-scoped API.
func newServer(d serverDeps) *echo.Echo {
	cfg := d.Config
	tp := d.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(d.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.Logger))
	e.Use(tracing.Middleware(tp))
	if d.Metrics != nil {
		e.Use(d.Metrics.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(d.Pool, d.Checks...))
	if d.Metrics != nil && cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		d.Logger.Warn().Msg("authentication disabled, every request runs as admin")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: d.SigningKey,
		}))
	}
	apiV1.Use(db.TenantMiddleware(db.TenantConfig{
		DefaultTenant: cfg.DefaultTenant,
		BaseDomain:    cfg.BaseDomain,
	}))

	clinic.NewHandler(d.Clinics).RegisterRoutes(apiV1)
	patient.NewHandler(d.Patients, d.Clinics).RegisterRoutes(apiV1)

	return e
}

// signingKey reads AUTH_SIGNING_KEY. A "hex:" prefix marks a hex-encoded
// key; anything else is used as raw bytes. Keys shorter than 32 bytes are
// refused.
func signingKey(value string) ([]byte, error) {
	key := []byte(value)
	if rest, ok := strings.CutPrefix(value, "hex:"); ok {
		decoded, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
		}
		key = decoded
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}
