package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/config"
	"github.com/clinic/auditcore/internal/domain/alerting"
	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/domain/printing"
	"github.com/clinic/auditcore/internal/domain/retention"
	"github.com/clinic/auditcore/internal/domain/securitymetrics"
	"github.com/clinic/auditcore/internal/platform/apperr"
	"github.com/clinic/auditcore/internal/platform/auth"
	"github.com/clinic/auditcore/internal/platform/db"
	"github.com/clinic/auditcore/internal/platform/middleware"
	"github.com/clinic/auditcore/internal/platform/notification"
	"github.com/clinic/auditcore/internal/platform/printspool"
	"github.com/clinic/auditcore/internal/platform/telemetry"
	"github.com/clinic/auditcore/internal/platform/watermark"
)

// app holds the wired components of one server process.
type app struct {
	cfg     *config.Config
	policy  config.Policy
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	metrics *telemetry.Metrics

	facts     auditlog.Repository
	alerts    alerting.Repository
	bus       *auditlog.Bus
	audit     *auditlog.Service
	engine    *alerting.Engine
	agg       *securitymetrics.Aggregator
	refresher *securitymetrics.Refresher
	sweeper   *alerting.Sweeper
	spool     *printspool.MemoryStore
	printing  *printing.Service
	retention *retention.Service
	kafka     *notification.KafkaNotifier
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(processOut).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: processOut}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// buildApp wires the store backend, the observer bus and every domain
// service. The caller owns Close.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		policy:  policy,
		logger:  logger,
		metrics: telemetry.New(),
	}

	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.facts = auditlog.NewPGRepository(pool)
		a.alerts = alerting.NewPGRepository(pool)
		logger.Info().Msg("connected to database")
	case "memory":
		a.facts = auditlog.NewMemoryRepository()
		a.alerts = alerting.NewMemoryRepository()
		logger.Warn().Msg("using in-memory store; facts are lost on restart")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	a.bus = auditlog.NewBus(cfg.ObserverBuffer, logger, a.metrics)
	a.audit = auditlog.NewService(a.facts,
		auditlog.WithBus(a.bus),
		auditlog.WithLogger(logger),
		auditlog.WithMetrics(a.metrics),
	)

	notifier, err := a.notifiers()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = alerting.NewEngine(a.alerts, a.facts, policy.Thresholds.Rules(),
		alerting.WithLogger(logger),
		alerting.WithMetrics(a.metrics),
		alerting.WithNotifier(notifier),
	)
	a.sweeper = alerting.NewSweeper(a.engine, cfg.AlertSweepInterval, logger)

	a.agg = securitymetrics.NewAggregator(a.facts, policy.Location, policy.TrendDays,
		securitymetrics.WithLogger(logger))
	a.refresher = securitymetrics.NewRefresher(a.agg, a.metrics, cfg.MetricsRefreshInterval, logger)

	a.bus.Subscribe("alert_engine", a.engine)
	a.bus.Subscribe("security_metrics", a.agg)

	a.spool = printspool.NewMemoryStore(cfg.PrintSpoolTTL)
	composer := watermark.NewComposer(policy.WatermarkTemplate, policy.Location)
	a.printing = printing.NewService(a.audit, composer, printing.NewSpoolPrinter(a.spool), policy.Print,
		printing.WithLogger(logger),
		printing.WithMetrics(a.metrics),
	)

	a.retention = retention.NewService(policy.Retention, a.facts, a.alerts, logger)
	return a, nil
}

// notifiers fans raised alerts out to the log and, when configured, to the
// SIEM webhook and Kafka topic.
func (a *app) notifiers() (notification.Notifier, error) {
	multi := notification.NewMulti().Add("log", notification.NewLogNotifier(a.logger))
	if a.cfg.AlertWebhookURL != "" {
		wh, err := notification.NewWebhookNotifier(a.cfg.AlertWebhookURL, a.cfg.AlertWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("alert webhook: %w", err)
		}
		multi.Add("webhook", wh)
	}
	if brokers := a.cfg.KafkaBrokers(); len(brokers) > 0 {
		kn, err := notification.NewKafkaNotifier(brokers, a.cfg.AlertKafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("alert kafka: %w", err)
		}
		a.kafka = kn
		multi.Add("kafka", kn)
	}
	return multi, nil
}

// router builds the echo server with the full middleware chain and every
// route group registered.
func (a *app) router() (*echo.Echo, error) {
	resources, err := config.ParseResources(a.cfg.AccessAuditResources)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(a.logger)

	// Forwarding headers are only believed from configured proxies.
	proxies, err := a.cfg.TrustedProxyNets()
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		e.IPExtractor = echo.ExtractIPDirect()
	} else {
		trust := []echo.TrustOption{
			echo.TrustLoopback(false),
			echo.TrustLinkLocal(false),
			echo.TrustPrivateNet(false),
		}
		for _, n := range proxies {
			trust = append(trust, echo.TrustIPRange(n))
		}
		e.IPExtractor = echo.ExtractIPFromXFFHeader(trust...)
	}

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  a.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "X-Audit-Fact-ID"},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, a.cfg.PrintBodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/api/v1/audit/export.csv"))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
		IdleTTL:           5 * time.Minute,
	}, a.metrics))

	// Unauthenticated operational endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", a.metrics.Handler())

	api := e.Group("/api/v1")
	switch mode := a.cfg.ResolvedAuthMode(); mode {
	case "development":
		a.logger.Warn().Msg("development auth is active")
		api.Use(auth.DevAuthMiddleware())
	default:
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.JWTSigningKey),
		}))
	}
	api.Use(middleware.AccessAudit(a.audit, middleware.AccessAuditConfig{Resources: resources}, a.logger))

	auditlog.NewHandler(a.audit, a.policy.Location).RegisterRoutes(api)
	alerting.NewHandler(a.engine).RegisterRoutes(api)
	securitymetrics.NewHandler(a.agg).RegisterRoutes(api)
	printing.NewHandler(a.printing, a.spool).RegisterRoutes(api)

	return e, nil
}

// Close releases the database pool and the Kafka client.
func (a *app) Close() {
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
