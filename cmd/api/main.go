package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/carelink/carelink-api/internal/config"
	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/domain/credit/memory"
	"github.com/carelink/carelink-api/internal/domain/feature"
	"github.com/carelink/carelink-api/internal/domain/reconcile"
	"github.com/carelink/carelink-api/internal/middleware"
	"github.com/carelink/carelink-api/internal/pkg/database"
	"github.com/carelink/carelink-api/internal/pkg/jwt"
	"github.com/carelink/carelink-api/internal/pkg/logger"
	"github.com/carelink/carelink-api/internal/pkg/realtime"
	pkgresponse "github.com/carelink/carelink-api/internal/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}
	pkgresponse.ExposeErrors = cfg.IsDevelopment()

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting CareLink credits API")

	// ---------- Storage ----------
	var store credit.Store
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL is empty, using in-memory ledger")
		store = memory.New()
	} else {
		db, err := database.NewPostgres(cfg.DatabaseURL, database.PoolConfig{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer database.ClosePostgres(db)
		store = credit.NewRepository(db)
	}

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- WebSocket hub ----------
	hub := realtime.NewHub(redis)
	go hub.Run()
	defer hub.Shutdown()

	// ---------- Ledger ----------
	pricing, err := credit.NewPricingTable(cfg.PricingOverrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pricing overrides")
	}

	creditService := credit.NewService(store, pricing, credit.ServiceConfig{
		SignupGrant:      cfg.SignupGrant,
		DailyBonusAmount: cfg.DailyBonusAmount,
		ReferrerReward:   cfg.ReferrerReward,
		RefereeReward:    cfg.RefereeReward,
		MaxRetries:       cfg.LedgerMaxRetries,
		StorageTimeout:   cfg.LedgerStorageTimeout,
		BonusLocation:    cfg.BonusTimezone,
	})
	balanceEvents := credit.NewAsyncPublisher(credit.NewNotifierPublisher(hub), 1024, time.Second)
	balanceEvents.Start()
	defer balanceEvents.Stop()
	creditService.SetEventPublisher(balanceEvents)

	gate := credit.NewGate(creditService)
	auditor := credit.NewAuditor(store)

	auditWorker := credit.NewAuditWorker(auditor, cfg.AuditInterval)
	auditWorker.Start()
	defer auditWorker.Stop()

	// ---------- Adapters ----------
	catalog := reconcile.NewCatalog(reconcile.DefaultPacks(cfg.PaymentCurrency))
	payments := reconcile.NewPaymentReconciler(creditService, catalog)
	signup := reconcile.NewSignup(creditService)
	if cfg.PaymentWebhookSecret == "" {
		log.Warn().Msg("PAYMENT_WEBHOOK_SECRET is empty, payment webhooks will be rejected")
	}

	executor := feature.NewUpstreamExecutor(feature.UpstreamConfig{
		BaseURL: cfg.FeatureUpstreamURL,
		APIKey:  cfg.FeatureUpstreamAPIKey,
		Timeout: cfg.FeatureUpstreamTimeout,
	})
	if cfg.FeatureUpstreamURL == "" {
		log.Warn().Msg("FEATURE_UPSTREAM_URL is empty, feature invocations will fail without charge")
	}

	// ---------- Handlers ----------
	creditHandler := credit.NewHandler(creditService, auditor)
	billingHandler := reconcile.NewHandler(payments, signup, cfg.PaymentWebhookSecret)
	featureHandler := feature.NewHandler(executor, creditService, gate)
	wsHandler := realtime.NewHandler(hub, cfg.AllowedOrigins)

	r := newRouter(routerDeps{
		jwt:            jwtService,
		allowedOrigins: cfg.AllowedOrigins,
		credits:        creditHandler,
		features:       featureHandler,
		billing:        billingHandler,
		ws:             wsHandler,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FeatureUpstreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

type routerDeps struct {
	jwt            *jwt.Service
	allowedOrigins []string

	credits  *credit.Handler
	features *feature.Handler
	billing  *reconcile.Handler
	ws       *realtime.Handler
}

func newRouter(d routerDeps) chi.Router {
	authMiddleware := middleware.Auth(d.jwt)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(d.allowedOrigins))

	// Browsers cannot set headers on websocket upgrades
	r.With(middleware.AuthQuery(d.jwt)).Get("/ws/credits", d.ws.ServeWS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/credits", d.credits.Routes(authMiddleware))
		r.Mount("/features", d.features.Routes(authMiddleware))
		r.Mount("/billing", d.billing.Routes(authMiddleware))
	})

	r.Mount("/webhooks", d.billing.WebhookRoutes())

	r.Route("/api/admin", func(r chi.Router) {
		r.Mount("/credits", d.credits.AdminRoutes(authMiddleware))
	})

	return r
}
