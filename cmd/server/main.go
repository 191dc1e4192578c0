package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	jwttoken "vetting/internal/jwt_token"
	"vetting/internal/platform/config"
	"vetting/internal/platform/httpserver"
	"vetting/internal/platform/logger"
	platformmetrics "vetting/internal/platform/metrics"
	"vetting/internal/verification/admission"
	"vetting/internal/verification/handler"
	"vetting/internal/verification/jobs"
	"vetting/internal/verification/metrics"
	"vetting/internal/verification/risk"
	"vetting/internal/verification/service"
	"vetting/pkg/platform/audit/publisher"
	adminmw "vetting/pkg/platform/middleware/admin"
	authmw "vetting/pkg/platform/middleware/auth"
	metadata "vetting/pkg/platform/middleware/metadata"
	request "vetting/pkg/platform/middleware/request"
	"vetting/pkg/platform/middleware/requesttime"
)

// main wires dependencies, exposes the HTTP router, and owns the process
// lifecycle. Business logic lives in internal/verification.
func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// application is the wired process without its listener.
type application struct {
	router     chi.Router
	infra      *infrastructure
	dispatcher *service.AsyncDispatcher
	backlog    *jobs.ReviewBacklogJob
}

func newApplication(ctx context.Context, cfg config.Config, log *slog.Logger, reg *prometheus.Registry) (*application, error) {
	httpMetrics := platformmetrics.New(reg)
	verificationMetrics := metrics.New(reg)

	infra, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	checkSet := buildChecks(cfg, infra, log)
	admins, err := buildAdmins(ctx, cfg, infra)
	if err != nil {
		infra.Close()
		return nil, err
	}

	auditPublisher := publisher.NewPublisher(infra.store.AuditLog(),
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
	)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(verificationMetrics),
		service.WithAuditPublisher(auditPublisher),
		service.WithDocumentStorage(infra.documents),
		service.WithScorer(risk.NewScorer(cfg.Risk.AutoApproveBelow)),
		service.WithCheckPolicy(service.CheckPolicy{
			AttemptTimeout: cfg.Checks.AttemptTimeout,
			MaxAttempts:    cfg.Checks.MaxAttempts,
			InitialBackoff: cfg.Checks.InitialBackoff,
			MaxBackoff:     cfg.Checks.MaxBackoff,
		}),
		service.WithTransitionAttempts(cfg.Verification.TransitionAttempts),
	}
	app := &application{infra: infra}
	if cfg.Checks.Async {
		runTimeout := time.Duration(cfg.Checks.MaxAttempts)*(cfg.Checks.AttemptTimeout+cfg.Checks.MaxBackoff) + 10*time.Second
		app.dispatcher = service.NewAsyncDispatcher(cfg.Checks.MaxConcurrentRuns, runTimeout, log)
		opts = append(opts, service.WithDispatcher(app.dispatcher))
	}
	svc := service.New(infra.store, checkSet, admins, opts...)

	gate := admission.NewGate(infra.store,
		admission.WithLogger(log),
		admission.WithMetrics(verificationMetrics),
	)
	h := handler.New(svc, gate, log, cfg.Storage.MaxUploadBytes)
	app.backlog = jobs.NewReviewBacklogJob(infra.store, cfg.Jobs.ReviewBacklogAge, log, verificationMetrics)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
	app.router = newRouter(cfg, log, httpMetrics, infra, func(r chi.Router) {
		r.Use(authmw.RequireAuth(jwttoken.NewMiddlewareAdapter(jwtService), log))
		h.Register(r)
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireAdmin(admins, log))
			h.RegisterAdmin(r)
		})
	})
	return app, nil
}

// shutdown drains background work. The HTTP server must already be stopped.
func (a *application) shutdown(ctx context.Context, log *slog.Logger) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			log.Warn("check runs still in flight at shutdown", "error", err)
		}
	}
	a.backlog.Stop(ctx)
	a.infra.waitRelay()
	a.infra.Close()
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	app, err := newApplication(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if cfg.Jobs.ReviewBacklogSchedule != "" {
		if err := app.backlog.Start(cfg.Jobs.ReviewBacklogSchedule); err != nil {
			app.infra.Close()
			return err
		}
	}
	app.infra.startRelay(ctx, cfg.Kafka, log)

	srv := httpserver.New(cfg.Server.Addr, app.router)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting vetting server",
			"addr", cfg.Server.Addr,
			"environment", cfg.Server.Environment,
			"simulated_checks", cfg.Checks.UseSimulated,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	app.shutdown(shutdownCtx, log)
	return runErr
}

func newRouter(cfg config.Config, log *slog.Logger, m *platformmetrics.Metrics, infra *infrastructure, protected func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(request.RequestID)
	r.Use(request.Recover(log))
	r.Use(request.Logger(log))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(m.Middleware)

	r.Handle("/metrics", m.Handler())
	r.Get("/health", infra.healthHandler)
	r.Group(protected)
	return r
}
