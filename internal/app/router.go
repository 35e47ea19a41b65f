package app

import (
	"context"
	"net/http"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/identity"
	"github.com/bissquit/service-shop/internal/identity/jwt"
	identitypostgres "github.com/bissquit/service-shop/internal/identity/postgres"
	"github.com/bissquit/service-shop/internal/notifications"
	"github.com/bissquit/service-shop/internal/notifications/email"
	"github.com/bissquit/service-shop/internal/pkg/ctxlog"
	"github.com/bissquit/service-shop/internal/pkg/httputil"
	"github.com/bissquit/service-shop/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type identityDeps struct {
	service *identity.Service
	handler *identity.Handler
}

func (a *App) buildIdentity() (*identityDeps, error) {
	cfg := a.config

	codec, err := jwt.NewCodec(jwt.Config{
		SecretKey:                 cfg.JWT.SecretKey,
		AccessTokenDuration:       cfg.JWT.AccessTokenDuration,
		RefreshTokenDuration:      cfg.JWT.RefreshTokenDuration,
		VerificationTokenDuration: cfg.JWT.VerificationTokenDuration,
	})
	if err != nil {
		return nil, err
	}

	sender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
		MaxAttempts:  cfg.Email.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, err
	}
	mailer := notifications.NewMailer(renderer, sender, notifications.MailerConfig{
		LinkTTL: cfg.JWT.VerificationTokenDuration,
	})

	repo := identitypostgres.NewRepository(a.db)
	service := identity.NewService(repo, codec, identity.NewBcryptHasher(cfg.Auth.BcryptCost), mailer, identity.SystemClock{}, identity.Config{
		RequireVerifiedLogin: cfg.Auth.RequireVerifiedLogin,
		VerificationBaseURL:  cfg.Auth.VerificationBaseURL,
		ResendCooldown:       cfg.Auth.ResendCooldown,
		EmailTimeout:         cfg.Auth.EmailTimeout,
	})

	var limiter func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter = httputil.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).Middleware
	}

	handler := identity.NewHandler(service, identity.NewGuard(repo), identity.CookieSettings{
		Secure:               cfg.Cookie.Secure,
		Domain:               cfg.Cookie.Domain,
		Path:                 cfg.Cookie.RefreshPath,
		RefreshTokenDuration: cfg.JWT.RefreshTokenDuration,
	}, limiter)

	return &identityDeps{service: service, handler: handler}, nil
}

func (a *App) setupRouter(deps *identityDeps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/api/v1", func(r chi.Router) {
		deps.handler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(deps.service))

			deps.handler.RegisterProtectedRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				r.Use(httputil.RequirePasswordChanged)
				deps.handler.RegisterAdminRoutes(r)
			})
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}
