package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bacheca/internal/middleware"
	"github.com/hitoshi/bacheca/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Authorizer        *middleware.Authorizer
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 求人・応募
	ListingService     ListingServiceInterface
	ApplicationService ApplicationServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// 全ルート共通のミドルウェア:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF
//
// 保護ルートはさらに Authorizer.Require(roles...) → RateLimit(General) を通る。
// 応募送信には応募専用のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	listingHandler := NewListingHandler(deps.ListingService)
	appHandler := NewApplicationHandler(deps.ApplicationService)

	authz := deps.Authorizer
	general := deps.RateLimiter.GeneralMiddleware()

	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Get("/me", authHandler.Me)
		r.Post("/logout", authHandler.Logout)
		r.Post("/set-role", authHandler.SetRole)
		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)
	})

	r.Route("/api/listings", func(r chi.Router) {
		r.Get("/", listingHandler.List)
		r.Get("/{id}", listingHandler.Get)

		r.Group(func(r chi.Router) {
			r.Use(authz.Require(model.RoleCompany))
			r.Use(general)

			r.Post("/", listingHandler.Create)
			r.Get("/mine", listingHandler.ListMine)
			r.Delete("/{id}", listingHandler.Delete)
			r.Get("/{id}/applications", appHandler.ListForListing)
		})
	})

	r.Route("/api/applications", func(r chi.Router) {
		r.Use(authz.Require(model.RoleCandidate))
		r.Use(general)

		r.With(deps.RateLimiter.ApplyMiddleware()).Post("/", appHandler.Submit)
		r.Get("/mine", appHandler.ListMine)
	})

	return r
}
