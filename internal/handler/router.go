package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/jeementor/internal/guard"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/repository"
	"github.com/hitoshi/jeementor/internal/security"
)

// Pinger はヘルスチェックで疎通確認する依存先。*sqlx.DBが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          middleware.SessionResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	HSTS              bool

	// 認証
	AuthService AuthService
	AuthConfig  AuthHandlerConfig

	// ガード・ロール・プロフィール
	Guard    *guard.Guard
	Roles    AdminRoleManager
	RoleOf   RoleLookup
	Profiles ProfileEnsurer

	// データ
	Records   repository.RecordStore
	Sanitizer *security.Sanitizer

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → SessionLoader → RateLimit(General)
//
// /loginはガードしない。保護ページはguard.ForPageの要件でガードする。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// 運用エンドポイントはセッション解決とレート制限の外に置く
	r.Get("/health", healthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.RoleOf, deps.Profiles, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.Records, deps.RoleOf, deps.Profiles)
	catalogHandler := NewCatalogHandler(deps.Records)
	adminHandler := NewAdminHandler(deps.Records, deps.Roles, deps.Sanitizer)
	watchHandler := NewWatchHandler(deps.Guard)

	csrf := middleware.NewCSRFMiddleware(deps.CSRF)
	signInLimit := deps.RateLimiter.SignInMiddleware()
	dashboardReq, _ := guard.ForPage("/dashboard")
	adminReq, _ := guard.ForPage("/admin")

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionLoader(deps.Sessions))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// --- ページ ---
		r.Group(func(r chi.Router) {
			r.Use(csrf)
			r.Get(guard.LoginPath, pageHandler.Login)
			r.Get("/signup", pageHandler.SignUp)
			r.With(deps.Guard.PageMiddleware(dashboardReq)).Get("/dashboard", pageHandler.Dashboard)
			r.With(deps.Guard.PageMiddleware(adminReq)).Get("/admin", pageHandler.Admin)
		})

		// --- 認証 ---
		r.Route("/auth", func(r chi.Router) {
			// OAuthプロバイダーからの戻り先はCSRFトークンを持たない（stateで検証する）
			r.Get("/callback", authHandler.Callback)
			r.With(signInLimit).Get("/{provider}/login", authHandler.OAuthLogin)

			r.Group(func(r chi.Router) {
				r.Use(csrf)
				r.With(signInLimit).Post("/login", authHandler.SignIn)
				r.With(signInLimit).Post("/signup", authHandler.SignUp)
				r.Post("/refresh", authHandler.Refresh)
				r.Post("/logout", authHandler.SignOut)
				r.Get("/me", authHandler.Me)
			})
		})

		// --- API ---
		r.Route("/api", func(r chi.Router) {
			r.Use(csrf)
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

			r.Get("/test-series", catalogHandler.ListTestSeries)
			r.Get("/webinars", catalogHandler.ListWebinars)
			r.Get("/mentors", catalogHandler.ListMentors)

			r.Get("/session/watch", watchHandler.Watch)

			r.With(deps.Guard.APIMiddleware(dashboardReq)).Post("/bookings", catalogHandler.CreateBooking)

			r.Route("/admin", func(r chi.Router) {
				r.Use(deps.Guard.APIMiddleware(adminReq))

				r.Get("/admins", adminHandler.ListAdmins)
				r.Put("/admins/{email}", adminHandler.GrantAdmin)
				r.Delete("/admins/{email}", adminHandler.RevokeAdmin)

				r.Get("/{collection}", adminHandler.List)
				r.Post("/{collection}", adminHandler.Create)
				r.Get("/{collection}/{id}", adminHandler.Get)
				r.Put("/{collection}/{id}", adminHandler.Update)
				r.Delete("/{collection}/{id}", adminHandler.Delete)
			})
		})
	})

	return r
}

// healthHandler はDBの疎通を確認する。
// GET /health
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
