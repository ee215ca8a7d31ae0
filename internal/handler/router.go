package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authportal/internal/middleware"
	"github.com/hitoshi/authportal/internal/security"
	"github.com/hitoshi/authportal/internal/session"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// セッション
	Manager      SessionManager
	Gate         middleware.SessionWaiter
	Destinations session.Destinations

	// ブラウザハブ（/wsのハンドラーと現在地の記録）
	Hub interface {
		http.Handler
		PathRecorder
	}

	// ミドルウェア依存
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// Prometheusスクレイプ用ハンドラー
	MetricsHandler http.Handler

	Sanitizer *security.IdentitySanitizer
	Logger    *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Logging → Recovery → SecurityHeaders → CORS
//
// ページ（/, /login, /signup）はさらにSessionGateを通し、
// サインイン・サインアウト（/auth/*）はCSRF → RateLimit(Auth)を通す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	csrfConfig := deps.CSRFConfig
	if csrfConfig.Logger == nil {
		csrfConfig.Logger = logger
	}

	authHandler := NewAuthHandler(deps.Manager, deps.Sanitizer, logger)
	pageHandler := NewPageHandler(deps.Hub, deps.Destinations, deps.Sanitizer, logger)

	// --- ゲート不要のルート ---

	r.Get("/health", healthHandler)
	r.Get("/ws", deps.Hub.ServeHTTP)
	r.Get("/api/session", authHandler.Session)
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証入口ページ ---
	// 初回のセッション判定が終わるまで描画しない。サインイン済みならダッシュボードへ送る
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionGateMiddleware(deps.Gate, logger))

		r.Get("/", pageHandler.Page("ようこそ"))
		r.Get("/login", pageHandler.Page("サインイン"))
		r.Get("/signup", pageHandler.Page("アカウント作成"))
	})

	// --- サインイン・サインアウト ---
	// ミドルウェアスタック: CSRF → RateLimit(Auth)
	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))
		r.Use(deps.RateLimiter.AuthMiddleware())

		r.Post("/logout", authHandler.SignOut)
		r.Post("/{provider}", authHandler.SignIn)
	})

	return r
}

// healthHandler は死活監視用のハンドラー。
// GET /health
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
