package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authportal/internal/authclient"
	"github.com/hitoshi/authportal/internal/browser"
	"github.com/hitoshi/authportal/internal/config"
	"github.com/hitoshi/authportal/internal/database"
	"github.com/hitoshi/authportal/internal/handler"
	"github.com/hitoshi/authportal/internal/logger"
	"github.com/hitoshi/authportal/internal/metrics"
	"github.com/hitoshi/authportal/internal/middleware"
	"github.com/hitoshi/authportal/internal/security"
	"github.com/hitoshi/authportal/internal/session"
	"github.com/hitoshi/authportal/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// 読み込み後はLOG_LEVELに従ってログレベルを設定し直す。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.String("dashboard_url", cfg.DashboardURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はHTTPサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// serve は依存関係をワイヤリングしてHTTPサーバーを起動し、ctxの終了まで待機する。
func serve(ctx context.Context, cfg *config.Config) error {
	srv, err := newServer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}

	slog.Info("shutting down HTTP server...")

	// Hijack済みのWebSocket接続はShutdownの対象外。deferのsrv.Closeでハブごと閉じる
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// server はワイヤリング済みのHTTPハンドラーと、停止時に解放するリソースを保持する。
type server struct {
	handler http.Handler
	manager *session.Manager
	hub     *browser.Hub
	closers []func()
}

// Close は確保したリソースを生成と逆順に解放する。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// newServer はストレージ、Auth Serviceクライアント、セッション管理、ブラウザハブを生成し、
// ルーターを構成する。セッション変更通知の購読もここで開始する。
// ctxはバックグラウンドジョブの寿命となる。
func newServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *server, err error) {
	srv := &server{}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()

	// 1. ストレージ
	storage, db, err := openStorage(ctx, cfg, log, srv)
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 3. ブラウザハブ
	hub := browser.NewHub(browser.HubConfig{
		Logger:        log,
		OnClientCount: collector.SetBrowserClients,
	})
	srv.hub = hub
	srv.closers = append(srv.closers, hub.Close)

	// 4. Auth Serviceクライアント
	client, err := authclient.New(authclient.Config{
		BaseURL:         cfg.AuthServiceURL,
		APIKey:          cfg.AuthServiceAPIKey,
		Storage:         storage,
		StorageKey:      cfg.StorageKey,
		Navigator:       hub,
		AutoRefresh:     cfg.TokenAutoRefresh,
		RefreshInterval: cfg.TokenRefreshInterval,
		RefreshMargin:   cfg.TokenRefreshMargin,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}
	srv.closers = append(srv.closers, client.Close)

	// 5. セッション管理
	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	dest := session.Destinations{
		DashboardURL: cfg.DashboardURL,
		AuthURL:      cfg.AuthURL,
	}
	manager, err := session.NewManager(client, session.Config{
		Destinations:    dest,
		Navigator:       hub,
		Location:        hub,
		Providers:       providers,
		ReadyTimeout:    cfg.SessionReadyTimeout,
		NavigateTimeout: cfg.NavigateTimeout,
		Logger:          log,
		Recorder:        collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}
	srv.manager = manager

	// 購読より先に配信を開始し、初回の状態変化を取りこぼさない
	sanitizer := security.NewIdentitySanitizer()
	publishSessions(manager, hub, handler.NewAuthHandler(manager, sanitizer, log), log, srv)

	if err := manager.Start(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to session changes: %w", err)
	}
	srv.closers = append(srv.closers, manager.Close)

	// 6. PKCE verifierのクリーンアップ（共有DBの場合のみ）
	if db != nil {
		job := cleanup.NewCleanupJob(db, log)
		job.Retention = cfg.VerifierRetention
		go job.Start(ctx, cfg.CleanupInterval)
	}

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	srv.closers = append(srv.closers, rateLimiter.Stop)

	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Manager:           manager,
		Gate:              manager,
		Destinations:      dest,
		Hub:               hub,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
		},
		RateLimiter:    rateLimiter,
		MetricsHandler: metrics.Handler(reg),
		Sanitizer:      sanitizer,
		Logger:         log,
	})

	return srv, nil
}

// openStorage は設定されたバックエンドのStorageを開く。
// postgresの場合はクリーンアップジョブ用に*sql.DBも返す。
func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger, srv *server) (authclient.Storage, *sql.DB, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		db, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		srv.closers = append(srv.closers, func() { db.Close() })
		log.Info("database connection established")

		return authclient.NewPostgresStorage(db, cfg.DatabaseURL, log), db, nil

	case config.StorageRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		srv.closers = append(srv.closers, func() { rdb.Close() })

		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("redis connection established")

		return authclient.NewRedisStorage(rdb), nil, nil

	default:
		log.Warn("using in-memory storage; sessions are not shared with the dashboard")
		return authclient.NewMemoryStorage(), nil, nil
	}
}

// publishSessions はセッション状態の変化をページへ配信する。
func publishSessions(manager *session.Manager, hub *browser.Hub, auth *handler.AuthHandler, log *slog.Logger, srv *server) {
	updates, unsubscribe := manager.Subscribe()
	srv.closers = append(srv.closers, unsubscribe)

	go func() {
		for snap := range updates {
			if err := hub.Publish(browser.MsgSession, auth.SessionPayload(snap)); err != nil {
				log.Warn("failed to publish session state", slog.String("error", err.Error()))
			}
		}
	}()
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
