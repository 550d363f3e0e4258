package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/jeementor/internal/auth"
	"github.com/hitoshi/jeementor/internal/config"
	"github.com/hitoshi/jeementor/internal/database"
	"github.com/hitoshi/jeementor/internal/guard"
	"github.com/hitoshi/jeementor/internal/handler"
	"github.com/hitoshi/jeementor/internal/logger"
	"github.com/hitoshi/jeementor/internal/metrics"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/profile"
	"github.com/hitoshi/jeementor/internal/repository"
	"github.com/hitoshi/jeementor/internal/role"
	"github.com/hitoshi/jeementor/internal/security"
	"github.com/hitoshi/jeementor/internal/session"
	"github.com/hitoshi/jeementor/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 設定ファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// configPathが空の場合はCONFIG_FILE環境変数を参照する。
func Init(w io.Writer, configPath string) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 設定を読み込む。不足があればここで起動を止める
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv := ParseArgs(args)
	cmd := inv.Command

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w, inv.ConfigPath)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, inv.Migrate)
	default:
		return runServe(cfg)
	}
}

// server はserveモードで組み立てた依存関係をまとめる。
type server struct {
	handler     http.Handler
	store       *session.Store
	rateLimiter *middleware.RateLimiter
	redis       redis.UniversalClient
}

// close はバックグラウンドのgoroutineと接続を停止する。
func (s *server) close() {
	s.rateLimiter.Stop()
	s.store.Close()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
}

// buildServer はDB接続とRedisクライアントから全依存関係をワイヤリングする。
// rdbがnilの場合はインメモリキャッシュを使い、インスタンス間のイベント中継は行わない。
func buildServer(cfg *config.Config, db *sqlx.DB, rdb redis.UniversalClient, reg *prometheus.Registry) *server {
	m := metrics.NewCollector(reg)

	// 1. リポジトリの初期化
	identityRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	adminRepo := repository.NewPostgresAdminRepo(db)
	records := repository.NewPostgresRecordStore(db)

	// 2. セッションストア
	storeOpts := []session.Option{
		session.WithCacheTTL(cfg.SessionCacheTTL),
		session.WithMetrics(m),
	}
	if rdb != nil {
		storeOpts = append(storeOpts,
			session.WithCache(session.NewRedisCache(rdb)),
			session.WithRelay(session.NewRedisRelay(rdb, session.DefaultRelayChannel)),
		)
	} else {
		storeOpts = append(storeOpts, session.WithCache(session.NewMemoryCache()))
	}
	store := session.NewStore(sessionRepo, storeOpts...)

	// 3. プロフィール同期はセッションイベントを購読する
	sanitizer := security.NewSanitizer()
	syncer := profile.NewSynchronizer(profileRepo, identityRepo, sanitizer, m)
	store.OnSessionChange(syncer.HandleSessionEvent)

	// 4. ロール判定とガード
	resolver := role.NewResolver(adminRepo, m)
	g := guard.NewGuard(store, resolver, guard.Config{Timeout: cfg.AuthCheckTimeout}, m)

	// 5. 認証サービス
	google := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   security.NewOutboundClient(10 * time.Second),
	})
	authService := auth.NewService(
		identityRepo, sessionRepo, store, auth.LogMailer{}, m,
		auth.ServiceConfig{
			SessionMaxAge:            cfg.SessionMaxAgeDuration(),
			RequireEmailConfirmation: cfg.RequireEmailConfirmation,
			BaseURL:                  cfg.BaseURL,
			StateSecret:              cfg.SessionSecret,
		},
		google,
	)

	// 6. ルーターの構築（configはreq/min単位）
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitSignIn))

	deps := &handler.RouterDeps{
		Sessions:          store,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS: strings.HasPrefix(cfg.BaseURL, "https://"),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAgeDuration(),
		},

		Guard:    g,
		Roles:    resolver,
		RoleOf:   resolver,
		Profiles: syncer,

		Records:   records,
		Sanitizer: sanitizer,

		DB:             db,
		MetricsHandler: metrics.Handler(reg),
	}

	return &server{
		handler:     handler.NewRouter(deps),
		store:       store,
		rateLimiter: rl,
		redis:       rdb,
	}
}

// openRedis はREDIS_URLからクライアントを生成し、疎通を確認する。
// URLが空の場合はnilを返す。
func openRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := buildServer(cfg, db, rdb, reg)
	defer srv.close()

	if rdb != nil {
		go func() {
			if err := srv.store.ListenRelay(ctx); err != nil {
				slog.Error("session relay stopped", slog.String("error", err.Error()))
			}
		}()
		slog.Info("session events relayed via redis")
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションと古い確認トークンをCLEANUP_INTERVALごとに削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresIdentityRepo(db),
		auth.ConfirmationMaxAge,
		slog.Default(),
		metrics.NewCollector(reg),
	)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	job.Loop(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upはすべての未適用マイグレーションを、downは最新の1件だけを戻す。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackLast(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case MigrateStatus:
		status, err := database.Status(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
		slog.Info("migration status",
			slog.Uint64("version", uint64(status.Version)),
			slog.Bool("dirty", status.Dirty),
			slog.Bool("applied", status.Applied),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
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
