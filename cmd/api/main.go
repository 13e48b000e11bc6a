// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/RobinQuick/pultimate/internal/auth"
	"github.com/RobinQuick/pultimate/internal/config"
	"github.com/RobinQuick/pultimate/internal/jobs"
	"github.com/RobinQuick/pultimate/internal/metrics"
	"github.com/RobinQuick/pultimate/internal/rebuild"
	"github.com/RobinQuick/pultimate/internal/share"
	"github.com/RobinQuick/pultimate/internal/storage"
	"github.com/RobinQuick/pultimate/internal/store"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	local, err := storage.NewLocal(cfg.StorageDir, []byte(cfg.StorageSigningSecret), "/api/files")
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}

	recorder := metrics.NewRecorder()

	runner, err := rebuild.NewRunner(st, local, recorder, filepath.Join(os.TempDir(), "pultimate-jobs"), log.Default())
	if err != nil {
		log.Fatalf("Failed to init runner: %v", err)
	}

	manager, err := jobs.NewManager(cfg, runner, log.Default())
	if err != nil {
		log.Fatalf("Failed to init job queue: %v", err)
	}
	manager.StartWorkers()

	shareService := share.NewService(st, cfg.ShareTokenTTLDays)
	service, err := rebuild.NewService(cfg, st, local, shareService, manager, log.Default())
	if err != nil {
		log.Fatalf("Failed to init rebuild service: %v", err)
	}

	// ワーカーが落ちたままRUNNINGで残ったジョブの回収
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go runReaper(reaperCtx, cfg, st)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	cookieStore := cookie.NewStore([]byte(cfg.SessionSecret))
	cookieStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, cookieStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, service, local, recorder, manager)

	// サーバーの起動とグレースフルシャットダウン
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("job queue shutdown error: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}

// runReaper は一定間隔で滞留ジョブをFAILEDに回収し続けます。
func runReaper(ctx context.Context, cfg *config.Config, st *store.Store) {
	interval := time.Duration(cfg.JobReaperIntervalMin) * time.Minute
	staleAfter := time.Duration(cfg.JobStaleAfterMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := st.FailStale(ctx, staleAfter)
			if err != nil {
				log.Printf("stale job reaper error: %v", err)
				continue
			}
			for _, id := range ids {
				log.Printf("reaped stale job job=%s", id)
				if err := st.AppendEvent(ctx, id, rebuild.EventFailed,
					"規定時間内に完了しなかったため失敗扱いにしました",
					map[string]any{"code": rebuild.CodeInternal}); err != nil {
					log.Printf("failed to append reaper event job=%s: %v", id, err)
				}
			}
		}
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーを返します。
// キューのRedisに到達できない場合は degraded を返します。
func handleHealth(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		overall, queue := "ok", "ok"
		status := http.StatusOK
		if err := manager.Ping(c.Request.Context()); err != nil {
			overall, queue = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":  overall,
			"service": "pultimate-api",
			"version": "0.1.0",
			"queue":   queue,
		})
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, service *rebuild.Service, local *storage.Local, recorder *metrics.Recorder, manager *jobs.Manager) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth(manager))
	router.GET("/metrics", gin.WrapH(recorder.Handler()))

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		// 署名付きURL経由のダウンロードと共有リンクは認証不要
		api.GET("/files/*key", downloadHandler(local))
		api.GET("/shared/:token", rebuild.SharedJobHandler(service))

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/sources", rebuild.UploadSourceHandler(service, auth.ContextUserKey))
			protected.POST("/rebuild-jobs", rebuild.SubmitJobHandler(service, auth.ContextUserKey))
			protected.POST("/rebuild-jobs/demo", rebuild.DemoJobHandler(service, auth.ContextUserKey))
			protected.GET("/rebuild-jobs", rebuild.ListJobsHandler(service, auth.ContextUserKey))
			protected.GET("/rebuild-jobs/:id", rebuild.GetJobHandler(service, auth.ContextUserKey))
			protected.GET("/rebuild-jobs/:id/events", rebuild.JobEventsHandler(service, auth.ContextUserKey))
			protected.GET("/rebuild-jobs/:id/artifacts", rebuild.JobArtifactsHandler(service, auth.ContextUserKey))
			protected.POST("/rebuild-jobs/:id/share", rebuild.CreateShareHandler(service, auth.ContextUserKey))
		}
	}
}
