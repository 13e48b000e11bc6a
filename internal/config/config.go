// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// 永続化設定
	DatabasePath string // ジョブ/イベント用SQLiteファイルのパス
	StorageDir   string // 成果物バイト列の保存先ディレクトリ

	// ダウンロードURL設定
	StorageSigningSecret string // 署名付きURL用のHMAC秘密鍵
	DownloadURLExpirySec int    // 署名付きURLの有効期間（秒）

	// 共有リンク設定
	ShareTokenTTLDays int // 共有トークンの有効日数（0で無期限）

	// ジョブ/キュー設定
	QueueRedisURL        string // Asynq用Redis接続URL
	JobStaleAfterMin     int    // RUNNINGのまま放置されたジョブを失敗扱いにするまでの分数
	JobReaperIntervalMin int    // 滞留ジョブ掃除の実行間隔（分）

	// デモ設定
	DemoDocumentPath string // デモ用ドキュメント(pptx)のパス
	DemoTemplatePath string // デモ用テンプレート(pptx)のパス
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// 永続化設定
		DatabasePath: getEnv("DATABASE_PATH", "data/pultimate.db"),
		StorageDir:   getEnv("STORAGE_DIR", "data/objects"),

		// ダウンロードURL設定
		StorageSigningSecret: getEnv("STORAGE_SIGNING_SECRET", ""),
		DownloadURLExpirySec: getEnvAsInt("DOWNLOAD_URL_EXPIRES_IN", 3600), // 1時間

		// 共有リンク設定
		ShareTokenTTLDays: getEnvAsInt("SHARE_TOKEN_TTL_DAYS", 7),

		// ジョブ/キュー設定
		QueueRedisURL:        getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobStaleAfterMin:     getEnvAsInt("JOB_STALE_AFTER_MINUTES", 30),
		JobReaperIntervalMin: getEnvAsInt("JOB_REAPER_INTERVAL_MINUTES", 5),

		// デモ設定
		DemoDocumentPath: getEnv("DEMO_DOCUMENT_PATH", "assets/demo/input.pptx"),
		DemoTemplatePath: getEnv("DEMO_TEMPLATE_PATH", "assets/demo/template.pptx"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.StorageSigningSecret == "" {
			return fmt.Errorf("STORAGE_SIGNING_SECRET is required in release mode")
		}
	}
	if c.DownloadURLExpirySec <= 0 {
		return fmt.Errorf("DOWNLOAD_URL_EXPIRES_IN must be positive")
	}
	if c.ShareTokenTTLDays < 0 {
		return fmt.Errorf("SHARE_TOKEN_TTL_DAYS must not be negative")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
