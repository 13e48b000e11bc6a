// Package auth はワークスペースへのセッション認証を提供します。
// 単一利用者構成のため、資格情報はアプリ設定の1組だけを受け付け、
// 認証済みの利用者名がジョブとソースの所有者として扱われます。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/RobinQuick/pultimate/internal/config"
)

// SessionCookieName はセッションクッキーの名前です。
const SessionCookieName = "pu_session"

// ContextUserKey はハンドラー間で所有者名を受け渡すコンテキストキーです。
const ContextUserKey = "auth.user"

const (
	keyOwner    = "pu.owner"
	keyIssued   = "pu.issued"
	keyActivity = "pu.activity"
	keyCSRF     = "pu.csrf"

	csrfHeader = "X-CSRF-Token"
)

const (
	sessionLifetime = 12 * time.Hour
	sessionIdleMax  = 30 * time.Minute
	// 活動時刻の更新は毎リクエストではなくこの間隔に抑える
	activityRenewAfter = time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に使う秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime.Seconds())
}

// Manager はログイン・ログアウトと試行制限をまとめます。
type Manager struct {
	cfg     *config.Config
	limiter *loginLimiter
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		limiter: newLoginLimiter(),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。成功時はセッションを発行し、
// CSRFトークンをレスポンスヘッダーと本文の両方で返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "VALIDATION_ERROR",
			"message": "username と password を指定してください。",
		})
		return
	}

	if err := m.checkCredentialConfig(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "AUTH_NOT_CONFIGURED",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	now := time.Now()
	if wait := m.limiter.retryAfter(ip, now); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds())+1, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "LOGIN_LOCKED",
			"message": "ログイン試行が上限に達しました。しばらく待ってからやり直してください。",
		})
		return
	}

	if req.Username != m.cfg.AppUsername || !m.passwordMatches(req.Password) {
		remaining := m.limiter.fail(ip, now)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名かパスワードが違います。",
			"remainingAttempts": remaining,
		})
		return
	}
	m.limiter.reset(ip)

	csrf, err := newCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "セッションの開始に失敗しました。",
		})
		return
	}

	session := sessions.Default(c)
	session.Set(keyOwner, m.cfg.AppUsername)
	session.Set(keyIssued, now.Unix())
	session.Set(keyActivity, now.Unix())
	session.Set(keyCSRF, csrf)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "セッションの保存に失敗しました。",
		})
		return
	}

	c.Header(csrfHeader, csrf)
	c.JSON(http.StatusOK, gin.H{
		"username":  m.cfg.AppUsername,
		"csrfToken": csrf,
	})
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "セッションの破棄に失敗しました。",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Manager) checkCredentialConfig() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME が未設定です。")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が未設定です。")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET が未設定です。")
	}
	return nil
}

func (m *Manager) passwordMatches(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
