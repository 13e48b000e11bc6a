package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin はセッションを検証し、所有者名をコンテキストに載せる
// ミドルウェアを返します。期限切れ・無操作超過のセッションは破棄します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		owner, rejection := inspectSession(session, time.Now())
		if rejection != "" {
			if rejection != "AUTH_REQUIRED" {
				session.Clear()
				_ = session.Save()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    rejection,
				"message": rejectionMessage(rejection),
			})
			return
		}

		// 活動時刻の更新はセッション書き込みを伴うため間隔を空ける
		last := sessionUnix(session.Get(keyActivity))
		if now := time.Now(); now.Sub(last) >= activityRenewAfter {
			session.Set(keyActivity, now.Unix())
			_ = session.Save()
		}

		c.Set(ContextUserKey, owner)
		c.Next()
	}
}

// inspectSession はセッションの有効性を判定し、所有者名か拒否コードを返します。
func inspectSession(session sessions.Session, now time.Time) (owner, rejection string) {
	owner, ok := session.Get(keyOwner).(string)
	if !ok || owner == "" {
		return "", "AUTH_REQUIRED"
	}

	issued := sessionUnix(session.Get(keyIssued))
	if issued.IsZero() || now.Sub(issued) > sessionLifetime {
		return "", "SESSION_EXPIRED"
	}

	activity := sessionUnix(session.Get(keyActivity))
	if activity.IsZero() || now.Sub(activity) > sessionIdleMax {
		return "", "SESSION_IDLE"
	}
	return owner, ""
}

func rejectionMessage(code string) string {
	switch code {
	case "SESSION_EXPIRED":
		return "セッションの有効期限が切れました。ログインし直してください。"
	case "SESSION_IDLE":
		return "しばらく操作がなかったためログアウトしました。"
	default:
		return "ログインが必要です。"
	}
}

// VerifyCSRF は更新系リクエストの X-CSRF-Token をセッション値と照合する
// ミドルウェアを返します。読み取り系メソッドは素通しです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, _ := session.Get(keyCSRF).(string)
		sent := c.GetHeader(csrfHeader)
		if expected == "" || sent == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(sent)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_REJECTED",
				"message": "CSRFトークンが不正です。ページを読み込み直してください。",
			})
			return
		}
		c.Next()
	}
}

func sessionUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}
