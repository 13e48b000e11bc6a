// Package share はジョブの読み取り専用共有トークンを提供します。
//
// トークンは256ビットの乱数で、保存時はSHA-256ハッシュのみを持ちます。
// トークンを知っている者はジョブの状態・イベント・成果物を認証なしで
// 参照できますが、書き込み操作は一切できません。
package share

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/RobinQuick/pultimate/internal/store"
)

// Service は共有トークンの発行と解決を行います。
type Service struct {
	store *store.Store
	ttl   time.Duration // 0なら無期限
}

// NewService は Service を作成します。ttlDays が0の場合トークンは失効しません。
func NewService(st *store.Store, ttlDays int) *Service {
	return &Service{
		store: st,
		ttl:   time.Duration(ttlDays) * 24 * time.Hour,
	}
}

// CreateToken はジョブに紐付く共有トークンを発行します。
// 戻り値のトークンはこの場でしか得られません（保存されるのはハッシュのみ）。
func (s *Service) CreateToken(ctx context.Context, jobID string) (string, *time.Time, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate share token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	var expiresAt *time.Time
	if s.ttl > 0 {
		t := time.Now().UTC().Add(s.ttl)
		expiresAt = &t
	}
	if err := s.store.SaveShareToken(ctx, hashToken(token), jobID, expiresAt); err != nil {
		return "", nil, err
	}
	return token, expiresAt, nil
}

// Resolve はトークンからジョブIDを解決します。未知のトークンと
// 期限切れのトークンは区別せず store.ErrNotFound を返します。
func (s *Service) Resolve(ctx context.Context, token string) (string, error) {
	return s.store.ResolveShareToken(ctx, hashToken(token))
}

func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
