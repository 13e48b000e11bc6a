// Package storage はオブジェクトストレージ抽象化レイヤーを提供します。
//
// キーは内容アドレス方式で決まるため上書き競合は発生しません。
// ダウンロードURLは読み取りのたびに署名し直され、有効期限は常に
// 読み取り時点からの相対時間になります（サーバー側でキャッシュしません）。
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Storage はバイト列の保存と署名付きURLの発行を提供します。
type Storage interface {
	// Save はキーに対応するバイト列を保存します。
	Save(ctx context.Context, key string, data []byte) error
	// Open はキーに対応するバイト列を読み出します。
	Open(key string) (io.ReadCloser, int64, error)
	// SignedURL は期限付きダウンロードURLを発行します。期限は呼び出し時点基準です。
	SignedURL(key, filename string, expiry time.Duration) string
	// VerifyDownload は署名付きURLのパラメータを検証します。
	VerifyDownload(key string, expires int64, signature string) error
}

// ContentKey はジョブ配下の内容アドレスキーを計算します。
// 同一内容は同一キーになるため、重複実行でも成果物が二重化しません。
func ContentKey(jobID, filename string, data []byte) string {
	digest := sha256.Sum256(data)
	return fmt.Sprintf("jobs/%s/%s_%s", jobID, hex.EncodeToString(digest[:8]), sanitizeFilename(filename))
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// Local はローカルファイルシステム上のストレージ実装です。
type Local struct {
	baseDir       string
	signingSecret []byte
	urlPrefix     string
}

// NewLocal は Local を作成します。urlPrefix は署名付きURLのパス接頭辞です
// （例: /api/files）。
func NewLocal(baseDir string, signingSecret []byte, urlPrefix string) (*Local, error) {
	if len(signingSecret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{
		baseDir:       baseDir,
		signingSecret: signingSecret,
		urlPrefix:     strings.TrimRight(urlPrefix, "/"),
	}, nil
}

// Save はキーに対応するファイルを書き込みます。一時ファイルへ書いた後に
// リネームするため、部分書き込みが読まれることはありません。
func (l *Local) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

// Open はキーに対応するファイルを開き、サイズと共に返します。
func (l *Local) Open(key string) (io.ReadCloser, int64, error) {
	path, err := l.pathFor(key)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// SignedURL は期限付きダウンロードURLを発行します。
func (l *Local) SignedURL(key, filename string, expiry time.Duration) string {
	expires := time.Now().Add(expiry).Unix()
	query := url.Values{}
	query.Set("exp", strconv.FormatInt(expires, 10))
	query.Set("sig", l.sign(key, expires))
	if filename != "" {
		query.Set("name", filename)
	}
	return fmt.Sprintf("%s/%s?%s", l.urlPrefix, key, query.Encode())
}

// VerifyDownload は署名と期限を検証します。
func (l *Local) VerifyDownload(key string, expires int64, signature string) error {
	if time.Now().Unix() > expires {
		return fmt.Errorf("download link expired")
	}
	expected := l.sign(key, expires)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return fmt.Errorf("invalid download signature")
	}
	return nil
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.signingSecret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// pathFor はキーをベースディレクトリ配下の安全なパスへ変換します。
func (l *Local) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	return filepath.Join(l.baseDir, clean), nil
}
