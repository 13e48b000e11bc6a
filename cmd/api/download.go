package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/RobinQuick/pultimate/internal/storage"
)

// downloadHandler は署名付きURLで指定されたファイルを配信します。
// 署名検証に使う鍵はサーバーだけが持つため、URLを知っているだけでは
// 期限を過ぎたファイルにはアクセスできません。
func downloadHandler(local *storage.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ファイルキーを指定してください。",
			})
			return
		}

		expires, err := strconv.ParseInt(c.Query("exp"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "exp パラメータが不正です。",
			})
			return
		}

		if err := local.VerifyDownload(key, expires, c.Query("sig")); err != nil {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "DOWNLOAD_FORBIDDEN",
				"message": "ダウンロードリンクが無効か、期限が切れています。",
			})
			return
		}

		file, size, err := local.Open(key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "FILE_NOT_FOUND",
					"message": "ファイルが見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		filename := c.Query("name")
		if filename == "" {
			filename = path.Base(key)
		}
		contentType := contentTypeFor(filename)
		encodedName := url.PathEscape(filename)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, size, contentType, file, nil)
	}
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
