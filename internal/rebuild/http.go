package rebuild

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/RobinQuick/pultimate/internal/store"
)

const maxListLimit = 100

// ownerFrom はミドルウェアが設定した認証済みユーザー名を取り出します。
func ownerFrom(c *gin.Context, userKey string) string {
	if v, ok := c.Get(userKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// UploadSourceHandler は POST /api/sources のハンドラーを返します。
func UploadSourceHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeValidation,
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["file"]
		if len(files) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeValidation,
				"message": "file フィールドにファイルを1つ指定してください。",
			})
			return
		}

		kind := store.SourceKind(strings.ToUpper(c.PostForm("kind")))
		src, err := files[0].Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeValidation,
				"message": "アップロードファイルを開けませんでした。",
			})
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeValidation,
				"message": "アップロードファイルの読み込みに失敗しました。",
			})
			return
		}

		source, err := svc.UploadSource(c.Request.Context(), ownerFrom(c, userKey), kind, files[0].Filename, data)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, source)
	}
}

type submitJobRequest struct {
	DocumentID string `json:"documentId" binding:"required"`
	TemplateID string `json:"templateId" binding:"required"`
	Mode       string `json:"mode" binding:"required"`
}

// SubmitJobHandler は POST /api/rebuild-jobs のハンドラーを返します。
func SubmitJobHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeValidation,
				"message": "documentId, templateId, mode を JSON で送ってください。",
			})
			return
		}

		job, err := svc.Submit(c.Request.Context(), ownerFrom(c, userKey),
			req.DocumentID, req.TemplateID, store.Mode(req.Mode))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// DemoJobHandler は POST /api/rebuild-jobs/demo のハンドラーを返します。
func DemoJobHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.DemoSubmit(c.Request.Context(), ownerFrom(c, userKey))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// GetJobHandler は GET /api/rebuild-jobs/:id のハンドラーを返します。
func GetJobHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.GetJob(c.Request.Context(), ownerFrom(c, userKey), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListJobsHandler は GET /api/rebuild-jobs のハンドラーを返します。
func ListJobsHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 || limit > maxListLimit {
			limit = 20
		}

		jobs, total, err := svc.ListJobs(c.Request.Context(), ownerFrom(c, userKey), offset, limit)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs":   jobs,
			"total":  total,
			"offset": offset,
			"limit":  limit,
		})
	}
}

// JobEventsHandler は GET /api/rebuild-jobs/:id/events のハンドラーを返します。
func JobEventsHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := svc.Events(c.Request.Context(), ownerFrom(c, userKey), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// JobArtifactsHandler は GET /api/rebuild-jobs/:id/artifacts のハンドラーを返します。
// ダウンロードURLはリクエストごとに署名し直されます。
func JobArtifactsHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		artifacts, err := svc.Artifacts(c.Request.Context(), ownerFrom(c, userKey), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
	}
}

// CreateShareHandler は POST /api/rebuild-jobs/:id/share のハンドラーを返します。
func CreateShareHandler(svc *Service, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, expiresAt, err := svc.CreateShare(c.Request.Context(), ownerFrom(c, userKey), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		resp := gin.H{"token": token}
		if expiresAt != nil {
			resp["expiresAt"] = expiresAt
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// SharedJobHandler は GET /api/shared/:token のハンドラーを返します。
// 認証不要の読み取り専用エンドポイントで、無効なトークンと期限切れの
// トークンは区別せず404を返します。
func SharedJobHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.ResolveShared(c.Request.Context(), c.Param("token"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "SHARE_NOT_FOUND",
					"message": "共有リンクが無効です。",
				})
				return
			}
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// respondWithError はドメインエラーをHTTPステータスに対応付けます。
func respondWithError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "対象が見つかりません。",
		})
		return
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case CodeValidation, CodeReferenceNotFound:
			status = http.StatusBadRequest
		case CodeStorageUnavail:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    CodeInternal,
		"message": "内部エラーが発生しました。",
	})
}
