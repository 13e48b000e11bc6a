package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/RobinQuick/pultimate/internal/config"
	"github.com/RobinQuick/pultimate/internal/share"
	"github.com/RobinQuick/pultimate/internal/storage"
	"github.com/RobinQuick/pultimate/internal/store"
)

// pptxの正式なMIMEタイプ。
const mimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

// Scheduler はジョブを非同期キューに投入するためのインターフェースです。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// Service は再構築ジョブのAPI向け操作を提供します。ジョブの実行自体は
// Runner が担い、Service は投入・照会・共有のみを扱います。
type Service struct {
	cfg       *config.Config
	store     *store.Store
	storage   storage.Storage
	share     *share.Service
	scheduler Scheduler
	logger    *log.Logger
}

// NewService は Service を初期化します。
func NewService(cfg *config.Config, st *store.Store, sg storage.Storage, sh *share.Service, scheduler Scheduler, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if sg == nil {
		return nil, errors.New("storage is nil")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		storage:   sg,
		share:     sh,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// ArtifactView は署名付きダウンロードURLを含む成果物の表現です。
// URLは読み出しのたびに生成し直すため、保存はしません。
type ArtifactView struct {
	ID          string    `json:"id"`
	Type        string    `json:"artifactType"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"sizeBytes"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresIn   int       `json:"expiresIn"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SharedJobView は共有トークン経由の読み取り専用表現です。
// 所有者情報は含めません。
type SharedJobView struct {
	Job       *store.Job      `json:"job"`
	Events    []*store.Event  `json:"events"`
	Artifacts []*ArtifactView `json:"artifacts"`
}

// Submit は再構築ジョブを作成してキューに投入します。
func (s *Service) Submit(ctx context.Context, owner, documentID, templateID string, mode store.Mode) (*store.Job, error) {
	if !store.ValidMode(mode) {
		return nil, NewError(CodeValidation, fmt.Sprintf("モードはFULL/DRY_RUN/DEMOのいずれかです: %s", mode))
	}
	if documentID == "" || templateID == "" {
		return nil, NewError(CodeValidation, "documentIdとtemplateIdは必須です")
	}

	doc, err := s.store.GetSource(ctx, owner, documentID)
	if err != nil {
		return nil, NewError(CodeReferenceNotFound, "指定されたドキュメントが見つかりません")
	}
	if doc.Kind != store.SourceDocument {
		return nil, NewError(CodeValidation, "documentIdがドキュメントを指していません")
	}
	tpl, err := s.store.GetSource(ctx, owner, templateID)
	if err != nil {
		return nil, NewError(CodeReferenceNotFound, "指定されたテンプレートが見つかりません")
	}
	if tpl.Kind != store.SourceTemplate {
		return nil, NewError(CodeValidation, "templateIdがテンプレートを指していません")
	}

	job, err := s.store.CreateJob(ctx, owner, documentID, templateID, mode)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Schedule(ctx, job.ID); err != nil {
		// キュー投入に失敗したジョブはQUEUEDのまま残さない
		if failErr := s.store.MarkFailedFromQueued(ctx, job.ID, "キューへの投入に失敗しました"); failErr != nil {
			s.logf("failed to mark unscheduled job job=%s: %v", job.ID, failErr)
		}
		return nil, WrapError(CodeInternal, "ジョブのキュー投入に失敗しました", err)
	}
	return job, nil
}

// DemoSubmit は同梱のゴールデンペアを入力としたDEMOジョブを投入します。
// デモ用ソースは初回呼び出し時に遅延登録されます。
func (s *Service) DemoSubmit(ctx context.Context, owner string) (*store.Job, error) {
	docID, err := s.ensureDemoSource(ctx, owner, store.SourceDocument, s.cfg.DemoDocumentPath)
	if err != nil {
		return nil, err
	}
	tplID, err := s.ensureDemoSource(ctx, owner, store.SourceTemplate, s.cfg.DemoTemplatePath)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, owner, docID, tplID, store.ModeDemo)
}

func (s *Service) ensureDemoSource(ctx context.Context, owner string, kind store.SourceKind, path string) (string, error) {
	if path == "" {
		return "", NewError(CodeValidation, "デモ用ファイルが設定されていません")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", WrapError(CodeStorageUnavail, "デモ用ファイルの読み込みに失敗しました", err)
	}

	// デモ用ソースはファイル名ではなく内容アドレスのキーで同定する。
	// 利用者が同名のファイルをアップロードしてもデモ入力には混ざらない。
	filename := filepath.Base(path)
	key := storage.ContentKey("demo", filename, data)
	if existing, err := s.store.FindSourceByKey(ctx, owner, kind, key); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if err := s.storage.Save(ctx, key, data); err != nil {
		return "", WrapError(CodeStorageUnavail, "デモ用ファイルの保存に失敗しました", err)
	}
	src, err := s.store.CreateSource(ctx, owner, kind, filename, key, int64(len(data)))
	if err != nil {
		return "", err
	}
	return src.ID, nil
}

// UploadSource は pptx ファイルを検査して保存し、ソースとして登録します。
// 拡張子は信用せず、先頭バイトからMIMEタイプを判定します。
func (s *Service) UploadSource(ctx context.Context, owner string, kind store.SourceKind, filename string, data []byte) (*store.Source, error) {
	if kind != store.SourceDocument && kind != store.SourceTemplate {
		return nil, NewError(CodeValidation, fmt.Sprintf("kindはDOCUMENT/TEMPLATEのいずれかです: %s", kind))
	}
	if len(data) == 0 {
		return nil, NewError(CodeValidation, "ファイルが空です")
	}
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return nil, NewError(CodeValidation, "ファイルサイズが上限を超えています")
	}
	detected := mimetype.Detect(data)
	if !detected.Is(mimePPTX) {
		return nil, NewError(CodeValidation, fmt.Sprintf("pptx形式のファイルのみ受け付けます（検出: %s）", detected.String()))
	}

	key := storage.ContentKey(owner, filename, data)
	if err := s.storage.Save(ctx, key, data); err != nil {
		return nil, WrapError(CodeStorageUnavail, "ファイルの保存に失敗しました", err)
	}
	return s.store.CreateSource(ctx, owner, kind, filename, key, int64(len(data)))
}

// GetJob は所有者のジョブ1件を返します。
func (s *Service) GetJob(ctx context.Context, owner, jobID string) (*store.Job, error) {
	return s.store.GetJob(ctx, owner, jobID)
}

// ListJobs は所有者のジョブを新しい順に返します。
func (s *Service) ListJobs(ctx context.Context, owner string, offset, limit int) ([]*store.Job, int, error) {
	return s.store.ListJobs(ctx, owner, offset, limit)
}

// Events はジョブのイベントログをseq昇順で返します。
func (s *Service) Events(ctx context.Context, owner, jobID string) ([]*store.Event, error) {
	if _, err := s.store.GetJob(ctx, owner, jobID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, jobID)
}

// Artifacts はジョブの成果物を署名付きURL付きで返します。
func (s *Service) Artifacts(ctx context.Context, owner, jobID string) ([]*ArtifactView, error) {
	if _, err := s.store.GetJob(ctx, owner, jobID); err != nil {
		return nil, err
	}
	return s.artifactViews(ctx, jobID)
}

func (s *Service) artifactViews(ctx context.Context, jobID string) ([]*ArtifactView, error) {
	artifacts, err := s.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	expiry := time.Duration(s.cfg.DownloadURLExpirySec) * time.Second
	views := make([]*ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, &ArtifactView{
			ID:          a.ID,
			Type:        a.Type,
			Filename:    a.Filename,
			SizeBytes:   a.SizeBytes,
			DownloadURL: s.storage.SignedURL(a.StorageKey, a.Filename, expiry),
			ExpiresIn:   s.cfg.DownloadURLExpirySec,
			CreatedAt:   a.CreatedAt,
		})
	}
	return views, nil
}

// CreateShare はジョブの読み取り専用共有トークンを発行します。
func (s *Service) CreateShare(ctx context.Context, owner, jobID string) (token string, expiresAt *time.Time, err error) {
	if s.share == nil {
		return "", nil, NewError(CodeInternal, "共有機能が無効です")
	}
	if _, err := s.store.GetJob(ctx, owner, jobID); err != nil {
		return "", nil, err
	}
	return s.share.CreateToken(ctx, jobID)
}

// ResolveShared は共有トークンからジョブの読み取り専用ビューを返します。
// 無効・期限切れのトークンは store.ErrNotFound になります。
func (s *Service) ResolveShared(ctx context.Context, token string) (*SharedJobView, error) {
	if s.share == nil {
		return nil, store.ErrNotFound
	}
	jobID, err := s.share.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJobAny(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, jobID)
	if err != nil {
		return nil, err
	}
	views, err := s.artifactViews(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &SharedJobView{Job: job, Events: events, Artifacts: views}, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
