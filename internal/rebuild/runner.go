package rebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/RobinQuick/pultimate/internal/metrics"
	"github.com/RobinQuick/pultimate/internal/storage"
	"github.com/RobinQuick/pultimate/internal/store"
)

// Runner はキューから渡されたジョブを1件実行します。
// ワーカーが複数いても、CAS方式のクレームにより実際に処理するのは1つだけです。
type Runner struct {
	store   *store.Store
	storage storage.Storage
	metrics *metrics.Recorder
	workDir string
	logger  *log.Logger
}

// NewRunner は Runner を初期化します。
func NewRunner(st *store.Store, sg storage.Storage, rec *metrics.Recorder, workDir string, logger *log.Logger) (*Runner, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if sg == nil {
		return nil, errors.New("storage is nil")
	}
	if workDir == "" {
		return nil, errors.New("workDir is required")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	return &Runner{store: st, storage: sg, metrics: rec, workDir: workDir, logger: logger}, nil
}

// Advance はジョブを実行します。クレームに失敗した場合（他ワーカーが先に
// 取得済み、または既に終端状態）は何もせず正常終了します。処理の失敗は
// ジョブ側に記録して吸収するため、キューへの再投入は発生しません。
func (r *Runner) Advance(ctx context.Context, jobID string) error {
	job, err := r.store.GetJobAny(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logf("job not found, skipping job=%s", jobID)
			return nil
		}
		return err
	}

	claimed, err := r.store.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		if r.metrics != nil {
			r.metrics.ClaimLost()
		}
		r.logf("claim lost job=%s status=%s", jobID, job.Status)
		return nil
	}
	if r.metrics != nil {
		r.metrics.JobStarted()
	}

	stages, ok := StagesFor(job.Mode)
	if !ok {
		return r.fail(ctx, jobID, "", NewError(CodeValidation, fmt.Sprintf("未知のモードです: %s", job.Mode)))
	}

	dir, err := os.MkdirTemp(r.workDir, "job-"+jobID+"-")
	if err != nil {
		return r.fail(ctx, jobID, "", NewError(CodeStorageUnavail, "ワークスペースの作成に失敗しました"))
	}
	defer os.RemoveAll(dir)

	sc := &StageContext{
		Job:        job,
		Store:      r.store,
		Storage:    r.storage,
		Dir:        dir,
		OutputPath: filepath.Join(dir, "rebuilt.pptx"),
	}
	if err := r.fetchSources(ctx, sc); err != nil {
		return r.fail(ctx, jobID, "fetch", err)
	}

	for _, stage := range stages {
		start := time.Now()
		if err := stage.Run(ctx, sc); err != nil {
			if r.metrics != nil {
				r.metrics.ObserveStage(stage.Name, time.Since(start))
			}
			return r.fail(ctx, jobID, stage.Name, err)
		}
		if r.metrics != nil {
			r.metrics.ObserveStage(stage.Name, time.Since(start))
		}
		if err := r.store.SetProgress(ctx, jobID, stage.Checkpoint); err != nil {
			r.logf("failed to update progress job=%s stage=%s: %v", jobID, stage.Name, err)
		}
	}

	if err := r.store.MarkSucceeded(ctx, jobID); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.JobSucceeded()
	}
	r.logf("job succeeded job=%s mode=%s", jobID, job.Mode)
	return nil
}

// fetchSources は登録済みのドキュメントとテンプレートをワークスペースへ
// 取り出します。参照切れはジョブ投入時に検査済みですが、投入後に消えた
// 場合もここで検出します。
func (r *Runner) fetchSources(ctx context.Context, sc *StageContext) error {
	doc, err := r.store.GetSource(ctx, sc.Job.Owner, sc.Job.DocumentID)
	if err != nil {
		return NewError(CodeReferenceNotFound, "ドキュメントが見つかりません")
	}
	tpl, err := r.store.GetSource(ctx, sc.Job.Owner, sc.Job.TemplateID)
	if err != nil {
		return NewError(CodeReferenceNotFound, "テンプレートが見つかりません")
	}

	sc.DocumentPath = filepath.Join(sc.Dir, "document.pptx")
	sc.TemplatePath = filepath.Join(sc.Dir, "template.pptx")
	if err := r.copyFromStorage(doc.StorageKey, sc.DocumentPath); err != nil {
		return err
	}
	return r.copyFromStorage(tpl.StorageKey, sc.TemplatePath)
}

func (r *Runner) copyFromStorage(key, dst string) error {
	rc, _, err := r.storage.Open(key)
	if err != nil {
		return WrapError(CodeStorageUnavail, "ソースファイルの取得に失敗しました", err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return WrapError(CodeStorageUnavail, "ワークスペースへの書き込みに失敗しました", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return WrapError(CodeStorageUnavail, "ワークスペースへの書き込みに失敗しました", err)
	}
	return nil
}

// fail はジョブをFAILEDに遷移させ、エラーイベントを記録します。
// 呼び出し元へはnilを返し、キューレベルのリトライを抑止します。
func (r *Runner) fail(ctx context.Context, jobID, stage string, cause error) error {
	code := CodeInternal
	message := cause.Error()
	var apiErr *Error
	if errors.As(cause, &apiErr) {
		code = apiErr.Code
		message = apiErr.Message
	}

	if err := r.store.MarkFailed(ctx, jobID, fmt.Sprintf("%s: %s", code, message)); err != nil {
		r.logf("failed to mark job failed job=%s: %v", jobID, err)
	}
	data := map[string]any{"code": code}
	if stage != "" {
		data["stage"] = stage
	}
	if err := r.store.AppendEvent(ctx, jobID, EventFailed, message, data); err != nil {
		r.logf("failed to append failure event job=%s: %v", jobID, err)
	}
	if r.metrics != nil {
		r.metrics.JobFailed()
	}
	r.logf("job failed job=%s stage=%s code=%s: %s", jobID, stage, code, message)
	return nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
