// Package store はジョブ・イベント・成果物・共有トークンのSQLite永続化を提供します。
//
// ジョブとイベントは監査のため削除されません。イベントはジョブ単位で
// 連番が振られる追記専用のログで、並び替えや書き換えは行いません。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound は対象レコードが存在しない場合に返されます。
var ErrNotFound = errors.New("record not found")

// JobStatus はジョブの実行状態を表します。
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal は終了状態かどうかを返します。
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Mode はジョブの実行モードです。
type Mode string

const (
	ModeFull   Mode = "FULL"
	ModeDryRun Mode = "DRY_RUN"
	ModeDemo   Mode = "DEMO"
)

// ValidMode は既知のモードかどうかを返します。
func ValidMode(m Mode) bool {
	switch m {
	case ModeFull, ModeDryRun, ModeDemo:
		return true
	}
	return false
}

// SourceKind は登録済みソースの種別です。
type SourceKind string

const (
	SourceDocument SourceKind = "DOCUMENT"
	SourceTemplate SourceKind = "TEMPLATE"
)

// Job は再構築ジョブの現在状態です。
type Job struct {
	ID           string     `json:"id"`
	Owner        string     `json:"-"`
	DocumentID   string     `json:"documentId"`
	TemplateID   string     `json:"templateId"`
	Mode         Mode       `json:"mode"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Event はジョブタイムライン上の1レコードです。追記後は不変です。
// seqはAPI上はイベントの id として公開されます。
type Event struct {
	Seq       int64          `json:"id"`
	JobID     string         `json:"-"`
	Type      string         `json:"eventType"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Artifact はジョブが生成したダウンロード可能な成果物のメタデータです。
type Artifact struct {
	ID         string    `json:"id"`
	JobID      string    `json:"-"`
	Type       string    `json:"artifactType"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"sizeBytes"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Source はアップロード済みのドキュメント/テンプレート参照です。
type Source struct {
	ID         string     `json:"id"`
	Owner      string     `json:"-"`
	Kind       SourceKind `json:"kind"`
	Filename   string     `json:"filename"`
	StorageKey string     `json:"-"`
	SizeBytes  int64      `json:"sizeBytes"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store はSQLiteベースの永続化レイヤーです。
type Store struct {
	db *sql.DB
	mu sync.Mutex // SQLiteは単一ライターのため書き込みを直列化する
}

// Open はデータベースを開き、スキーマを初期化します。
// パスに ":memory:" を渡すとインメモリで動作します（テスト用）。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close はデータベース接続を閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		document_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS events (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, seq)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		filename TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		storage_key TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);

	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kind TEXT NOT NULL,
		filename TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sources_owner ON sources(owner, kind);

	CREATE TABLE IF NOT EXISTS share_tokens (
		token_hash TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ジョブ ---

// CreateJob はQUEUED状態の新規ジョブを作成します。
func (s *Store) CreateJob(ctx context.Context, owner, documentID, templateID string, mode Mode) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:         uuid.NewString(),
		Owner:      owner,
		DocumentID: documentID,
		TemplateID: templateID,
		Mode:       mode,
		Status:     StatusQueued,
		Progress:   0,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner, document_id, template_id, mode, status, progress, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID, job.Owner, job.DocumentID, job.TemplateID, string(job.Mode), string(job.Status), job.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// GetJob は所有者を検証した上でジョブを返します。
// 他の所有者のジョブは存在しないものとして扱います。
func (s *Store) GetJob(ctx context.Context, owner, jobID string) (*Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, ErrNotFound
	}
	return job, nil
}

// GetJobAny は所有者検証なしでジョブを返します。Runnerと共有解決用です。
func (s *Store) GetJobAny(ctx context.Context, jobID string) (*Job, error) {
	return s.getJob(ctx, jobID)
}

func (s *Store) getJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, document_id, template_id, mode, status, progress, error_message, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		job                    Job
		mode, status           string
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Owner, &job.DocumentID, &job.TemplateID, &mode, &status,
		&job.Progress, &job.ErrorMessage, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Mode = Mode(mode)
	job.Status = JobStatus(status)
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

// ListJobs は所有者のジョブを作成日時の新しい順で返します。
func (s *Store) ListJobs(ctx context.Context, owner string, offset, limit int) ([]*Job, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner = ?`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, document_id, template_id, mode, status, progress, error_message, created_at, started_at, completed_at
		 FROM jobs WHERE owner = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			job                    Job
			mode, status           string
			createdAt              int64
			startedAt, completedAt sql.NullInt64
		)
		if err := rows.Scan(&job.ID, &job.Owner, &job.DocumentID, &job.TemplateID, &mode, &status,
			&job.Progress, &job.ErrorMessage, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan job row: %w", err)
		}
		job.Mode = Mode(mode)
		job.Status = JobStatus(status)
		job.CreatedAt = time.Unix(createdAt, 0).UTC()
		if startedAt.Valid {
			t := time.Unix(startedAt.Int64, 0).UTC()
			job.StartedAt = &t
		}
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0).UTC()
			job.CompletedAt = &t
		}
		jobs = append(jobs, &job)
	}
	return jobs, total, rows.Err()
}

// ClaimJob はQUEUED→RUNNINGの遷移を条件付き更新で行います。
// 戻り値がfalseの場合は別の実行者に先を越されたことを意味し、
// 呼び出し側は何もせず処理を終えるべきです。started_atはこの遷移で
// ちょうど1回だけ設定されます。
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), time.Now().UTC().Unix(), jobID, string(StatusQueued))
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetProgress は進捗を更新します。RUNNING中かつ現在値以上の場合のみ
// 反映されるため、進捗が後退することはありません。
func (s *Store) SetProgress(ctx context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE id = ? AND status = ? AND progress <= ?`,
		progress, jobID, string(StatusRunning), progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkSucceeded はRUNNINGのジョブをSUCCEEDEDで確定します。
// 進捗は100になり、completed_atはこの遷移でちょうど1回だけ設定されます。
func (s *Store) MarkSucceeded(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = 100, completed_at = ? WHERE id = ? AND status = ?`,
		string(StatusSucceeded), time.Now().UTC().Unix(), jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// MarkFailed はRUNNINGのジョブをFAILEDで確定します。終了状態からの
// 再遷移は行いません。
func (s *Store) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(StatusFailed), errorMessage, time.Now().UTC().Unix(), jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// MarkFailedFromQueued はQUEUEDのままのジョブをFAILEDにします。
// キュー投入に失敗した場合の後始末専用で、実行中のジョブには触れません。
func (s *Store) MarkFailedFromQueued(ctx context.Context, jobID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(StatusFailed), errorMessage, time.Now().UTC().Unix(), jobID, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("failed to mark queued job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not queued", jobID)
	}
	return nil
}

// FailStale はRUNNINGのまま一定時間を超えたジョブをFAILEDにします。
// ワーカープロセスが落ちた場合の回収経路で、対象となったジョブIDを返します。
func (s *Store) FailStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Unix()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(StatusFailed), "worker did not report completion within the allowed time", now, id, string(StatusRunning)); err != nil {
			return nil, fmt.Errorf("failed to fail stale job %s: %w", id, err)
		}
	}
	return ids, nil
}

// --- イベント ---

// AppendEvent はジョブのイベントログへ1件追記します。連番は同一ジョブの
// 追記に対して原子的に採番されるため、並行呼び出しでも欠番や重複は生じません。
func (s *Store) AppendEvent(ctx context.Context, jobID, eventType, message string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dataJSON []byte
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, seq, event_type, message, data, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE job_id = ?), ?, ?, ?, ?)`,
		jobID, jobID, eventType, message, dataJSON, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents はジョブのイベントを追記順で返します。
// この並びがタイムライン表示の唯一の正であり、件数などの事実は
// message文字列ではなくdataから読み取るべきです。
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, seq, event_type, message, data, created_at FROM events WHERE job_id = ? ORDER BY seq`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			ev        Event
			dataJSON  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Type, &ev.Message, &dataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- 成果物 ---

// AddArtifact は成果物メタデータを登録します。
func (s *Store) AddArtifact(ctx context.Context, jobID, artifactType, filename, storageKey string, sizeBytes int64) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact := &Artifact{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Type:       artifactType,
		Filename:   filename,
		SizeBytes:  sizeBytes,
		StorageKey: storageKey,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, job_id, artifact_type, filename, size_bytes, storage_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.JobID, artifact.Type, artifact.Filename, artifact.SizeBytes,
		artifact.StorageKey, artifact.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert artifact: %w", err)
	}
	return artifact, nil
}

// ListArtifacts はジョブの成果物を登録順で返します。
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, artifact_type, filename, size_bytes, storage_key, created_at
		 FROM artifacts WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var (
			a         Artifact
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Type, &a.Filename, &a.SizeBytes, &a.StorageKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// --- ソース ---

// CreateSource はアップロード済みソースを登録します。
func (s *Store) CreateSource(ctx context.Context, owner string, kind SourceKind, filename, storageKey string, sizeBytes int64) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source := &Source{
		ID:         uuid.NewString(),
		Owner:      owner,
		Kind:       kind,
		Filename:   filename,
		StorageKey: storageKey,
		SizeBytes:  sizeBytes,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, owner, kind, filename, storage_key, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		source.ID, source.Owner, string(source.Kind), source.Filename, source.StorageKey,
		source.SizeBytes, source.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert source: %w", err)
	}
	return source, nil
}

// GetSource は所有者を検証した上でソースを返します。
func (s *Store) GetSource(ctx context.Context, owner, sourceID string) (*Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, kind, filename, storage_key, size_bytes, created_at FROM sources WHERE id = ?`,
		sourceID)
	var (
		src       Source
		kind      string
		createdAt int64
	)
	err := row.Scan(&src.ID, &src.Owner, &kind, &src.Filename, &src.StorageKey, &src.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	if src.Owner != owner {
		return nil, ErrNotFound
	}
	src.Kind = SourceKind(kind)
	src.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &src, nil
}

// FindSourceByKey は所有者・種別・ストレージキーでソースを検索します。
// キーは内容アドレスなので、デモ用ゴールデンペアの再利用判定のように
// 「この内容そのもの」を同定したい場面で使います。ファイル名での検索は
// 利用者のアップロードと衝突しうるため提供しません。
func (s *Store) FindSourceByKey(ctx context.Context, owner string, kind SourceKind, storageKey string) (*Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, kind, filename, storage_key, size_bytes, created_at
		 FROM sources WHERE owner = ? AND kind = ? AND storage_key = ? ORDER BY created_at LIMIT 1`,
		owner, string(kind), storageKey)
	var (
		src       Source
		kindStr   string
		createdAt int64
	)
	err := row.Scan(&src.ID, &src.Owner, &kindStr, &src.Filename, &src.StorageKey, &src.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	src.Kind = SourceKind(kindStr)
	src.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &src, nil
}

// --- 共有トークン ---

// SaveShareToken はトークンハッシュをジョブに紐付けます。
// expiresAt が nil の場合は無期限です。
func (s *Store) SaveShareToken(ctx context.Context, tokenHash, jobID string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires sql.NullInt64
	if expiresAt != nil {
		expires = sql.NullInt64{Int64: expiresAt.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO share_tokens (token_hash, job_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		tokenHash, jobID, time.Now().UTC().Unix(), expires)
	if err != nil {
		return fmt.Errorf("failed to save share token: %w", err)
	}
	return nil
}

// ResolveShareToken はトークンハッシュからジョブIDを解決します。
// 期限切れのトークンは未知のトークンと同じ扱いです。
func (s *Store) ResolveShareToken(ctx context.Context, tokenHash string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, expires_at FROM share_tokens WHERE token_hash = ?`, tokenHash)
	var (
		jobID   string
		expires sql.NullInt64
	)
	err := row.Scan(&jobID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to scan share token: %w", err)
	}
	if expires.Valid && time.Now().UTC().Unix() > expires.Int64 {
		return "", ErrNotFound
	}
	return jobID, nil
}
