package rebuild

import (
	"context"

	"github.com/RobinQuick/pultimate/internal/deck"
	"github.com/RobinQuick/pultimate/internal/mapping"
	"github.com/RobinQuick/pultimate/internal/storage"
	"github.com/RobinQuick/pultimate/internal/store"
)

// 成果物種別。
const (
	ArtifactOutputDocument = "OUTPUT_DOCUMENT"
	ArtifactEvidencePack   = "EVIDENCE_PACK"
)

// イベント種別。
const (
	EventParsedDocument  = "PARSED_DOCUMENT"
	EventMappingComputed = "MAPPING_COMPUTED"
	EventMappingApplied  = "MAPPING_APPLIED"
	EventStepCompleted   = "STEP_COMPLETED"
	EventFailed          = "FAILED"
)

// Stage はパイプラインの1処理単位です。Run が成功するとジョブの進捗は
// Checkpoint まで引き上げられます。
type Stage struct {
	Name       string
	Checkpoint int
	Run        func(ctx context.Context, sc *StageContext) error
}

// StageContext は1回のジョブ実行を通してステージ間で引き回される状態です。
// 各ステージは前段の出力を読み、自分の出力を書き足します。
type StageContext struct {
	Job     *store.Job
	Store   *store.Store
	Storage storage.Storage

	// ワークスペース
	Dir          string
	DocumentPath string
	TemplatePath string
	OutputPath   string

	// ステージ出力
	Document *deck.DocumentInfo
	Template *deck.TemplateInfo
	Mapping  *mapping.Result

	// applyステージの統計（evidence/verifyが参照）
	SlidesCreated   int
	ElementsMapped  int
	ElementsSkipped int
	ApplyWarnings   []string
}

// Emit はジョブのイベントログへ1件追記します。数えられる事実は
// messageではなくdataに載せます。
func (sc *StageContext) Emit(ctx context.Context, eventType, message string, data map[string]any) error {
	return sc.Store.AppendEvent(ctx, sc.Job.ID, eventType, message, data)
}
