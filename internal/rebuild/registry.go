package rebuild

import "github.com/RobinQuick/pultimate/internal/store"

// stagePlan はモードごとの実行ステージ列です。モードの追加はこの表への
// 行追加だけで済み、Runnerの制御フローには手を入れません。
//
// DRY_RUNは解析と対応付けのみを行い、OUTPUT_DOCUMENT成果物を作りません。
// DEMOは入力が固定ペアである点を除きFULLと同一です。
var stagePlan = map[store.Mode][]Stage{
	store.ModeFull: {
		{Name: "parse", Checkpoint: 20, Run: runParseStage},
		{Name: "map", Checkpoint: 40, Run: runMapStage},
		{Name: "evidence", Checkpoint: 55, Run: runEvidenceStage},
		{Name: "apply", Checkpoint: 80, Run: runApplyStage},
		{Name: "verify", Checkpoint: 90, Run: runVerifyStage},
	},
	store.ModeDemo: {
		{Name: "parse", Checkpoint: 20, Run: runParseStage},
		{Name: "map", Checkpoint: 40, Run: runMapStage},
		{Name: "evidence", Checkpoint: 55, Run: runEvidenceStage},
		{Name: "apply", Checkpoint: 80, Run: runApplyStage},
		{Name: "verify", Checkpoint: 90, Run: runVerifyStage},
	},
	store.ModeDryRun: {
		{Name: "parse", Checkpoint: 40, Run: runParseStage},
		{Name: "map", Checkpoint: 70, Run: runMapStage},
		{Name: "evidence", Checkpoint: 90, Run: runEvidenceStage},
	},
}

// StagesFor はモードに対応するステージ列を返します。
func StagesFor(mode store.Mode) ([]Stage, bool) {
	stages, ok := stagePlan[mode]
	return stages, ok
}
