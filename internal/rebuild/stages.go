package rebuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RobinQuick/pultimate/internal/deck"
	"github.com/RobinQuick/pultimate/internal/mapping"
	"github.com/RobinQuick/pultimate/internal/storage"
)

// runParseStage はソースドキュメントとテンプレートを構造解析します。
func runParseStage(ctx context.Context, sc *StageContext) error {
	doc, err := deck.ParseDocument(sc.DocumentPath)
	if err != nil {
		return WrapError(CodeValidation, "ドキュメントの解析に失敗しました", err)
	}
	tpl, err := deck.ParseTemplate(sc.TemplatePath)
	if err != nil {
		return WrapError(CodeValidation, "テンプレートの解析に失敗しました", err)
	}
	sc.Document = doc
	sc.Template = tpl

	return sc.Emit(ctx, EventParsedDocument, "ドキュメントとテンプレートを解析しました", map[string]any{
		"elements":     len(doc.Elements),
		"slides":       doc.SlideCount,
		"placeholders": len(tpl.Placeholders),
		"layouts":      tpl.LayoutCount,
	})
}

// runMapStage は要素とプレースホルダーの対応付けを計算します。
// 対応付けは決定的で、入力に存在しない内容を参照しないことを
// ここで検証します。
func runMapStage(ctx context.Context, sc *StageContext) error {
	result, err := mapping.Compute(sc.Document, sc.Template)
	if err != nil {
		if errors.Is(err, mapping.ErrMappingInfeasible) {
			return NewError(CodeMappingInfeasible, "テンプレートに使用可能なプレースホルダーがありません")
		}
		return WrapError(CodeInternal, "対応付けの計算に失敗しました", err)
	}
	if violations := mapping.Validate(result, sc.Document, sc.Template); len(violations) > 0 {
		// 入力に無いIDへの参照は合成の兆候なので即座に失敗させる
		return NewError(CodeInternal, fmt.Sprintf("mapping referenced unknown content: %s", violations[0]))
	}
	sc.Mapping = result

	return sc.Emit(ctx, EventMappingComputed, "対応付けを計算しました", map[string]any{
		"mapped":   result.MappedCount(),
		"skipped":  len(result.Skipped),
		"warnings": len(result.Warnings),
	})
}

// runEvidenceStage は対応付けと警告の一覧をXLSXとして永続化します。
// applyより前に保存されるため、後段で失敗しても診断用の証跡が残ります。
func runEvidenceStage(ctx context.Context, sc *StageContext) error {
	data, err := buildEvidencePack(sc.Job, sc.Document, sc.Template, sc.Mapping)
	if err != nil {
		return WrapError(CodeInternal, "証跡パックの生成に失敗しました", err)
	}

	filename := "evidence.xlsx"
	key, err := saveArtifactObject(ctx, sc, filename, data)
	if err != nil {
		return err
	}

	// 監査証跡の順序を守るため、イベントを成果物レコードより先に追記する
	if err := sc.Emit(ctx, EventStepCompleted, "証跡パックを保存しました", map[string]any{
		"step":      "evidence",
		"filename":  filename,
		"sizeBytes": len(data),
		"warnings":  len(sc.Mapping.Warnings),
	}); err != nil {
		return err
	}
	return registerArtifact(ctx, sc, ArtifactEvidencePack, filename, key, data)
}

// runApplyStage は対応付けに従ってテンプレート上へ内容を移し替え、
// 出力ドキュメントを成果物として永続化します。
func runApplyStage(ctx context.Context, sc *StageContext) error {
	textByID := make(map[string]deck.Element, len(sc.Document.Elements))
	for _, el := range sc.Document.Elements {
		textByID[el.ID] = el
	}

	var plans []deck.SlidePlan
	for _, sm := range sc.Mapping.SlideMappings {
		plan := deck.SlidePlan{LayoutIndex: sm.LayoutIndex}
		for _, em := range sm.ElementMappings {
			if em.Action != mapping.ActionMap {
				sc.ElementsSkipped++
				continue
			}
			el, ok := textByID[em.SourceElementID]
			if !ok {
				sc.ApplyWarnings = append(sc.ApplyWarnings,
					fmt.Sprintf("source element not found: %s", em.SourceElementID))
				continue
			}
			if el.Text == "" {
				// テキストを持たない要素（画像・表・グラフ）は移し替えず、
				// プレースホルダーを空のまま残す。代替内容は作らない。
				sc.ApplyWarnings = append(sc.ApplyWarnings,
					fmt.Sprintf("element %s (%s) has no relocatable text; placeholder %s left empty",
						el.ID, el.Type, em.TargetPlaceholderID))
				sc.ElementsSkipped++
				continue
			}
			plan.Fills = append(plan.Fills, deck.PlaceholderFill{
				PlaceholderID: em.TargetPlaceholderID,
				Text:          el.Text,
			})
			sc.ElementsMapped++
		}
		plans = append(plans, plan)
	}

	sc.OutputPath = filepath.Join(sc.Dir, "rebuilt.pptx")
	if err := deck.BuildOutput(sc.TemplatePath, sc.Template, plans, sc.OutputPath); err != nil {
		return WrapError(CodeInternal, "出力ドキュメントの生成に失敗しました", err)
	}
	sc.SlidesCreated = len(plans)

	data, err := os.ReadFile(sc.OutputPath)
	if err != nil {
		return WrapError(CodeInternal, "出力ドキュメントの読み込みに失敗しました", err)
	}
	outputName := "rebuilt.pptx"
	key, err := saveArtifactObject(ctx, sc, outputName, data)
	if err != nil {
		return err
	}

	if err := sc.Emit(ctx, EventMappingApplied, "対応付けを適用しました", map[string]any{
		"slidesCreated":   sc.SlidesCreated,
		"elementsMapped":  sc.ElementsMapped,
		"elementsSkipped": sc.ElementsSkipped,
		"applyWarnings":   len(sc.ApplyWarnings),
		"filename":        outputName,
	}); err != nil {
		return err
	}
	return registerArtifact(ctx, sc, ArtifactOutputDocument, outputName, key, data)
}

// runVerifyStage は生成した出力を再解析し、全テキストがソースの解析結果に
// 由来することを確認します。由来しないテキストの検出は合成の証拠であり、
// ジョブを失敗させます。
func runVerifyStage(ctx context.Context, sc *StageContext) error {
	rebuilt, err := deck.ParseDocument(sc.OutputPath)
	if err != nil {
		return WrapError(CodeVerifyFailed, "出力ドキュメントの再解析に失敗しました", err)
	}

	sourceTexts := make(map[string]bool)
	for _, el := range sc.Document.Elements {
		for _, line := range strings.Split(el.Text, "\n") {
			if line != "" {
				sourceTexts[line] = true
			}
		}
	}

	checked := 0
	for _, el := range rebuilt.Elements {
		for _, line := range strings.Split(el.Text, "\n") {
			if line == "" {
				continue
			}
			checked++
			if !sourceTexts[line] {
				return NewError(CodeVerifyFailed,
					fmt.Sprintf("output contains text not present in the source document: %.60q", line))
			}
		}
	}

	return sc.Emit(ctx, EventStepCompleted, "出力を検証しました", map[string]any{
		"step":         "verify",
		"slides":       rebuilt.SlideCount,
		"linesChecked": checked,
	})
}

const (
	persistMaxAttempts = 3
	persistBaseBackoff = 200 * time.Millisecond
)

// saveArtifactObject は成果物の実体をオブジェクトストアへ書き、キーを返します。
// 一時的なストレージ障害は限度付きバックオフで再試行し、それでも失敗する
// 場合に STORAGE_UNAVAILABLE としてエスカレーションします。
// 成果物レコードの登録はステージのイベント追記後に registerArtifact で行います。
func saveArtifactObject(ctx context.Context, sc *StageContext, filename string, data []byte) (string, error) {
	key := storage.ContentKey(sc.Job.ID, filename, data)

	var lastErr error
	for attempt := 0; attempt < persistMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(persistBaseBackoff << (attempt - 1)):
			}
		}
		if lastErr = sc.Storage.Save(ctx, key, data); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return "", WrapError(CodeStorageUnavail, "成果物の保存に失敗しました", lastErr)
	}
	return key, nil
}

func registerArtifact(ctx context.Context, sc *StageContext, artifactType, filename, key string, data []byte) error {
	if _, err := sc.Store.AddArtifact(ctx, sc.Job.ID, artifactType, filename, key, int64(len(data))); err != nil {
		return WrapError(CodeInternal, "成果物の登録に失敗しました", err)
	}
	return nil
}
