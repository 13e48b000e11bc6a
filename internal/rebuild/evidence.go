package rebuild

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/RobinQuick/pultimate/internal/deck"
	"github.com/RobinQuick/pultimate/internal/mapping"
	"github.com/RobinQuick/pultimate/internal/store"
)

// buildEvidencePack は対応付けの全決定と警告をXLSXワークブックにまとめます。
// 監査担当がジョブの変換内容を表計算で追えるようにするための成果物で、
// 内容はすべて解析結果と対応付け結果から転記されます。
func buildEvidencePack(job *store.Job, doc *deck.DocumentInfo, tpl *deck.TemplateInfo, result *mapping.Result) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const mappingSheet = "Mapping"
	if _, err := f.NewSheet(mappingSheet); err != nil {
		return nil, err
	}
	// excelizeの既定シートは使わない
	_ = f.DeleteSheet("Sheet1")
	index, _ := f.GetSheetIndex(mappingSheet)
	f.SetActiveSheet(index)

	elementByID := make(map[string]deck.Element, len(doc.Elements))
	for _, el := range doc.Elements {
		elementByID[el.ID] = el
	}
	placeholderByID := make(map[string]deck.Placeholder, len(tpl.Placeholders))
	for _, ph := range tpl.Placeholders {
		placeholderByID[ph.ID] = ph
	}

	headers := []string{
		"Output Slide",
		"Layout",
		"Action",
		"Source Element",
		"Element Type",
		"Text Preview",
		"Target Placeholder",
		"Placeholder Type",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(mappingSheet, cell, h)
	}

	row := 2
	for _, sm := range result.SlideMappings {
		for _, em := range sm.ElementMappings {
			el := elementByID[em.SourceElementID]
			values := []any{
				sm.OutputSlideIndex,
				sm.LayoutName,
				string(em.Action),
				em.SourceElementID,
				string(el.Type),
				el.TextPreview,
				em.TargetPlaceholderID,
				"",
			}
			if ph, ok := placeholderByID[em.TargetPlaceholderID]; ok {
				values[7] = string(ph.Type)
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(mappingSheet, cell, v)
			}
			row++
		}
	}

	const warningsSheet = "Warnings"
	if _, err := f.NewSheet(warningsSheet); err != nil {
		return nil, err
	}
	_ = f.SetCellValue(warningsSheet, "A1", "Warning")
	for i, w := range result.Warnings {
		cell := fmt.Sprintf("A%d", i+2)
		_ = f.SetCellValue(warningsSheet, cell, w)
	}

	const summarySheet = "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	summary := [][2]any{
		{"Job", job.ID},
		{"Mode", string(job.Mode)},
		{"Source Slides", doc.SlideCount},
		{"Source Elements", len(doc.Elements)},
		{"Template Layouts", tpl.LayoutCount},
		{"Template Placeholders", len(tpl.Placeholders)},
		{"Mapped Elements", result.MappedCount()},
		{"Skipped Elements", len(result.Skipped)},
		{"Warnings", len(result.Warnings)},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), kv[1])
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
