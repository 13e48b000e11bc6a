// Package mapping はソース要素とテンプレートプレースホルダーの対応付けを行います。
//
// 対応付けは決定的です。同じ入力には常に同じ結果を返し、
// 内容の合成は一切行いません（未対応のプレースホルダーは空のままにします）。
package mapping

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/RobinQuick/pultimate/internal/deck"
)

// ErrMappingInfeasible はテンプレートに使用可能なプレースホルダーが
// 1つも存在しない場合に返されます。要素単位の不一致は警告であり、
// このエラーにはなりません。
var ErrMappingInfeasible = errors.New("template has no usable placeholders")

// Action は要素に対する対応付けの決定です。
type Action string

const (
	ActionMap  Action = "MAP"
	ActionSkip Action = "SKIP"
)

// ElementMapping は1要素の対応付け決定です。
type ElementMapping struct {
	SourceElementID     string `json:"sourceElementId"`
	TargetPlaceholderID string `json:"targetPlaceholderId,omitempty"`
	Action              Action `json:"action"`
}

// SlideMapping は出力スライド1枚分の対応付けです。
type SlideMapping struct {
	OutputSlideIndex int              `json:"outputSlideIndex"`
	LayoutIndex      int              `json:"layoutIndex"`
	LayoutName       string           `json:"layoutName"`
	ElementMappings  []ElementMapping `json:"elementMappings"`
}

// Result は対応付けの全体結果です。
type Result struct {
	SlideMappings []SlideMapping `json:"slideMappings"`
	Skipped       []string       `json:"skippedElements"`
	Warnings      []string       `json:"warnings"`
}

// MappedCount は MAP された要素数を返します。
func (r *Result) MappedCount() int {
	count := 0
	for _, sm := range r.SlideMappings {
		for _, em := range sm.ElementMappings {
			if em.Action == ActionMap {
				count++
			}
		}
	}
	return count
}

// compatibleElements はプレースホルダー種別ごとに受け入れ可能な要素種別です。
// ここに無い種別（フッター、ページ番号、日付など）は流し込み対象外です。
var compatibleElements = map[deck.PlaceholderType][]deck.ElementType{
	deck.PlaceholderTitle:    {deck.ElementTitle},
	deck.PlaceholderSubtitle: {deck.ElementTitle, deck.ElementBody},
	deck.PlaceholderBody:     {deck.ElementBody},
	deck.PlaceholderContent:  {deck.ElementBody, deck.ElementTable, deck.ElementChart, deck.ElementImage, deck.ElementShape},
	deck.PlaceholderPicture:  {deck.ElementImage},
	deck.PlaceholderChart:    {deck.ElementChart},
	deck.PlaceholderTable:    {deck.ElementTable},
}

func isCompatible(ph deck.PlaceholderType, el deck.ElementType) bool {
	for _, t := range compatibleElements[ph] {
		if t == el {
			return true
		}
	}
	return false
}

// usablePlaceholder は流し込み対象になり得るプレースホルダーかどうかを返します。
func usablePlaceholder(ph deck.Placeholder) bool {
	return len(compatibleElements[ph.Type]) > 0
}

// Compute はソース要素をテンプレートプレースホルダーへ対応付けます。
//
// スライドごとに最も多くの要素を受け入れられるレイアウトを選び、
// 各プレースホルダーには種別互換かつ位置が最も近い未使用要素を割り当てます。
// 同距離の場合はドキュメント順の早い要素が優先されます。
func Compute(doc *deck.DocumentInfo, tpl *deck.TemplateInfo) (*Result, error) {
	usableByLayout := make(map[int][]deck.Placeholder)
	usableTotal := 0
	for _, ph := range tpl.Placeholders {
		if !usablePlaceholder(ph) {
			continue
		}
		usableByLayout[ph.LayoutIndex] = append(usableByLayout[ph.LayoutIndex], ph)
		usableTotal++
	}
	if usableTotal == 0 {
		return nil, ErrMappingInfeasible
	}

	layoutIndexes := make([]int, 0, len(usableByLayout))
	for idx := range usableByLayout {
		layoutIndexes = append(layoutIndexes, idx)
	}
	sort.Ints(layoutIndexes)

	result := &Result{}
	for slideIdx := 0; slideIdx < doc.SlideCount; slideIdx++ {
		elements := doc.SlideElements(slideIdx)

		layoutIdx := chooseLayout(elements, layoutIndexes, usableByLayout)
		assignments, unplaced := assign(elements, usableByLayout[layoutIdx])

		sm := SlideMapping{
			OutputSlideIndex: slideIdx,
			LayoutIndex:      layoutIdx,
			LayoutName:       tpl.LayoutNames[layoutIdx],
		}
		filled := make(map[string]bool)
		for _, a := range assignments {
			sm.ElementMappings = append(sm.ElementMappings, ElementMapping{
				SourceElementID:     a.element.ID,
				TargetPlaceholderID: a.placeholder.ID,
				Action:              ActionMap,
			})
			filled[a.placeholder.ID] = true
		}
		for _, el := range unplaced {
			sm.ElementMappings = append(sm.ElementMappings, ElementMapping{
				SourceElementID: el.ID,
				Action:          ActionSkip,
			})
			result.Skipped = append(result.Skipped, el.ID)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("slide %d: element %s (%s) has no compatible placeholder", slideIdx, el.ID, el.Type))
		}
		for _, ph := range usableByLayout[layoutIdx] {
			if !filled[ph.ID] {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("slide %d: placeholder %s (%s) left empty", slideIdx, ph.ID, ph.Type))
			}
		}

		result.SlideMappings = append(result.SlideMappings, sm)
	}

	return result, nil
}

type assignment struct {
	element     deck.Element
	placeholder deck.Placeholder
}

// chooseLayout は割り当て可能な要素数が最大のレイアウトを返します。
// 同数の場合はレイアウト番号の小さい方を選びます。
func chooseLayout(elements []deck.Element, layoutIndexes []int, usableByLayout map[int][]deck.Placeholder) int {
	best := layoutIndexes[0]
	bestCount := -1
	for _, idx := range layoutIndexes {
		assigned, _ := assign(elements, usableByLayout[idx])
		if len(assigned) > bestCount {
			best = idx
			bestCount = len(assigned)
		}
	}
	return best
}

// assign は1スライド分の要素をプレースホルダーへ貪欲に割り当てます。
// プレースホルダーはレイアウト出現順に処理され、各プレースホルダーは
// 互換種別の未使用要素のうち中心距離が最小のものを取ります。
func assign(elements []deck.Element, placeholders []deck.Placeholder) ([]assignment, []deck.Element) {
	used := make([]bool, len(elements))
	var assignments []assignment

	for _, ph := range placeholders {
		bestIdx := -1
		bestDist := math.Inf(1)
		for i, el := range elements {
			if used[i] || !isCompatible(ph.Type, el.Type) {
				continue
			}
			d := centerDistance(ph.BBox, el.BBox)
			// 同距離はドキュメント順の早い要素を保持する
			if d < bestDist {
				bestDist = d
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			used[bestIdx] = true
			assignments = append(assignments, assignment{element: elements[bestIdx], placeholder: ph})
		}
	}

	var unplaced []deck.Element
	for i, el := range elements {
		if !used[i] {
			unplaced = append(unplaced, el)
		}
	}
	return assignments, unplaced
}

func centerDistance(a, b deck.BoundingBox) float64 {
	ax, ay := a.X+a.Width/2, a.Y+a.Height/2
	bx, by := b.X+b.Width/2, b.Y+b.Height/2
	return math.Hypot(ax-bx, ay-by)
}

// Validate は対応付けが入力に存在するIDのみを参照していることを確認します。
// 戻り値は違反の一覧で、空であれば対応付けは入力の部分集合です。
func Validate(result *Result, doc *deck.DocumentInfo, tpl *deck.TemplateInfo) []string {
	elementIDs := make(map[string]bool, len(doc.Elements))
	for _, e := range doc.Elements {
		elementIDs[e.ID] = true
	}
	placeholderIDs := make(map[string]bool, len(tpl.Placeholders))
	for _, p := range tpl.Placeholders {
		placeholderIDs[p.ID] = true
	}

	var violations []string
	for _, sm := range result.SlideMappings {
		for _, em := range sm.ElementMappings {
			if !elementIDs[em.SourceElementID] {
				violations = append(violations, fmt.Sprintf("unknown source element: %s", em.SourceElementID))
			}
			if em.Action == ActionMap && !placeholderIDs[em.TargetPlaceholderID] {
				violations = append(violations, fmt.Sprintf("unknown target placeholder: %s", em.TargetPlaceholderID))
			}
		}
	}
	for _, id := range result.Skipped {
		if !elementIDs[id] {
			violations = append(violations, fmt.Sprintf("unknown skipped element: %s", id))
		}
	}
	return violations
}
