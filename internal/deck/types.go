// Package deck はプレゼンテーション(OOXML)の構造抽出と出力生成を提供します。
package deck

// ElementType はソースドキュメントから抽出した要素の種別を表します。
type ElementType string

const (
	ElementTitle ElementType = "TITLE"
	ElementBody  ElementType = "BODY"
	ElementImage ElementType = "IMAGE"
	ElementTable ElementType = "TABLE"
	ElementChart ElementType = "CHART"
	ElementShape ElementType = "SHAPE"
	ElementOther ElementType = "OTHER"
)

// PlaceholderType はテンプレートレイアウト内のプレースホルダー種別を表します。
type PlaceholderType string

const (
	PlaceholderTitle       PlaceholderType = "TITLE"
	PlaceholderSubtitle    PlaceholderType = "SUBTITLE"
	PlaceholderBody        PlaceholderType = "BODY"
	PlaceholderContent     PlaceholderType = "CONTENT"
	PlaceholderPicture     PlaceholderType = "PICTURE"
	PlaceholderChart       PlaceholderType = "CHART"
	PlaceholderTable       PlaceholderType = "TABLE"
	PlaceholderFooter      PlaceholderType = "FOOTER"
	PlaceholderSlideNumber PlaceholderType = "SLIDE_NUMBER"
	PlaceholderDate        PlaceholderType = "DATE"
	PlaceholderOther       PlaceholderType = "OTHER"
)

// BoundingBox は要素の位置とサイズをポイント単位で表します。
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element はソースドキュメントから抽出した1要素です。
// ID はスライド番号とシェイプIDから導出され、同一入力に対して常に同じ値になります。
type Element struct {
	ID          string      `json:"elementId"`
	SlideIndex  int         `json:"slideIndex"`
	Type        ElementType `json:"elementType"`
	Name        string      `json:"name,omitempty"`
	BBox        BoundingBox `json:"bbox"`
	TextPreview string      `json:"textPreview,omitempty"`
	Text        string      `json:"-"`
	HasImage    bool        `json:"hasImage"`
	HasTable    bool        `json:"hasTable"`
	HasChart    bool        `json:"hasChart"`
}

// Placeholder はテンプレートレイアウトから抽出した1プレースホルダーです。
type Placeholder struct {
	ID          string          `json:"placeholderId"`
	LayoutIndex int             `json:"layoutIndex"`
	LayoutName  string          `json:"layoutName"`
	Type        PlaceholderType `json:"placeholderType"`
	BBox        BoundingBox     `json:"bbox"`
	Idx         int             `json:"idx"` // OOXMLのph idx属性（無指定は-1）
	rawType     string          // OOXML上のph type属性値（出力生成で再利用）
}

// DocumentInfo はソースドキュメントの解析結果です。
type DocumentInfo struct {
	Elements   []Element `json:"elements"`
	SlideCount int       `json:"slideCount"`
}

// TemplateInfo はテンプレートの解析結果です。
type TemplateInfo struct {
	Placeholders []Placeholder `json:"placeholders"`
	LayoutCount  int           `json:"layoutCount"`
	LayoutNames  []string      `json:"layoutNames"`

	layoutFiles []string // layoutIndex順のアーカイブ内パス
}

// SlideElements は指定スライドの要素をドキュメント順で返します。
func (d *DocumentInfo) SlideElements(slideIndex int) []Element {
	var out []Element
	for _, e := range d.Elements {
		if e.SlideIndex == slideIndex {
			out = append(out, e)
		}
	}
	return out
}

// LayoutPlaceholders は指定レイアウトのプレースホルダーを出現順で返します。
func (t *TemplateInfo) LayoutPlaceholders(layoutIndex int) []Placeholder {
	var out []Placeholder
	for _, p := range t.Placeholders {
		if p.LayoutIndex == layoutIndex {
			out = append(out, p)
		}
	}
	return out
}

const emuPerPoint = 12700

func emuToPt(emu int64) float64 {
	return float64(emu) / emuPerPoint
}

const textPreviewMax = 200

func previewOf(text string) string {
	if len(text) <= textPreviewMax {
		return text
	}
	// マルチバイト境界を壊さないようルーン単位で切り詰める
	runes := []rune(text)
	if len(runes) <= textPreviewMax {
		return text
	}
	return string(runes[:textPreviewMax])
}
