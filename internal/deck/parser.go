package deck

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	slidePathPattern  = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	layoutPathPattern = regexp.MustCompile(`^ppt/slideLayouts/slideLayout(\d+)\.xml$`)
)

// ParseDocument はソースドキュメント(pptx)を解析し、全スライドの要素を抽出します。
// 要素IDは slide_<スライド番号>_shape_<シェイプID> 形式で安定しています。
func ParseDocument(path string) (*DocumentInfo, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer archive.Close()

	slideFiles := numberedEntries(&archive.Reader, slidePathPattern)
	if len(slideFiles) == 0 {
		return nil, fmt.Errorf("document has no slides")
	}

	doc := &DocumentInfo{SlideCount: len(slideFiles)}
	for slideIdx, file := range slideFiles {
		shapes, err := extractShapes(file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse slide %d: %w", slideIdx+1, err)
		}
		for _, sh := range shapes {
			doc.Elements = append(doc.Elements, Element{
				ID:          fmt.Sprintf("slide_%d_shape_%d", slideIdx, sh.id),
				SlideIndex:  slideIdx,
				Type:        classifyElement(sh),
				Name:        sh.name,
				BBox:        sh.bbox(),
				TextPreview: previewOf(sh.text()),
				Text:        sh.text(),
				HasImage:    sh.kind == shapeKindPicture,
				HasTable:    sh.hasTable,
				HasChart:    sh.hasChart,
			})
		}
	}
	return doc, nil
}

// ParseTemplate はテンプレート(pptx/potx)のレイアウトを解析し、
// 全プレースホルダーを抽出します。IDは layout_<番号>_ph_<idx> 形式です。
func ParseTemplate(path string) (*TemplateInfo, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer archive.Close()

	layoutFiles := numberedEntries(&archive.Reader, layoutPathPattern)
	if len(layoutFiles) == 0 {
		return nil, fmt.Errorf("template has no slide layouts")
	}

	tpl := &TemplateInfo{LayoutCount: len(layoutFiles)}
	for layoutIdx, file := range layoutFiles {
		name, shapes, err := extractLayout(file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse layout %d: %w", layoutIdx+1, err)
		}
		if name == "" {
			name = fmt.Sprintf("Layout %d", layoutIdx)
		}
		tpl.LayoutNames = append(tpl.LayoutNames, name)
		tpl.layoutFiles = append(tpl.layoutFiles, file.Name)

		for _, sh := range shapes {
			if !sh.isPlaceholder {
				continue
			}
			ref := sh.phIdx
			if ref < 0 {
				ref = sh.id
			}
			tpl.Placeholders = append(tpl.Placeholders, Placeholder{
				ID:          fmt.Sprintf("layout_%d_ph_%d", layoutIdx, ref),
				LayoutIndex: layoutIdx,
				LayoutName:  name,
				Type:        classifyPlaceholder(sh.phType),
				BBox:        sh.bbox(),
				Idx:         sh.phIdx,
				rawType:     sh.phType,
			})
		}
	}
	return tpl, nil
}

// numberedEntries はパターンに一致するアーカイブ内エントリを番号順で返します。
func numberedEntries(r *zip.Reader, pattern *regexp.Regexp) []*zip.File {
	type numbered struct {
		n    int
		file *zip.File
	}
	var found []numbered
	for _, f := range r.File {
		m := pattern.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, file: f})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	files := make([]*zip.File, len(found))
	for i, f := range found {
		files[i] = f.file
	}
	return files
}

type shapeKind int

const (
	shapeKindShape shapeKind = iota
	shapeKindPicture
	shapeKindFrame
)

// rawShape はXMLウォーク中に収集するシェイプ情報です。
type rawShape struct {
	kind          shapeKind
	id            int
	name          string
	isPlaceholder bool
	phType        string
	phIdx         int
	offX, offY    int64
	extW, extH    int64
	haveOff       bool
	haveExt       bool
	paragraphs    []string
	hasTable      bool
	hasChart      bool
}

func (s *rawShape) text() string {
	return strings.TrimSpace(strings.Join(s.paragraphs, "\n"))
}

func (s *rawShape) bbox() BoundingBox {
	return BoundingBox{
		X:      emuToPt(s.offX),
		Y:      emuToPt(s.offY),
		Width:  emuToPt(s.extW),
		Height: emuToPt(s.extH),
	}
}

func classifyElement(s *rawShape) ElementType {
	switch {
	case s.hasTable:
		return ElementTable
	case s.hasChart:
		return ElementChart
	case s.kind == shapeKindPicture:
		return ElementImage
	}
	if s.isPlaceholder {
		switch s.phType {
		case "title", "ctrTitle":
			return ElementTitle
		case "body", "subTitle", "obj", "":
			return ElementBody
		}
	}
	if s.text() != "" {
		return ElementBody
	}
	if s.kind == shapeKindShape {
		return ElementShape
	}
	return ElementOther
}

func classifyPlaceholder(phType string) PlaceholderType {
	switch phType {
	case "title", "ctrTitle":
		return PlaceholderTitle
	case "subTitle":
		return PlaceholderSubtitle
	case "body":
		return PlaceholderBody
	// ph type属性の省略はOOXML上オブジェクト系プレースホルダーとして扱う
	case "obj", "":
		return PlaceholderContent
	case "pic":
		return PlaceholderPicture
	case "chart":
		return PlaceholderChart
	case "tbl":
		return PlaceholderTable
	case "ftr":
		return PlaceholderFooter
	case "sldNum":
		return PlaceholderSlideNumber
	case "dt":
		return PlaceholderDate
	default:
		return PlaceholderOther
	}
}

// extractShapes は1枚のスライドXMLからトップレベルのシェイプ列を抽出します。
func extractShapes(file *zip.File) ([]*rawShape, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	_, shapes, err := walkShapeTree(rc)
	return shapes, err
}

// extractLayout はレイアウトXMLからレイアウト名とシェイプ列を抽出します。
func extractLayout(file *zip.File) (string, []*rawShape, error) {
	rc, err := file.Open()
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()
	return walkShapeTree(rc)
}

// groupFrame は grpSp の座標変換です。メンバーシェイプの座標は
// グループの子座標系で表されるため、chOff/chExt から親座標系へ写します。
type groupFrame struct {
	offX, offY     int64
	extW, extH     int64
	chOffX, chOffY int64
	chExtW, chExtH int64
}

func (g *groupFrame) scaleX() float64 {
	if g.chExtW == 0 {
		return 1
	}
	return float64(g.extW) / float64(g.chExtW)
}

func (g *groupFrame) scaleY() float64 {
	if g.chExtH == 0 {
		return 1
	}
	return float64(g.extH) / float64(g.chExtH)
}

// apply はシェイプの子座標系の位置・寸法を親座標系へ変換します。
func (g *groupFrame) apply(s *rawShape) {
	sx, sy := g.scaleX(), g.scaleY()
	s.offX = g.offX + int64(float64(s.offX-g.chOffX)*sx)
	s.offY = g.offY + int64(float64(s.offY-g.chOffY)*sy)
	s.extW = int64(float64(s.extW) * sx)
	s.extH = int64(float64(s.extH) * sy)
}

// walkShapeTree はXMLトークンを走査し sp / pic / graphicFrame を収集します。
// grpSp 内の入れ子シェイプも個別に収集し、座標はグループ変換を畳み込んで
// スライド座標系へ直してから返します。
func walkShapeTree(r io.Reader) (string, []*rawShape, error) {
	decoder := xml.NewDecoder(r)

	var (
		shapes    []*rawShape
		current   *rawShape
		depth     int // 現在のシェイプ開始要素からの深さ
		groups    []*groupFrame
		cSldName  string
		inText    bool
		paragraph strings.Builder
		inPara    bool
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local
			if current == nil {
				switch local {
				case "cSld":
					cSldName = attrValue(t, "name")
				case "sp":
					current = &rawShape{kind: shapeKindShape, phIdx: -1}
					depth = 0
				case "pic":
					current = &rawShape{kind: shapeKindPicture, phIdx: -1}
					depth = 0
				case "graphicFrame":
					current = &rawShape{kind: shapeKindFrame, phIdx: -1}
					depth = 0
				case "grpSp":
					groups = append(groups, &groupFrame{})
				case "off":
					if len(groups) > 0 {
						g := groups[len(groups)-1]
						g.offX = attrInt64(t, "x")
						g.offY = attrInt64(t, "y")
					}
				case "ext":
					if len(groups) > 0 {
						g := groups[len(groups)-1]
						g.extW = attrInt64(t, "cx")
						g.extH = attrInt64(t, "cy")
					}
				case "chOff":
					if len(groups) > 0 {
						g := groups[len(groups)-1]
						g.chOffX = attrInt64(t, "x")
						g.chOffY = attrInt64(t, "y")
					}
				case "chExt":
					if len(groups) > 0 {
						g := groups[len(groups)-1]
						g.chExtW = attrInt64(t, "cx")
						g.chExtH = attrInt64(t, "cy")
					}
				}
				continue
			}

			depth++
			switch local {
			case "cNvPr":
				if current.id == 0 {
					current.id, _ = strconv.Atoi(attrValue(t, "id"))
					current.name = attrValue(t, "name")
				}
			case "ph":
				current.isPlaceholder = true
				current.phType = attrValue(t, "type")
				current.phIdx = -1
				if idx := attrValue(t, "idx"); idx != "" {
					if n, err := strconv.Atoi(idx); err == nil {
						current.phIdx = n
					}
				}
			case "off":
				if !current.haveOff {
					current.offX = attrInt64(t, "x")
					current.offY = attrInt64(t, "y")
					current.haveOff = true
				}
			case "ext":
				if !current.haveExt {
					current.extW = attrInt64(t, "cx")
					current.extH = attrInt64(t, "cy")
					current.haveExt = true
				}
			case "tbl":
				current.hasTable = true
			case "chart":
				current.hasChart = true
			case "graphicData":
				if strings.Contains(attrValue(t, "uri"), "/chart") {
					current.hasChart = true
				}
			case "p":
				inPara = true
				paragraph.Reset()
			case "t":
				inText = true
			}

		case xml.CharData:
			if current != nil && inText {
				paragraph.Write(t)
			}

		case xml.EndElement:
			local := t.Name.Local
			if current == nil {
				if local == "grpSp" && len(groups) > 0 {
					groups = groups[:len(groups)-1]
				}
				continue
			}
			if depth == 0 {
				// シェイプ開始要素の閉じタグ
				if local == "sp" || local == "pic" || local == "graphicFrame" {
					// グループ内のシェイプはスライド座標系へ直す
					for i := len(groups) - 1; i >= 0; i-- {
						groups[i].apply(current)
					}
					shapes = append(shapes, current)
					current = nil
				}
				continue
			}
			depth--
			switch local {
			case "t":
				inText = false
			case "p":
				if inPara {
					if text := paragraph.String(); text != "" {
						current.paragraphs = append(current.paragraphs, text)
					}
					inPara = false
				}
			}
		}
	}

	return cSldName, shapes, nil
}

func attrValue(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func attrInt64(el xml.StartElement, name string) int64 {
	v, _ := strconv.ParseInt(attrValue(el, name), 10, 64)
	return v
}
