package deck

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
)

// PlaceholderFill は出力スライド上の1プレースホルダーへ流し込む内容です。
// Text はソースドキュメントから抽出した文字列そのものであり、
// ここで新しい内容を合成することはありません。
type PlaceholderFill struct {
	PlaceholderID string
	Text          string
}

// SlidePlan は出力スライド1枚の生成計画です。
type SlidePlan struct {
	LayoutIndex int
	Fills       []PlaceholderFill
}

const (
	slideContentType = "application/vnd.openxmlformats-officedocument.presentationml.slide+xml"
	slideRelType     = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/slide"
	layoutRelType    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideLayout"
	relsNamespace    = "http://schemas.openxmlformats.org/package/2006/relationships"
)

// BuildOutput はテンプレートのパッケージを複製し、生成計画に従って
// スライドを追加した新しいプレゼンテーションを outPath に書き出します。
// テンプレート自身が持つ既存スライドは出力には含めません。
func BuildOutput(templatePath string, tpl *TemplateInfo, plans []SlidePlan, outPath string) error {
	if len(plans) == 0 {
		return fmt.Errorf("no slides to build")
	}

	archive, err := zip.OpenReader(templatePath)
	if err != nil {
		return fmt.Errorf("failed to open template: %w", err)
	}
	defer archive.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	writer := zip.NewWriter(out)

	phByID := make(map[string]Placeholder, len(tpl.Placeholders))
	for _, p := range tpl.Placeholders {
		phByID[p.ID] = p
	}

	for _, file := range archive.File {
		name := file.Name
		switch {
		case strings.HasPrefix(name, "ppt/slides/"):
			continue // テンプレート既存スライドは捨てる
		case strings.HasPrefix(name, "ppt/notesSlides/"):
			// ノートのrelsは捨てたスライドを指すため、残すと参照切れになる
			continue
		case name == "[Content_Types].xml":
			if err := writeEntry(writer, name, func(src []byte) ([]byte, error) {
				return rewriteContentTypes(src, len(plans))
			}, file); err != nil {
				return err
			}
		case name == "ppt/presentation.xml":
			if err := writeEntry(writer, name, func(src []byte) ([]byte, error) {
				return rewritePresentation(src, len(plans))
			}, file); err != nil {
				return err
			}
		case name == "ppt/_rels/presentation.xml.rels":
			if err := writeEntry(writer, name, func(src []byte) ([]byte, error) {
				return rewritePresentationRels(src, len(plans))
			}, file); err != nil {
				return err
			}
		default:
			if err := copyEntry(writer, file); err != nil {
				return err
			}
		}
	}

	for i, plan := range plans {
		slideName := fmt.Sprintf("ppt/slides/slide%d.xml", i+1)
		slideXML := renderSlideXML(plan, phByID)
		if err := writeRaw(writer, slideName, slideXML); err != nil {
			return err
		}

		layoutFile := tpl.layoutFiles[plan.LayoutIndex]
		relsName := fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", i+1)
		relsXML := renderSlideRels(layoutFile)
		if err := writeRaw(writer, relsName, relsXML); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}
	return nil
}

func copyEntry(w *zip.Writer, file *zip.File) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	dst, err := w.Create(file.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, rc)
	return err
}

func writeEntry(w *zip.Writer, name string, transform func([]byte) ([]byte, error), file *zip.File) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	src, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}
	data, err := transform(src)
	if err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", name, err)
	}
	return writeRaw(w, name, data)
}

func writeRaw(w *zip.Writer, name string, data []byte) error {
	dst, err := w.Create(name)
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}

// --- [Content_Types].xml ---

type contentTypes struct {
	XMLName   xml.Name             `xml:"Types"`
	Xmlns     string               `xml:"xmlns,attr"`
	Defaults  []contentTypeDefault `xml:"Default"`
	Overrides []contentTypeEntry   `xml:"Override"`
}

type contentTypeDefault struct {
	Extension   string `xml:"Extension,attr"`
	ContentType string `xml:"ContentType,attr"`
}

type contentTypeEntry struct {
	PartName    string `xml:"PartName,attr"`
	ContentType string `xml:"ContentType,attr"`
}

func rewriteContentTypes(src []byte, slideCount int) ([]byte, error) {
	var types contentTypes
	if err := xml.Unmarshal(src, &types); err != nil {
		return nil, err
	}

	kept := types.Overrides[:0]
	for _, o := range types.Overrides {
		if strings.HasPrefix(o.PartName, "/ppt/slides/") ||
			strings.HasPrefix(o.PartName, "/ppt/notesSlides/") {
			continue
		}
		kept = append(kept, o)
	}
	types.Overrides = kept
	for i := 1; i <= slideCount; i++ {
		types.Overrides = append(types.Overrides, contentTypeEntry{
			PartName:    fmt.Sprintf("/ppt/slides/slide%d.xml", i),
			ContentType: slideContentType,
		})
	}

	return marshalXMLPart(&types)
}

// --- ppt/_rels/presentation.xml.rels ---

type relationships struct {
	XMLName xml.Name       `xml:"Relationships"`
	Xmlns   string         `xml:"xmlns,attr"`
	Items   []relationship `xml:"Relationship"`
}

type relationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

func rewritePresentationRels(src []byte, slideCount int) ([]byte, error) {
	var rels relationships
	if err := xml.Unmarshal(src, &rels); err != nil {
		return nil, err
	}

	kept := rels.Items[:0]
	for _, r := range rels.Items {
		if r.Type == slideRelType {
			continue
		}
		kept = append(kept, r)
	}
	rels.Items = kept
	for i := 0; i < slideCount; i++ {
		rels.Items = append(rels.Items, relationship{
			ID:     presentationSlideRelID(i),
			Type:   slideRelType,
			Target: fmt.Sprintf("slides/slide%d.xml", i+1),
		})
	}

	return marshalXMLPart(&rels)
}

// --- ppt/presentation.xml ---

var sldIdLstPattern = regexp.MustCompile(`(?s)<p:sldIdLst>.*?</p:sldIdLst>|<p:sldIdLst/>`)

// rewritePresentation は sldIdLst を生成スライドの列に差し替えます。
// presentation.xml は属性や名前空間の保持が要求されるため、構造体への
// マッピングではなく sldIdLst 部分のみを文字列置換します。
func rewritePresentation(src []byte, slideCount int) ([]byte, error) {
	var list strings.Builder
	list.WriteString("<p:sldIdLst>")
	for i := 0; i < slideCount; i++ {
		// sldIdは256以上が要求される
		fmt.Fprintf(&list, `<p:sldId id="%d" r:id="%s"/>`, 256+i, presentationSlideRelID(i))
	}
	list.WriteString("</p:sldIdLst>")

	if sldIdLstPattern.Match(src) {
		return sldIdLstPattern.ReplaceAll(src, []byte(list.String())), nil
	}

	// スライドを1枚も持たないテンプレートにはsldIdLstが無いことがある
	for _, anchor := range []string{"</p:sldMasterIdLst>", "<p:sldSz"} {
		if idx := bytes.Index(src, []byte(anchor)); idx >= 0 {
			insertAt := idx
			if anchor[1] == '/' {
				insertAt = idx + len(anchor)
			}
			out := make([]byte, 0, len(src)+list.Len())
			out = append(out, src[:insertAt]...)
			out = append(out, list.String()...)
			out = append(out, src[insertAt:]...)
			return out, nil
		}
	}
	return nil, fmt.Errorf("presentation.xml has no insertion point for sldIdLst")
}

// presentationSlideRelID は i 番目の生成スライドに割り当てるrIdを返します。
// 既存rIdとの衝突を避けるため十分大きな起点から採番します。
func presentationSlideRelID(i int) string {
	return fmt.Sprintf("rId%d", 1000+i+1)
}

// --- スライド本体 ---

// renderSlideXML は生成計画から1枚のスライドXMLを組み立てます。
// プレースホルダーの位置はレイアウトから継承されるためxfrmは出力しません。
func renderSlideXML(plan SlidePlan, phByID map[string]Placeholder) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString("\n")
	b.WriteString(`<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">`)
	b.WriteString(`<p:cSld><p:spTree>`)
	b.WriteString(`<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>`)

	shapeID := 2
	for _, fill := range plan.Fills {
		ph, ok := phByID[fill.PlaceholderID]
		if !ok {
			continue
		}
		b.WriteString(`<p:sp><p:nvSpPr>`)
		fmt.Fprintf(&b, `<p:cNvPr id="%d" name="%s"/>`, shapeID, escapeXML(placeholderShapeName(ph)))
		b.WriteString(`<p:cNvSpPr><a:spLocks noGrp="1"/></p:cNvSpPr>`)
		b.WriteString(`<p:nvPr><p:ph`)
		if ph.rawType != "" {
			fmt.Fprintf(&b, ` type="%s"`, ph.rawType)
		}
		if ph.Idx >= 0 {
			fmt.Fprintf(&b, ` idx="%d"`, ph.Idx)
		}
		b.WriteString(`/></p:nvPr></p:nvSpPr><p:spPr/>`)
		b.WriteString(`<p:txBody><a:bodyPr/><a:lstStyle/>`)
		writeParagraphs(&b, fill.Text)
		b.WriteString(`</p:txBody></p:sp>`)
		shapeID++
	}

	b.WriteString(`</p:spTree></p:cSld>`)
	b.WriteString(`<p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr>`)
	b.WriteString(`</p:sld>`)
	return []byte(b.String())
}

func writeParagraphs(b *strings.Builder, text string) {
	if text == "" {
		b.WriteString(`<a:p/>`)
		return
	}
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			b.WriteString(`<a:p/>`)
			continue
		}
		b.WriteString(`<a:p><a:r><a:t>`)
		b.WriteString(escapeXML(line))
		b.WriteString(`</a:t></a:r></a:p>`)
	}
}

func placeholderShapeName(ph Placeholder) string {
	switch ph.Type {
	case PlaceholderTitle:
		return "Title"
	case PlaceholderSubtitle:
		return "Subtitle"
	default:
		return fmt.Sprintf("Placeholder %d", ph.Idx)
	}
}

func renderSlideRels(layoutFile string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString("\n")
	fmt.Fprintf(&b,
		`<Relationships xmlns="%s"><Relationship Id="rId1" Type="%s" Target="../slideLayouts/%s"/></Relationships>`,
		relsNamespace, layoutRelType, path.Base(layoutFile))
	return []byte(b.String())
}

func marshalXMLPart(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+64)
	out = append(out, []byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+"\n")...)
	out = append(out, body...)
	return out, nil
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
