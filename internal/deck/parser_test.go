package deck

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writePPTX はテスト用のpptxパッケージを組み立てます。
func writePPTX(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pptx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test pptx: %v", err)
	}
	w := zip.NewWriter(f)
	for name, body := range entries {
		dst, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		if _, err := dst.Write([]byte(body)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}
	return path
}

const slideWithShapesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:sp>
  <p:nvSpPr><p:cNvPr id="2" name="Title 1"/><p:cNvSpPr/><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="914400" y="457200"/><a:ext cx="6858000" cy="914400"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/><a:p><a:r><a:t>Quarterly Review</a:t></a:r></a:p></p:txBody>
</p:sp>
<p:sp>
  <p:nvSpPr><p:cNvPr id="3" name="Content 2"/><p:cNvSpPr/><p:nvPr><p:ph type="body" idx="1"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="914400" y="1828800"/><a:ext cx="6858000" cy="3657600"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/>
    <a:p><a:r><a:t>Revenue grew </a:t></a:r><a:r><a:t>10%</a:t></a:r></a:p>
    <a:p><a:r><a:t>Costs were flat</a:t></a:r></a:p>
  </p:txBody>
</p:sp>
<p:pic>
  <p:nvPicPr><p:cNvPr id="4" name="Picture 3"/><p:cNvPicPr/><p:nvPr/></p:nvPicPr>
  <p:spPr><a:xfrm><a:off x="1270000" y="1270000"/><a:ext cx="2540000" cy="2540000"/></a:xfrm></p:spPr>
</p:pic>
<p:graphicFrame>
  <p:nvGraphicFramePr><p:cNvPr id="5" name="Table 4"/></p:nvGraphicFramePr>
  <p:xfrm><a:off x="0" y="0"/><a:ext cx="1270000" cy="1270000"/></p:xfrm>
  <a:graphic><a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/table"><a:tbl/></a:graphicData></a:graphic>
</p:graphicFrame>
</p:spTree></p:cSld>
</p:sld>`

const slidePlainTextXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:sp>
  <p:nvSpPr><p:cNvPr id="7" name="TextBox 1"/><p:cNvSpPr/><p:nvPr/></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="914400" cy="914400"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/><a:p><a:r><a:t>Free floating note</a:t></a:r></a:p></p:txBody>
</p:sp>
</p:spTree></p:cSld>
</p:sld>`

func TestParseDocumentExtractsElements(t *testing.T) {
	path := writePPTX(t, map[string]string{
		"ppt/slides/slide1.xml": slideWithShapesXML,
		"ppt/slides/slide2.xml": slidePlainTextXML,
	})

	doc, err := ParseDocument(path)
	if err != nil {
		t.Fatalf("ParseDocument returned error: %v", err)
	}
	if doc.SlideCount != 2 {
		t.Fatalf("SlideCount = %d, want 2", doc.SlideCount)
	}
	if len(doc.Elements) != 5 {
		t.Fatalf("expected 5 elements, got %d: %+v", len(doc.Elements), doc.Elements)
	}

	byID := make(map[string]Element)
	for _, el := range doc.Elements {
		byID[el.ID] = el
	}

	title, ok := byID["slide_0_shape_2"]
	if !ok {
		t.Fatalf("missing title element, have %v", keysOf(byID))
	}
	if title.Type != ElementTitle {
		t.Fatalf("title type = %s, want TITLE", title.Type)
	}
	if title.Text != "Quarterly Review" {
		t.Fatalf("title text = %q", title.Text)
	}
	// 914400 EMU = 72pt
	if title.BBox.X != 72 || title.BBox.Y != 36 {
		t.Fatalf("title bbox = %+v", title.BBox)
	}

	body := byID["slide_0_shape_3"]
	if body.Type != ElementBody {
		t.Fatalf("body type = %s, want BODY", body.Type)
	}
	// 同一段落内のランは連結、段落間は改行
	if body.Text != "Revenue grew 10%\nCosts were flat" {
		t.Fatalf("body text = %q", body.Text)
	}

	pic := byID["slide_0_shape_4"]
	if pic.Type != ElementImage || !pic.HasImage {
		t.Fatalf("picture element = %+v", pic)
	}

	table := byID["slide_0_shape_5"]
	if table.Type != ElementTable || !table.HasTable {
		t.Fatalf("table element = %+v", table)
	}

	note := byID["slide_1_shape_7"]
	if note.SlideIndex != 1 || note.Type != ElementBody {
		t.Fatalf("plain text element = %+v", note)
	}
}

func TestParseDocumentOrdersSlidesNumerically(t *testing.T) {
	// slide10がslide2の前に並ばないこと
	path := writePPTX(t, map[string]string{
		"ppt/slides/slide10.xml": slidePlainTextXML,
		"ppt/slides/slide2.xml":  slideWithShapesXML,
	})

	doc, err := ParseDocument(path)
	if err != nil {
		t.Fatalf("ParseDocument returned error: %v", err)
	}
	first := doc.SlideElements(0)
	if len(first) == 0 || first[0].ID != "slide_0_shape_2" {
		t.Fatalf("slide2 should come first, got %+v", first)
	}
}

func TestParseDocumentWithoutSlides(t *testing.T) {
	path := writePPTX(t, map[string]string{
		"ppt/presentation.xml": "<p:presentation/>",
	})
	if _, err := ParseDocument(path); err == nil {
		t.Fatal("expected error for document without slides")
	}
}

const layoutTitleContentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sldLayout xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld name="Title and Content"><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:sp>
  <p:nvSpPr><p:cNvPr id="2" name="Title 1"/><p:cNvSpPr/><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="628650" y="365126"/><a:ext cx="7886700" cy="1325563"/></a:xfrm></p:spPr>
</p:sp>
<p:sp>
  <p:nvSpPr><p:cNvPr id="3" name="Content Placeholder 2"/><p:cNvSpPr/><p:nvPr><p:ph idx="1"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="628650" y="1825625"/><a:ext cx="7886700" cy="4351338"/></a:xfrm></p:spPr>
</p:sp>
<p:sp>
  <p:nvSpPr><p:cNvPr id="4" name="Footer Placeholder 3"/><p:cNvSpPr/><p:nvPr><p:ph type="ftr" idx="10"/></p:nvPr></p:nvSpPr>
  <p:spPr/>
</p:sp>
</p:spTree></p:cSld>
</p:sldLayout>`

const layoutBlankXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sldLayout xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:sp>
  <p:nvSpPr><p:cNvPr id="2" name="Decoration"/><p:cNvSpPr/><p:nvPr/></p:nvSpPr>
  <p:spPr/>
</p:sp>
</p:spTree></p:cSld>
</p:sldLayout>`

func TestParseTemplateExtractsPlaceholders(t *testing.T) {
	path := writePPTX(t, map[string]string{
		"ppt/slideLayouts/slideLayout1.xml": layoutTitleContentXML,
		"ppt/slideLayouts/slideLayout2.xml": layoutBlankXML,
	})

	tpl, err := ParseTemplate(path)
	if err != nil {
		t.Fatalf("ParseTemplate returned error: %v", err)
	}
	if tpl.LayoutCount != 2 {
		t.Fatalf("LayoutCount = %d, want 2", tpl.LayoutCount)
	}
	if tpl.LayoutNames[0] != "Title and Content" {
		t.Fatalf("LayoutNames[0] = %q", tpl.LayoutNames[0])
	}
	// 名前を持たないレイアウトには既定名が付く
	if tpl.LayoutNames[1] != "Layout 1" {
		t.Fatalf("LayoutNames[1] = %q", tpl.LayoutNames[1])
	}

	// プレースホルダーでないシェイプは抽出されない
	if len(tpl.Placeholders) != 3 {
		t.Fatalf("expected 3 placeholders, got %+v", tpl.Placeholders)
	}

	byID := make(map[string]Placeholder)
	for _, ph := range tpl.Placeholders {
		byID[ph.ID] = ph
	}

	// idxのないタイトルはシェイプIDで採番される
	title, ok := byID["layout_0_ph_2"]
	if !ok {
		t.Fatalf("missing title placeholder, have %v", keysOfPH(byID))
	}
	if title.Type != PlaceholderTitle || title.Idx != -1 {
		t.Fatalf("title placeholder = %+v", title)
	}

	// type省略のプレースホルダーはCONTENT扱い
	content := byID["layout_0_ph_1"]
	if content.Type != PlaceholderContent {
		t.Fatalf("content placeholder = %+v", content)
	}

	footer := byID["layout_0_ph_10"]
	if footer.Type != PlaceholderFooter {
		t.Fatalf("footer placeholder = %+v", footer)
	}
}

func TestParseTemplateWithoutLayouts(t *testing.T) {
	path := writePPTX(t, map[string]string{
		"ppt/slides/slide1.xml": slidePlainTextXML,
	})
	if _, err := ParseTemplate(path); err == nil {
		t.Fatal("expected error for template without layouts")
	}
}

func TestPreviewTruncatesLongText(t *testing.T) {
	long := strings.Repeat("あ", 300)
	preview := previewOf(long)
	if got := len([]rune(preview)); got != 200 {
		t.Fatalf("preview length = %d runes, want 200", got)
	}
	if short := "短いテキスト"; previewOf(short) != short {
		t.Fatalf("short text should be unchanged")
	}
}

func keysOf(m map[string]Element) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func keysOfPH(m map[string]Placeholder) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

const slideWithGroupXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:grpSp>
  <p:nvGrpSpPr><p:cNvPr id="10" name="Group 1"/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr>
  <p:grpSpPr><a:xfrm>
    <a:off x="914400" y="457200"/><a:ext cx="1828800" cy="914400"/>
    <a:chOff x="0" y="0"/><a:chExt cx="914400" cy="457200"/>
  </a:xfrm></p:grpSpPr>
  <p:sp>
    <p:nvSpPr><p:cNvPr id="11" name="Grouped box"/><p:cNvSpPr/><p:nvPr/></p:nvSpPr>
    <p:spPr><a:xfrm><a:off x="457200" y="0"/><a:ext cx="457200" cy="457200"/></a:xfrm></p:spPr>
    <p:txBody><a:bodyPr/><a:p><a:r><a:t>Grouped note</a:t></a:r></a:p></p:txBody>
  </p:sp>
</p:grpSp>
<p:sp>
  <p:nvSpPr><p:cNvPr id="12" name="After group"/><p:cNvSpPr/><p:nvPr/></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="914400" y="914400"/><a:ext cx="914400" cy="914400"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/><a:p><a:r><a:t>Ungrouped note</a:t></a:r></a:p></p:txBody>
</p:sp>
</p:spTree></p:cSld>
</p:sld>`

func TestParseDocumentResolvesGroupedShapeCoordinates(t *testing.T) {
	path := writePPTX(t, map[string]string{
		"ppt/slides/slide1.xml": slideWithGroupXML,
	})
	doc, err := ParseDocument(path)
	if err != nil {
		t.Fatalf("ParseDocument returned error: %v", err)
	}
	if len(doc.Elements) != 2 {
		t.Fatalf("elements = %d, want 2", len(doc.Elements))
	}

	byID := map[string]Element{}
	for _, el := range doc.Elements {
		byID[el.ID] = el
	}

	// グループ変換: off(914400,457200) + (子座標 - chOff) × (ext/chExt)=2倍
	grouped, ok := byID["slide_0_shape_11"]
	if !ok {
		t.Fatalf("grouped shape missing: %v", doc.Elements)
	}
	want := BoundingBox{X: 144, Y: 36, Width: 72, Height: 72}
	if grouped.BBox != want {
		t.Fatalf("grouped bbox = %+v, want %+v", grouped.BBox, want)
	}
	if grouped.Text != "Grouped note" {
		t.Fatalf("grouped text = %q", grouped.Text)
	}

	// グループ終了後のシェイプには変換がかからないこと
	after := byID["slide_0_shape_12"]
	if after.BBox.X != 72 || after.BBox.Y != 72 {
		t.Fatalf("ungrouped bbox shifted: %+v", after.BBox)
	}
}
