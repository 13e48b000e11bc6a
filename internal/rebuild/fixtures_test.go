package rebuild

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/RobinQuick/pultimate/internal/storage"
	"github.com/RobinQuick/pultimate/internal/store"
)

type zipEntry struct {
	name string
	body string
}

// buildZip はエントリ順を保ったままzipバイト列を組み立てます。
// MIME判定はエントリ順に影響されるため、mapではなくスライスを使います。
func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		dst, err := w.Create(e.name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", e.name, err)
		}
		if _, err := dst.Write([]byte(e.body)); err != nil {
			t.Fatalf("failed to write %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

const fixtureSlide1XML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:sp>
  <p:nvSpPr><p:cNvPr id="2" name="Title 1"/><p:cNvSpPr/><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="628650" y="365126"/><a:ext cx="7886700" cy="1325563"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/><a:p><a:r><a:t>Quarterly Review</a:t></a:r></a:p></p:txBody>
</p:sp>
<p:sp>
  <p:nvSpPr><p:cNvPr id="3" name="Content 2"/><p:cNvSpPr/><p:nvPr><p:ph type="body" idx="1"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="628650" y="1825625"/><a:ext cx="7886700" cy="4351338"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/><a:p><a:r><a:t>Revenue grew 10%</a:t></a:r></a:p><a:p><a:r><a:t>Costs were flat</a:t></a:r></a:p></p:txBody>
</p:sp>
</p:spTree></p:cSld>
</p:sld>`

const fixtureSlide2XML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
<p:sp>
  <p:nvSpPr><p:cNvPr id="2" name="Title 1"/><p:cNvSpPr/><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr>
  <p:spPr><a:xfrm><a:off x="628650" y="365126"/><a:ext cx="7886700" cy="1325563"/></a:xfrm></p:spPr>
  <p:txBody><a:bodyPr/><a:p><a:r><a:t>Next Year Plan</a:t></a:r></a:p></p:txBody>
</p:sp>
<p:pic>
  <p:nvPicPr><p:cNvPr id="4" name="Picture 3"/><p:cNvPicPr/><p:nvPr/></p:nvPicPr>
  <p:spPr><a:xfrm><a:off x="1270000" y="2540000"/><a:ext cx="2540000" cy="2540000"/></a:xfrm></p:spPr>
</p:pic>
</p:spTree></p:cSld>
</p:sld>`

const fixtureLayoutXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
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
</p:spTree></p:cSld>
</p:sldLayout>`

const fixtureBlankLayoutXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sldLayout xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld name="Blank"><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>
</p:spTree></p:cSld>
</p:sldLayout>`

const fixtureContentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="xml" ContentType="application/xml"/>
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Override PartName="/ppt/presentation.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml"/>
<Override PartName="/ppt/slideLayouts/slideLayout1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideLayout+xml"/>
</Types>`

const fixturePresentationXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:presentation xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:sldMasterIdLst><p:sldMasterId id="2147483648" r:id="rId1"/></p:sldMasterIdLst><p:sldSz cx="9144000" cy="6858000"/></p:presentation>`

const fixturePresentationRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideMaster" Target="slideMasters/slideMaster1.xml"/>
</Relationships>`

// fixtureDocumentBytes は2スライドのソースドキュメントです。
// 2枚目には移し替え不能な画像を含みます。
func fixtureDocumentBytes(t *testing.T) []byte {
	return buildZip(t, []zipEntry{
		{"[Content_Types].xml", fixtureContentTypesXML},
		{"ppt/presentation.xml", fixturePresentationXML},
		{"ppt/_rels/presentation.xml.rels", fixturePresentationRelsXML},
		{"ppt/slides/slide1.xml", fixtureSlide1XML},
		{"ppt/slides/slide2.xml", fixtureSlide2XML},
	})
}

// fixtureTemplateBytes はタイトル+本文レイアウトを1つ持つテンプレートです。
func fixtureTemplateBytes(t *testing.T) []byte {
	return buildZip(t, []zipEntry{
		{"[Content_Types].xml", fixtureContentTypesXML},
		{"ppt/presentation.xml", fixturePresentationXML},
		{"ppt/_rels/presentation.xml.rels", fixturePresentationRelsXML},
		{"ppt/slideLayouts/slideLayout1.xml", fixtureLayoutXML},
	})
}

// fixtureBlankTemplateBytes はプレースホルダーを持たないテンプレートです。
func fixtureBlankTemplateBytes(t *testing.T) []byte {
	return buildZip(t, []zipEntry{
		{"[Content_Types].xml", fixtureContentTypesXML},
		{"ppt/presentation.xml", fixturePresentationXML},
		{"ppt/_rels/presentation.xml.rels", fixturePresentationRelsXML},
		{"ppt/slideLayouts/slideLayout1.xml", fixtureBlankLayoutXML},
	})
}

type testEnv struct {
	store   *store.Store
	storage *storage.Local
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	local, err := storage.NewLocal(t.TempDir(), []byte("test-secret"), "/api/files")
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}
	return &testEnv{store: st, storage: local}
}

// addSource はバイト列をストレージへ置き、ソースとして登録します。
func (e *testEnv) addSource(t *testing.T, owner string, kind store.SourceKind, filename string, data []byte) *store.Source {
	t.Helper()
	ctx := context.Background()
	key := storage.ContentKey(owner, filename, data)
	if err := e.storage.Save(ctx, key, data); err != nil {
		t.Fatalf("failed to save source: %v", err)
	}
	src, err := e.store.CreateSource(ctx, owner, kind, filename, key, int64(len(data)))
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	return src
}

// fetchArtifact はストレージ上の成果物をファイルへ取り出します。
func (e *testEnv) fetchArtifact(t *testing.T, a *store.Artifact) string {
	t.Helper()
	rc, _, err := e.storage.Open(a.StorageKey)
	if err != nil {
		t.Fatalf("failed to open artifact: %v", err)
	}
	defer rc.Close()

	path := filepath.Join(t.TempDir(), a.Filename)
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer out.Close()
	if _, err := out.ReadFrom(rc); err != nil {
		t.Fatalf("failed to copy artifact: %v", err)
	}
	return path
}
