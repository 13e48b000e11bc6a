package rebuild

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/RobinQuick/pultimate/internal/deck"
	"github.com/RobinQuick/pultimate/internal/metrics"
	"github.com/RobinQuick/pultimate/internal/storage"
	"github.com/RobinQuick/pultimate/internal/store"
)

func newTestRunner(t *testing.T, env *testEnv) *Runner {
	t.Helper()
	runner, err := NewRunner(env.store, env.storage, metrics.NewRecorder(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	return runner
}

func submitFixtureJob(t *testing.T, env *testEnv, mode store.Mode, templateBytes []byte) *store.Job {
	t.Helper()
	ctx := context.Background()
	doc := env.addSource(t, "alice", store.SourceDocument, "deck.pptx", fixtureDocumentBytes(t))
	tpl := env.addSource(t, "alice", store.SourceTemplate, "corporate.pptx", templateBytes)
	job, err := env.store.CreateJob(ctx, "alice", doc.ID, tpl.ID, mode)
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	return job
}

func eventTypes(t *testing.T, env *testEnv, jobID string) []string {
	t.Helper()
	events, err := env.store.ListEvents(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestAdvanceFullPipeline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	job := submitFixtureJob(t, env, store.ModeFull, fixtureTemplateBytes(t))

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}

	got, err := env.store.GetJobAny(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobAny returned error: %v", err)
	}
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s (%s), want SUCCEEDED", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", got)
	}

	want := []string{
		EventParsedDocument,
		EventMappingComputed,
		EventStepCompleted, // evidence
		EventMappingApplied,
		EventStepCompleted, // verify
	}
	types := eventTypes(t, env, job.ID)
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}

	artifacts, err := env.store.ListArtifacts(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListArtifacts returned error: %v", err)
	}
	byType := make(map[string]*store.Artifact)
	for _, a := range artifacts {
		byType[a.Type] = a
	}
	if byType[ArtifactEvidencePack] == nil || byType[ArtifactOutputDocument] == nil {
		t.Fatalf("expected evidence and output artifacts, got %+v", artifacts)
	}

	// 出力は有効なpptxであり、全テキストがソース由来であること
	outPath := env.fetchArtifact(t, byType[ArtifactOutputDocument])
	rebuilt, err := deck.ParseDocument(outPath)
	if err != nil {
		t.Fatalf("output document is not parseable: %v", err)
	}
	if rebuilt.SlideCount != 2 {
		t.Fatalf("output slides = %d, want 2", rebuilt.SlideCount)
	}
	var texts []string
	for _, el := range rebuilt.Elements {
		if el.Text != "" {
			texts = append(texts, el.Text)
		}
	}
	joined := strings.Join(texts, "|")
	for _, expected := range []string{"Quarterly Review", "Revenue grew 10%", "Next Year Plan"} {
		if !strings.Contains(joined, expected) {
			t.Fatalf("output missing source text %q: %q", expected, joined)
		}
	}
}

func TestAdvanceDryRunSkipsOutputDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	job := submitFixtureJob(t, env, store.ModeDryRun, fixtureTemplateBytes(t))

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}

	got, _ := env.store.GetJobAny(ctx, job.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s (%s), want SUCCEEDED", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}

	artifacts, _ := env.store.ListArtifacts(ctx, job.ID)
	for _, a := range artifacts {
		if a.Type == ArtifactOutputDocument {
			t.Fatalf("dry run must not produce an output document: %+v", a)
		}
	}
	if len(artifacts) != 1 || artifacts[0].Type != ArtifactEvidencePack {
		t.Fatalf("expected only the evidence pack, got %+v", artifacts)
	}

	types := eventTypes(t, env, job.ID)
	for _, typ := range types {
		if typ == EventMappingApplied {
			t.Fatalf("dry run emitted an apply event: %v", types)
		}
	}
}

func TestAdvanceFailsWhenMappingInfeasible(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	job := submitFixtureJob(t, env, store.ModeFull, fixtureBlankTemplateBytes(t))

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance should absorb job failure, got %v", err)
	}

	got, _ := env.store.GetJobAny(ctx, job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, CodeMappingInfeasible) {
		t.Fatalf("error message = %q, want %s", got.ErrorMessage, CodeMappingInfeasible)
	}

	events, _ := env.store.ListEvents(ctx, job.ID)
	last := events[len(events)-1]
	if last.Type != EventFailed {
		t.Fatalf("last event = %s, want FAILED", last.Type)
	}
	if last.Data["stage"] != "map" || last.Data["code"] != CodeMappingInfeasible {
		t.Fatalf("failure event data = %+v", last.Data)
	}
}

func TestAdvanceFailsOnUnparseableDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)

	doc := env.addSource(t, "alice", store.SourceDocument, "broken.pptx", []byte("this is not a zip"))
	tpl := env.addSource(t, "alice", store.SourceTemplate, "corporate.pptx", fixtureTemplateBytes(t))
	job, err := env.store.CreateJob(ctx, "alice", doc.ID, tpl.ID, store.ModeFull)
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance should absorb job failure, got %v", err)
	}
	got, _ := env.store.GetJobAny(ctx, job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, CodeValidation) {
		t.Fatalf("error message = %q, want %s", got.ErrorMessage, CodeValidation)
	}
}

func TestAdvanceSecondClaimIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	job := submitFixtureJob(t, env, store.ModeFull, fixtureTemplateBytes(t))

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	before := eventTypes(t, env, job.ID)

	// 終端状態のジョブを再度処理しても何も起きない
	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("second Advance returned error: %v", err)
	}
	after := eventTypes(t, env, job.ID)
	if len(after) != len(before) {
		t.Fatalf("second advance appended events: %v -> %v", before, after)
	}

	got, _ := env.store.GetJobAny(ctx, job.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status changed on second advance: %s", got.Status)
	}
}

func TestAdvanceUnknownJobIsNoop(t *testing.T) {
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	if err := runner.Advance(context.Background(), "no-such-job"); err != nil {
		t.Fatalf("unknown job should be skipped, got %v", err)
	}
}

func TestAdvanceRecordsApplyWarningsForNonTextElements(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	job := submitFixtureJob(t, env, store.ModeFull, fixtureTemplateBytes(t))

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}

	events, _ := env.store.ListEvents(ctx, job.ID)
	var applied *store.Event
	for _, ev := range events {
		if ev.Type == EventMappingApplied {
			applied = ev
		}
	}
	if applied == nil {
		t.Fatal("missing MAPPING_APPLIED event")
	}
	// 2枚目の画像はテキストを持たないため、適用されずに警告になる
	if applied.Data["applyWarnings"] == float64(0) {
		t.Fatalf("expected apply warnings for the picture element: %+v", applied.Data)
	}
	if applied.Data["slidesCreated"] != float64(2) {
		t.Fatalf("slidesCreated = %v, want 2", applied.Data["slidesCreated"])
	}
}

func TestAdvanceAppendsStageEventBeforeArtifactRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	runner := newTestRunner(t, env)
	job := submitFixtureJob(t, env, store.ModeFull, fixtureTemplateBytes(t))

	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}

	events, _ := env.store.ListEvents(ctx, job.ID)
	var evidence, applied *store.Event
	for _, ev := range events {
		switch {
		case ev.Type == EventStepCompleted && ev.Data["step"] == "evidence":
			evidence = ev
		case ev.Type == EventMappingApplied:
			applied = ev
		}
	}
	if evidence == nil || applied == nil {
		t.Fatalf("missing stage events: %v", eventTypes(t, env, job.ID))
	}

	// イベントは成果物レコードより先に追記されるため、レコードのIDは
	// 持てない。代わりにファイル名で成果物を示す。
	for _, ev := range []*store.Event{evidence, applied} {
		if _, ok := ev.Data["artifactId"]; ok {
			t.Fatalf("stage event references an artifact record: %+v", ev.Data)
		}
		if ev.Data["filename"] == "" || ev.Data["filename"] == nil {
			t.Fatalf("stage event missing filename: %+v", ev.Data)
		}
	}

	// 各成果物には、それを生み出したステージのイベントが先行していること
	artifacts, _ := env.store.ListArtifacts(ctx, job.ID)
	named := map[string]bool{
		evidence.Data["filename"].(string): true,
		applied.Data["filename"].(string):  true,
	}
	for _, a := range artifacts {
		if !named[a.Filename] {
			t.Fatalf("artifact %s has no preceding stage event", a.Filename)
		}
	}
}

// saveFailingStorage は Save だけを失敗させるストレージです。
type saveFailingStorage struct {
	storage.Storage
}

func (s *saveFailingStorage) Save(ctx context.Context, key string, data []byte) error {
	return errors.New("disk full")
}

func TestAdvanceStorageFailureLeavesNoArtifactRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := submitFixtureJob(t, env, store.ModeFull, fixtureTemplateBytes(t))

	runner, err := NewRunner(env.store, &saveFailingStorage{Storage: env.storage}, metrics.NewRecorder(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	if err := runner.Advance(ctx, job.ID); err != nil {
		t.Fatalf("Advance should absorb job failure, got %v", err)
	}

	got, _ := env.store.GetJobAny(ctx, job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, CodeStorageUnavail) {
		t.Fatalf("error message = %q, want %s", got.ErrorMessage, CodeStorageUnavail)
	}

	// 保存に失敗したステージの完了イベントも成果物レコードも残らない
	artifacts, _ := env.store.ListArtifacts(ctx, job.ID)
	if len(artifacts) != 0 {
		t.Fatalf("failed save left artifact records: %+v", artifacts)
	}
	for _, typ := range eventTypes(t, env, job.ID) {
		if typ == EventStepCompleted {
			t.Fatalf("failed save emitted a step completion event")
		}
	}
}
