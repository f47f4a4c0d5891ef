package examplepack

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/querypilot/querypilot/internal/retrieval"
	"github.com/querypilot/querypilot/internal/retrieval/memory"
	"github.com/querypilot/querypilot/internal/storage"
)

func sampleExamples() []retrieval.Example {
	return []retrieval.Example{
		{Question: "How many students are there?", SQL: "SELECT COUNT(*) FROM students", Source: retrieval.SourceSeed},
		{Question: "Average age of students", SQL: "SELECT AVG(age) FROM students", Explanation: "Averages the age column."},
	}
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]Format{
		"packs/school.yaml":  FormatYAML,
		"school.YML":         FormatYAML,
		"school.jsonl":       FormatJSONL,
		"school.ndjson":      FormatJSONL,
		"a/b/school.parquet": FormatParquet,
	}
	for path, want := range cases {
		got, err := FormatFromPath(path)
		if err != nil {
			t.Fatalf("FormatFromPath(%q) error = %v", path, err)
		}
		if got != want {
			t.Fatalf("FormatFromPath(%q) = %q, want %q", path, got, want)
		}
	}
	if _, err := FormatFromPath("school.csv"); err == nil {
		t.Fatal("expected error for csv extension")
	}
}

func TestDecodeYAML(t *testing.T) {
	input := `examples:
  - question: "  How many students are there?  "
    sql: SELECT COUNT(*) FROM students
  - question: Oldest student
    sql: SELECT student_name FROM students ORDER BY age DESC LIMIT 1
    explanation: Sorts by age.
    source: feedback
`
	examples, err := Decode(FormatYAML, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("len(examples) = %d, want 2", len(examples))
	}
	if examples[0].Question != "How many students are there?" {
		t.Fatalf("question = %q", examples[0].Question)
	}
	if examples[1].Source != retrieval.SourceFeedback || examples[1].Explanation != "Sorts by age." {
		t.Fatalf("examples[1] = %+v", examples[1])
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	examples, err := Decode(FormatYAML, strings.NewReader(""))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(examples) != 0 {
		t.Fatalf("len(examples) = %d, want 0", len(examples))
	}
}

func TestDecodeJSONLSkipsBlankLinesAndReportsBadLine(t *testing.T) {
	input := "{\"question\":\"q1\",\"sql\":\"SELECT 1\"}\n\n{\"question\":\"q2\",\"sql\":\"SELECT 2\"}\n"
	examples, err := Decode(FormatJSONL, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(examples) != 2 || examples[1].SQL != "SELECT 2" {
		t.Fatalf("examples = %+v", examples)
	}

	_, err = Decode(FormatJSONL, strings.NewReader("{\"question\":\"q1\",\"sql\":\"SELECT 1\"}\n{oops\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("Decode() error = %v, want line 2 failure", err)
	}
}

func TestEncodeDecodeEachFormat(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatJSONL, FormatParquet} {
		var buf bytes.Buffer
		if err := Encode(format, &buf, sampleExamples()); err != nil {
			t.Fatalf("Encode(%s) error = %v", format, err)
		}
		got, err := Decode(format, &buf)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", format, err)
		}
		if len(got) != 2 {
			t.Fatalf("%s: len = %d, want 2", format, len(got))
		}
		if got[1].Explanation != "Averages the age column." || got[0].Source != retrieval.SourceSeed {
			t.Fatalf("%s: examples = %+v", format, got)
		}
	}
}

func TestLoadAndWriteLocalFile(t *testing.T) {
	loc := storage.Location{Path: filepath.Join(t.TempDir(), "nested", "school.jsonl")}
	size, err := Write(context.Background(), loc, nil, sampleExamples())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if size == 0 {
		t.Fatal("expected non-zero size")
	}
	examples, err := Load(context.Background(), loc, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("len(examples) = %d, want 2", len(examples))
	}
}

func TestLoadRemoteRequiresObjectStore(t *testing.T) {
	_, err := Load(context.Background(), storage.Location{Remote: true, Path: "packs/school.yaml"}, nil)
	if err == nil {
		t.Fatal("expected error without object store")
	}
}

func TestExportWritesDatedParquetObject(t *testing.T) {
	objects := newFakeObjectStore()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	loc, size, err := Export(context.Background(), objects, "school", sampleExamples(), now)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if loc.Path != "packs/school/date=2026-03-04/school-050607.parquet" || !loc.Remote {
		t.Fatalf("loc = %+v", loc)
	}
	if int64(len(objects.objects[loc.Path])) != size {
		t.Fatalf("stored %d bytes, reported %d", len(objects.objects[loc.Path]), size)
	}

	examples, err := Load(context.Background(), loc, objects)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(examples) != 2 || examples[0].SQL != "SELECT COUNT(*) FROM students" {
		t.Fatalf("examples = %+v", examples)
	}
}

func TestExportRefusesToOverwrite(t *testing.T) {
	objects := newFakeObjectStore()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if _, _, err := Export(context.Background(), objects, "school", sampleExamples(), now); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	_, _, err := Export(context.Background(), objects, "school", sampleExamples(), now)
	if !errors.Is(err, ErrPackExists) {
		t.Fatalf("Export() error = %v, want ErrPackExists", err)
	}
}

func TestExportRecordsPackMetadata(t *testing.T) {
	objects := newFakeObjectStore()
	loc, _, err := Export(context.Background(), objects, "school", sampleExamples(), time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	meta := objects.metadata[loc.Path]
	if meta[storage.MetaPackFormat] != "parquet" || meta[storage.MetaExampleCount] != "2" {
		t.Fatalf("metadata = %v", meta)
	}
	if meta[storage.MetaSHA256] != checksum(objects.objects[loc.Path]) {
		t.Fatalf("sha256 = %q, want checksum of stored bytes", meta[storage.MetaSHA256])
	}
}

func TestLoadRemoteRejectsAlteredPack(t *testing.T) {
	objects := newFakeObjectStore()
	loc := storage.Location{Remote: true, Path: "packs/school.jsonl"}
	if _, err := Write(context.Background(), loc, objects, sampleExamples()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	objects.objects[loc.Path] = append(objects.objects[loc.Path], []byte(`{"question":"Drop it","sql":"SELECT 1"}`+"\n")...)

	_, err := Load(context.Background(), loc, objects)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Load() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestLoadRemoteWithoutChecksumStillDecodes(t *testing.T) {
	objects := newFakeObjectStore()
	objects.objects["packs/school.jsonl"] = []byte(`{"question":"How many students?","sql":"SELECT COUNT(*) FROM students"}` + "\n")

	examples, err := Load(context.Background(), storage.Location{Remote: true, Path: "packs/school.jsonl"}, objects)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("examples = %+v", examples)
	}
}

func TestListReturnsPacksNewestFirst(t *testing.T) {
	objects := newFakeObjectStore()
	older := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	first, _, err := Export(context.Background(), objects, "school", sampleExamples(), older)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	second, _, err := Export(context.Background(), objects, "school", sampleExamples()[:1], newer)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	objects.modified[first.Path] = older
	objects.modified[second.Path] = newer
	objects.objects["packs/school/README.txt"] = []byte("notes")
	objects.objects["packs/school/legacy.yaml"] = []byte("examples: []\n")
	if _, _, err := Export(context.Background(), objects, "retail", sampleExamples(), older); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	packs, err := List(context.Background(), objects, "school")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(packs) != 3 {
		t.Fatalf("List() = %+v, want 3 packs", packs)
	}
	if packs[0].Location != second || packs[0].Examples != 1 || packs[0].Format != FormatParquet {
		t.Fatalf("packs[0] = %+v", packs[0])
	}
	if packs[1].Location != first || packs[1].Examples != 2 {
		t.Fatalf("packs[1] = %+v", packs[1])
	}
	if packs[2].Location.Path != "packs/school/legacy.yaml" || packs[2].Examples != -1 {
		t.Fatalf("packs[2] = %+v", packs[2])
	}

	if _, err := List(context.Background(), objects, "../x"); err == nil {
		t.Fatal("expected error for invalid pack name")
	}
}

func TestLoadRemoteMissingObject(t *testing.T) {
	_, err := Load(context.Background(), storage.Location{Remote: true, Path: "packs/missing.yaml"}, newFakeObjectStore())
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Load() error = %v, want ErrObjectNotFound", err)
	}
}

func TestImportCountsAddedSkippedAndInvalid(t *testing.T) {
	store := memory.New()
	saver := retrieval.NewSaver(store)
	examples := append(sampleExamples(),
		retrieval.Example{Question: "How many students are there?", SQL: "SELECT COUNT(*) FROM students"},
		retrieval.Example{Question: "", SQL: "SELECT 1"},
	)

	stats, err := Import(context.Background(), examples, saver)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	want := Stats{Read: 4, Added: 2, Skipped: 1, Invalid: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	all, _ := store.All(context.Background())
	for _, example := range all {
		if example.Source != retrieval.SourceSeed {
			t.Fatalf("source = %q, want seed", example.Source)
		}
	}

	dumped, err := Dump(context.Background(), store)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if len(dumped) != 2 {
		t.Fatalf("len(dumped) = %d, want 2", len(dumped))
	}
}

func TestImportStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := Import(ctx, sampleExamples(), retrieval.NewSaver(memory.New()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Import() error = %v, want context.Canceled", err)
	}
	if stats.Added != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

type fakeObjectStore struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	modified map[string]time.Time
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: f.modified[key]})
		}
	}
	return out, nil
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:  map[string][]byte{},
		metadata: map[string]map[string]string{},
		modified: map[string]time.Time{},
	}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[key] = data
	f.metadata[key] = opts.Metadata
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), Metadata: f.metadata[key]}, nil
}
