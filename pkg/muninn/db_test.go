package muninn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/errs"
	"github.com/orneryd/muninn/pkg/fetch"
	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/syncer"
)

const testBundle = `
nodes:
  - name: Project
    primary_key: [url]
    fields:
      - {name: url, type: string}
      - {name: readme, type: string, nullable: true, text_indexed: true}
  - name: Version
    primary_key: [name]
    fields:
      - {name: name, type: string}
edges:
  - name: HAS_VERSION
    from: Project
    to: Version
`

func writeBundle(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(path, []byte(testBundle), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default(filepath.Join(dir, "data"), writeBundle(t, dir))
	cfg.EmbeddingBackend = config.BackendNull
	return cfg
}

type stubFetcher struct{ resp *fetch.Response }

func (f *stubFetcher) Capability() fetch.Capability {
	return fetch.Capability{Name: "stub", DatasetsProduced: []string{"projects"}, DefaultTTLSeconds: 3600}
}

func (f *stubFetcher) Probe(ctx context.Context, params map[string]any) (*fetch.Probe, error) {
	return &fetch.Probe{AnchorToken: "t1"}, nil
}

func (f *stubFetcher) Fetch(ctx context.Context, params map[string]any, budget fetch.Budget) (*fetch.Response, error) {
	return f.resp, nil
}

func TestOpenClose(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestOpenRequireExisting(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenMode = config.RequireExisting

	_, err := Open(context.Background(), cfg)
	if !errs.Is(err, errs.CodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestDoubleOpenFails(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	_, err = Open(context.Background(), cfg)
	if err == nil {
		t.Fatal("second Open() on the same base path succeeded")
	}
	if !errs.Is(err, errs.CodeConcurrency) {
		t.Errorf("expected concurrency code, got %v", err)
	}
}

func TestSyncAndQueryEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	f := &stubFetcher{resp: &fetch.Response{Graph: &fetch.GraphData{
		Nodes: []fetch.TypedBatch{
			{Type: "Project", Records: []map[string]any{
				{"url": "p1", "readme": "fast async runtime"},
			}},
			{Type: "Version", Records: []map[string]any{{"name": "v1"}}},
		},
		Edges: []fetch.TypedBatch{
			{Type: "HAS_VERSION", Records: []map[string]any{
				{"src": map[string]any{"url": "p1"}, "dst": map[string]any{"name": "v1"}},
			}},
		},
		AnchorToken: "t1",
	}}}

	res, err := db.Sync(ctx, f, map[string]any{"scope": "A"}, fetch.Budget{MaxRequests: 10})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Status != syncer.StatusOK {
		t.Errorf("status = %s", res.Status)
	}

	hits, err := db.Query().SearchTextBM25(ctx, "Project", "async runtime", 5)
	if err != nil {
		t.Fatalf("SearchTextBM25() error = %v", err)
	}
	id := storage.NodeID(schema.StableID("Project", []any{"p1"}))
	if len(hits) != 1 || hits[0].ID != string(id) {
		t.Errorf("hits = %v", hits)
	}

	node, err := db.Query().GetNodeByKeys(ctx, "Project", map[string]any{"url": "p1"})
	if err != nil {
		t.Fatalf("GetNodeByKeys() error = %v", err)
	}
	if node == nil || node.ID != id {
		t.Errorf("node = %+v", node)
	}
}

// A restart after a committed sync rebuilds the BM25 index from the hot
// store: search still answers.
func TestReopenRebuildsIndexes(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f := &stubFetcher{resp: &fetch.Response{Graph: &fetch.GraphData{
		Nodes: []fetch.TypedBatch{
			{Type: "Project", Records: []map[string]any{
				{"url": "p1", "readme": "distributed consensus algorithms"},
			}},
		},
		AnchorToken: "t1",
	}}}
	if _, err := db.Sync(ctx, f, map[string]any{"scope": "A"}, fetch.Budget{}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	db.Close()

	db2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db2.Close()

	hits, err := db2.Query().SearchTextBM25(ctx, "Project", "consensus", 5)
	if err != nil {
		t.Fatalf("SearchTextBM25() error = %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("hits after reopen = %v", hits)
	}
}
