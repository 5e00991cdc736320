package lake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTest(t *testing.T) *Lake {
	t.Helper()
	l, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return l
}

var projectCols = []Column{
	{Name: "url", Type: ColString},
	{Name: "stars", Type: ColInt, Nullable: true},
	{Name: "pushed_at", Type: ColTimestamp, Nullable: true},
}

func scanAll(t *testing.T, l *Lake, table string) []Row {
	t.Helper()
	var rows []Row
	err := l.Scan(context.Background(), table, ScanOptions{}, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return rows
}

func TestWriteBatchRoundTrip(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)

	rows := []Row{
		{"url": "https://example.com/p1", "stars": int64(10), "pushed_at": ts},
		{"url": "https://example.com/p2", "stars": int64(20)},
	}
	version, err := l.WriteBatch(ctx, "silver/entities/Project", projectCols, rows, UpsertByKey, []string{"url"})
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	got := scanAll(t, l, "silver/entities/Project")
	if len(got) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(got))
	}
	if got[0]["url"] != "https://example.com/p1" || got[0]["stars"] != int64(10) {
		t.Errorf("row 0 = %v", got[0])
	}
	readTS, ok := got[0]["pushed_at"].(time.Time)
	if !ok || !readTS.Equal(ts.Truncate(time.Microsecond)) {
		t.Errorf("pushed_at = %v, want %v", got[0]["pushed_at"], ts)
	}
	if _, present := got[1]["pushed_at"]; present {
		t.Errorf("null column materialized: %v", got[1]["pushed_at"])
	}
}

func TestUpsertByKeyReplaces(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	_, err := l.WriteBatch(ctx, "t", projectCols, []Row{
		{"url": "p1", "stars": int64(1)},
		{"url": "p2", "stars": int64(2)},
	}, UpsertByKey, []string{"url"})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}

	version, err := l.WriteBatch(ctx, "t", projectCols, []Row{
		{"url": "p1", "stars": int64(99)}, // replaces
		{"url": "p3", "stars": int64(3)},  // appends
	}, UpsertByKey, []string{"url"})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	rows := scanAll(t, l, "t")
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	byURL := map[string]int64{}
	for _, r := range rows {
		byURL[r["url"].(string)] = r["stars"].(int64)
	}
	if byURL["p1"] != 99 || byURL["p2"] != 2 || byURL["p3"] != 3 {
		t.Errorf("rows after upsert = %v", byURL)
	}
}

func TestAppendAndOverwrite(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	cols := []Column{{Name: "v", Type: ColInt}}

	l.WriteBatch(ctx, "t", cols, []Row{{"v": int64(1)}}, Append, nil)
	l.WriteBatch(ctx, "t", cols, []Row{{"v": int64(1)}}, Append, nil)
	if rows := scanAll(t, l, "t"); len(rows) != 2 {
		t.Errorf("append: len = %d, want 2", len(rows))
	}

	l.WriteBatch(ctx, "t", cols, []Row{{"v": int64(9)}}, Overwrite, nil)
	rows := scanAll(t, l, "t")
	if len(rows) != 1 || rows[0]["v"] != int64(9) {
		t.Errorf("overwrite: rows = %v", rows)
	}
}

func TestSchemaEvolution(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	base := []Column{{Name: "k", Type: ColString}, {Name: "n", Type: ColInt, Nullable: true}}
	if _, err := l.WriteBatch(ctx, "t", base, []Row{{"k": "a", "n": int64(1)}}, UpsertByKey, []string{"k"}); err != nil {
		t.Fatalf("base write: %v", err)
	}

	t.Run("add nullable column", func(t *testing.T) {
		evolved := append(base, Column{Name: "note", Type: ColString, Nullable: true})
		if _, err := l.WriteBatch(ctx, "t", evolved, []Row{{"k": "b", "note": "hi"}}, UpsertByKey, []string{"k"}); err != nil {
			t.Fatalf("evolved write: %v", err)
		}
		rows := scanAll(t, l, "t")
		if len(rows) != 2 {
			t.Errorf("len = %d, want 2", len(rows))
		}
	})

	t.Run("widen int to float", func(t *testing.T) {
		widened := []Column{{Name: "k", Type: ColString}, {Name: "n", Type: ColFloat, Nullable: true}}
		if _, err := l.WriteBatch(ctx, "t", widened, []Row{{"k": "c", "n": 1.5}}, UpsertByKey, []string{"k"}); err != nil {
			t.Fatalf("widening write: %v", err)
		}
	})

	t.Run("narrowing rejected", func(t *testing.T) {
		narrowed := []Column{{Name: "k", Type: ColInt}}
		_, err := l.WriteBatch(ctx, "t", narrowed, []Row{{"k": int64(1)}}, UpsertByKey, []string{"k"})
		if !errors.Is(err, ErrIncompatibleSchema) {
			t.Errorf("expected ErrIncompatibleSchema, got %v", err)
		}
	})

	t.Run("failed write keeps version", func(t *testing.T) {
		before := l.Version("t")
		narrowed := []Column{{Name: "k", Type: ColBool}}
		l.WriteBatch(ctx, "t", narrowed, []Row{{"k": true}}, UpsertByKey, []string{"k"})
		if after := l.Version("t"); after != before {
			t.Errorf("version moved %d -> %d on failed write", before, after)
		}
	})
}

func TestFloatListRoundTrip(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	cols := []Column{
		{Name: "chunk_id", Type: ColString},
		{Name: "embedding", Type: ColFloatList},
	}

	rows := []Row{{"chunk_id": "c1", "embedding": []float32{0.1, 0.2, 0.3, 0.4}}}
	if _, err := l.WriteBatch(ctx, "v", cols, rows, UpsertByKey, []string{"chunk_id"}); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	got := scanAll(t, l, "v")
	emb, ok := got[0]["embedding"].([]float32)
	if !ok || len(emb) != 4 {
		t.Fatalf("embedding = %v (%T)", got[0]["embedding"], got[0]["embedding"])
	}
	if emb[2] < 0.29 || emb[2] > 0.31 {
		t.Errorf("embedding[2] = %v", emb[2])
	}
}

func TestListTables(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	cols := []Column{{Name: "k", Type: ColString}}

	l.WriteBatch(ctx, "silver/entities/Project", cols, []Row{{"k": "a"}}, Append, nil)
	l.WriteBatch(ctx, "silver/edges/HAS_VERSION", cols, []Row{{"k": "a"}}, Append, nil)
	l.WriteBatch(ctx, "gold/reports", cols, []Row{{"k": "a"}}, Append, nil)

	tables, err := l.ListTables("silver/")
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("len(tables) = %d, want 2: %+v", len(tables), tables)
	}
	if tables[0].Path != "silver/edges/HAS_VERSION" || tables[1].Path != "silver/entities/Project" {
		t.Errorf("paths = %s, %s", tables[0].Path, tables[1].Path)
	}
	if len(tables[0].Columns) != 1 || tables[0].Columns[0].Name != "k" {
		t.Errorf("columns = %+v", tables[0].Columns)
	}

	all, err := l.ListTables("")
	if err != nil {
		t.Fatalf("ListTables(all) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestReadRowByKey(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	l.WriteBatch(ctx, "t", projectCols, []Row{
		{"url": "p1", "stars": int64(1)},
		{"url": "p2", "stars": int64(2)},
	}, UpsertByKey, []string{"url"})

	row, err := l.ReadRowByKey(ctx, "t", []string{"url"}, []any{"p2"})
	if err != nil {
		t.Fatalf("ReadRowByKey() error = %v", err)
	}
	if row == nil || row["stars"] != int64(2) {
		t.Errorf("row = %v", row)
	}

	row, err = l.ReadRowByKey(ctx, "t", []string{"url"}, []any{"absent"})
	if err != nil {
		t.Fatalf("ReadRowByKey(absent) error = %v", err)
	}
	if row != nil {
		t.Errorf("expected nil for absent key, got %v", row)
	}

	row, err = l.ReadRowByKey(ctx, "no-such-table", []string{"url"}, []any{"x"})
	if err != nil || row != nil {
		t.Errorf("absent table: row = %v, err = %v", row, err)
	}
}

func TestScanProjectionAndPredicate(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	l.WriteBatch(ctx, "t", projectCols, []Row{
		{"url": "p1", "stars": int64(5)},
		{"url": "p2", "stars": int64(50)},
	}, UpsertByKey, []string{"url"})

	var rows []Row
	err := l.Scan(ctx, "t", ScanOptions{
		Projection: []string{"url"},
		Predicate:  func(r Row) bool { return r["stars"].(int64) > 10 },
	}, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["url"] != "p2" {
		t.Errorf("rows = %v", rows)
	}
	if _, present := rows[0]["stars"]; present {
		t.Error("projection leaked a column")
	}

	if err := l.Scan(ctx, "missing", ScanOptions{}, func(Row) error { return nil }); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}
