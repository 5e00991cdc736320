// Package lake implements the cold columnar store: versioned Parquet tables
// with batch-level ACID, upsert-by-primary-key, schema evolution, prefix
// listing, and SQL-style scans.
//
// Layout on disk, rooted at <base>/lake:
//
//	lake/
//	  silver/entities/Project/
//	    _schema.json        # column metadata for listing + evolution checks
//	    v000001.parquet     # full table snapshot at version 1
//	    v000002.parquet     # full table snapshot at version 2
//	  silver/edges/HAS_VERSION/
//	  ...
//
// Every write produces a complete new snapshot file at the next version and
// renames it into place, so a failed write leaves the table at its previous
// version. The current version of a table is the highest vNNNNNN present —
// that number is what the catalog offsets are compared against on startup.
//
// The storage format is plain Parquet (xitongsys/parquet-go), so any
// external analytics tool can read the tables directly.
package lake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrTableNotFound      = errors.New("table not found")
	ErrIncompatibleSchema = errors.New("incompatible schema")
	ErrNoKeyFields        = errors.New("upsert requires key fields")
)

// Row is one record of a cold table, keyed by column name. Values use the
// canonical Go shapes: int64, float64, bool, string, time.Time, []float32.
type Row = map[string]any

// WriteMode selects how WriteBatch combines incoming rows with the table.
type WriteMode int

const (
	// UpsertByKey replaces rows matched by the key tuple and appends the
	// rest (merge-on-write).
	UpsertByKey WriteMode = iota
	// Append adds all rows to the end of the table.
	Append
	// Overwrite replaces the whole table with the incoming rows.
	Overwrite
)

// ColumnType enumerates the physical column types a table may carry.
type ColumnType string

const (
	ColInt       ColumnType = "int"
	ColFloat     ColumnType = "float"
	ColBool      ColumnType = "bool"
	ColString    ColumnType = "string"
	ColTimestamp ColumnType = "timestamp" // epoch microseconds, UTC
	ColJSON      ColumnType = "json"      // JSON text
	ColFloatList ColumnType = "float_list"
)

// Column describes one column of a table.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// TableInfo describes a table for listing.
type TableInfo struct {
	Path    string   `json:"path"`
	Version int64    `json:"version"`
	Columns []Column `json:"columns"`
}

// ScanOptions narrows a Scan.
type ScanOptions struct {
	// Projection limits returned columns; nil means all.
	Projection []string
	// Predicate filters rows; nil means all. Evaluated on the full row
	// before projection.
	Predicate func(Row) bool
}

// Lake is the cold store rooted at a directory. Safe for concurrent use;
// writes to the same table are serialized by a per-table mutex.
type Lake struct {
	root string
	log  zerolog.Logger

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// Open creates a Lake rooted at dir, creating the directory if needed.
func Open(dir string, log zerolog.Logger) (*Lake, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lake root: %w", err)
	}
	return &Lake{
		root:   dir,
		log:    log.With().Str("component", "lake").Logger(),
		tables: make(map[string]*sync.Mutex),
	}, nil
}

var versionFile = regexp.MustCompile(`^v(\d{6})\.parquet$`)

// tableLock returns the mutex guarding writes to one table.
func (l *Lake) tableLock(table string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tables[table]
	if !ok {
		m = &sync.Mutex{}
		l.tables[table] = m
	}
	return m
}

func (l *Lake) tableDir(table string) string {
	return filepath.Join(l.root, filepath.FromSlash(table))
}

// Version returns the current version of a table, or 0 when the table does
// not exist yet.
func (l *Lake) Version(table string) int64 {
	v, _ := currentVersion(l.tableDir(table))
	return v
}

func currentVersion(dir string) (int64, string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, ""
	}
	var best int64
	var bestName string
	for _, e := range entries {
		m := versionFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.ParseInt(m[1], 10, 64)
		if n > best {
			best = n
			bestName = e.Name()
		}
	}
	return best, bestName
}

// WriteBatch writes rows to a table under the given mode and returns the new
// table version. Writes are ACID at batch granularity: the new snapshot is
// staged to a temp file and renamed into place, so a failure leaves the
// table at its previous version.
//
// keyFields is required for UpsertByKey and ignored otherwise.
func (l *Lake) WriteBatch(ctx context.Context, table string, columns []Column, rows []Row, mode WriteMode, keyFields []string) (int64, error) {
	if mode == UpsertByKey && len(keyFields) == 0 {
		return 0, ErrNoKeyFields
	}
	lock := l.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir := l.tableDir(table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create table dir: %w", err)
	}

	merged, err := mergeSchema(dir, columns)
	if err != nil {
		return 0, err
	}

	version, fileName := currentVersion(dir)
	var existing []Row
	if mode != Overwrite && fileName != "" {
		existing, err = readParquet(filepath.Join(dir, fileName), merged)
		if err != nil {
			return 0, fmt.Errorf("read current snapshot: %w", err)
		}
	}

	var out []Row
	switch mode {
	case Overwrite:
		out = rows
	case Append:
		out = append(existing, rows...)
	case UpsertByKey:
		out = upsertRows(existing, rows, keyFields)
	}

	next := version + 1
	tmp := filepath.Join(dir, fmt.Sprintf(".v%06d.parquet.tmp", next))
	final := filepath.Join(dir, fmt.Sprintf("v%06d.parquet", next))

	if err := writeParquet(tmp, merged, out); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("publish snapshot: %w", err)
	}
	if err := writeSchemaFile(dir, merged); err != nil {
		return 0, err
	}

	l.log.Debug().Str("table", table).Int64("version", next).
		Int("rows_in", len(rows)).Int("rows_total", len(out)).Msg("batch written")
	return next, nil
}

// upsertRows merges incoming rows into existing by the key tuple: matched
// rows are replaced in place, unmatched rows are appended in input order.
func upsertRows(existing, incoming []Row, keyFields []string) []Row {
	index := make(map[string]int, len(existing))
	for i, row := range existing {
		index[keyString(row, keyFields)] = i
	}
	out := make([]Row, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	for _, row := range incoming {
		k := keyString(row, keyFields)
		if i, ok := index[k]; ok {
			out[i] = row
		} else {
			index[k] = len(out)
			out = append(out, row)
		}
	}
	return out
}

func keyString(row Row, keyFields []string) string {
	var sb strings.Builder
	for i, k := range keyFields {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(fmt.Sprintf("%v", row[k]))
	}
	return sb.String()
}

// Scan streams the current snapshot of a table through fn. Returns
// ErrTableNotFound for absent tables. fn returning an error stops the scan.
func (l *Lake) Scan(ctx context.Context, table string, opts ScanOptions, fn func(Row) error) error {
	dir := l.tableDir(table)
	_, fileName := currentVersion(dir)
	if fileName == "" {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	cols, err := readSchemaFile(dir)
	if err != nil {
		return err
	}
	rows, err := readParquet(filepath.Join(dir, fileName), cols)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Predicate != nil && !opts.Predicate(row) {
			continue
		}
		if len(opts.Projection) > 0 {
			projected := make(Row, len(opts.Projection))
			for _, c := range opts.Projection {
				if v, ok := row[c]; ok {
					projected[c] = v
				}
			}
			row = projected
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// ReadRowByKey returns the row whose key fields equal keyValues, or nil when
// the table or row is absent.
func (l *Lake) ReadRowByKey(ctx context.Context, table string, keyFields []string, keyValues []any) (Row, error) {
	if len(keyFields) != len(keyValues) {
		return nil, fmt.Errorf("key fields/values length mismatch: %d vs %d", len(keyFields), len(keyValues))
	}
	want := keyString(rowFromPairs(keyFields, keyValues), keyFields)
	var found Row
	err := l.Scan(ctx, table, ScanOptions{}, func(row Row) error {
		if keyString(row, keyFields) == want {
			found = row
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		if errors.Is(err, ErrTableNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return found, nil
}

var errStopScan = errors.New("stop scan")

func rowFromPairs(fields []string, values []any) Row {
	row := make(Row, len(fields))
	for i, f := range fields {
		row[f] = values[i]
	}
	return row
}

// ListTables returns every table whose path starts with prefix, with column
// metadata, sorted by path. Prefix "" lists everything.
func (l *Lake) ListTables(prefix string) ([]TableInfo, error) {
	var out []TableInfo
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		version, fileName := currentVersion(path)
		if fileName == "" {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		table := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(table, prefix) {
			return nil
		}
		cols, err := readSchemaFile(path)
		if err != nil {
			return err
		}
		out = append(out, TableInfo{Path: table, Version: version, Columns: cols})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
