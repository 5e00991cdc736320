package lake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

const schemaFileName = "_schema.json"

// parquetParallelism is the number of marshal/unmarshal goroutines handed to
// parquet-go. Tables are small per batch; 2 is plenty.
const parquetParallelism = 2

// writeSchemaFile persists column metadata next to the snapshots. ListTables
// and evolution checks read it instead of cracking Parquet footers.
func writeSchemaFile(dir string, cols []Column) error {
	data, err := json.MarshalIndent(cols, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+schemaFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, schemaFileName))
}

func readSchemaFile(dir string) ([]Column, error) {
	data, err := os.ReadFile(filepath.Join(dir, schemaFileName))
	if err != nil {
		return nil, fmt.Errorf("read table schema: %w", err)
	}
	var cols []Column
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("parse table schema: %w", err)
	}
	return cols, nil
}

// mergeSchema reconciles incoming columns with the stored table schema.
//
// Evolution rules: adding nullable columns is allowed, widening int -> float
// is allowed, anything else (type change, narrowing, new non-nullable
// column on an existing table) fails with ErrIncompatibleSchema. The result
// is the union of stored and incoming columns, stored order first.
func mergeSchema(dir string, incoming []Column) ([]Column, error) {
	stored, err := readSchemaFile(dir)
	if errors.Is(err, os.ErrNotExist) {
		return incoming, nil
	}
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(stored))
	merged := make([]Column, len(stored))
	copy(merged, stored)
	for i, c := range stored {
		byName[c.Name] = i
	}

	for _, c := range incoming {
		i, exists := byName[c.Name]
		if !exists {
			if !c.Nullable {
				return nil, fmt.Errorf("%w: new column %q must be nullable", ErrIncompatibleSchema, c.Name)
			}
			byName[c.Name] = len(merged)
			merged = append(merged, c)
			continue
		}
		prev := merged[i]
		if prev.Type == c.Type {
			continue
		}
		if prev.Type == ColInt && c.Type == ColFloat {
			merged[i].Type = ColFloat // widening
			continue
		}
		if prev.Type == ColFloat && c.Type == ColInt {
			// Incoming ints fit the stored float column; keep it wide.
			continue
		}
		return nil, fmt.Errorf("%w: column %q: %s -> %s", ErrIncompatibleSchema, c.Name, prev.Type, c.Type)
	}
	return merged, nil
}

// parquetJSONSchema builds the parquet-go JSON schema string for a column
// set. All scalar columns are physically OPTIONAL; logical nullability lives
// in the _schema.json metadata. Float lists are REPEATED.
func parquetJSONSchema(cols []Column) (string, error) {
	type field struct {
		Tag string `json:"Tag"`
	}
	type root struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}

	r := root{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	for _, c := range cols {
		var tag string
		switch c.Type {
		case ColInt:
			tag = fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", c.Name)
		case ColFloat:
			tag = fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c.Name)
		case ColBool:
			tag = fmt.Sprintf("name=%s, type=BOOLEAN, repetitiontype=OPTIONAL", c.Name)
		case ColString, ColJSON:
			tag = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.Name)
		case ColTimestamp:
			tag = fmt.Sprintf("name=%s, type=INT64, convertedtype=TIMESTAMP_MICROS, repetitiontype=OPTIONAL", c.Name)
		case ColFloatList:
			tag = fmt.Sprintf("name=%s, type=FLOAT, repetitiontype=REPEATED", c.Name)
		default:
			return "", fmt.Errorf("unsupported column type %q", c.Type)
		}
		r.Fields = append(r.Fields, field{Tag: tag})
	}

	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeParquet writes a complete snapshot file.
func writeParquet(path string, cols []Column, rows []Row) error {
	jsonSchema, err := parquetJSONSchema(cols)
	if err != nil {
		return err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	pw, err := writer.NewJSONWriter(jsonSchema, fw, parquetParallelism)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}

	for _, row := range rows {
		line, err := encodeRow(cols, row)
		if err != nil {
			fw.Close()
			return err
		}
		if err := pw.Write(line); err != nil {
			fw.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize snapshot: %w", err)
	}
	return fw.Close()
}

// encodeRow renders a row as the JSON line parquet-go's JSONWriter consumes.
func encodeRow(cols []Column, row Row) (string, error) {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		v, ok := row[c.Name]
		if !ok || v == nil {
			if c.Type == ColFloatList {
				out[c.Name] = []float32{}
			}
			continue
		}
		switch c.Type {
		case ColTimestamp:
			switch t := v.(type) {
			case time.Time:
				out[c.Name] = t.UTC().UnixMicro()
			case int64:
				out[c.Name] = t
			default:
				return "", fmt.Errorf("column %q: expected timestamp, got %T", c.Name, v)
			}
		case ColFloatList:
			switch t := v.(type) {
			case []float32:
				out[c.Name] = t
			case []float64:
				conv := make([]float32, len(t))
				for i, f := range t {
					conv[i] = float32(f)
				}
				out[c.Name] = conv
			default:
				return "", fmt.Errorf("column %q: expected float list, got %T", c.Name, v)
			}
		default:
			out[c.Name] = v
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readParquet loads a snapshot file back into rows shaped by cols.
func readParquet(path string, cols []Column) ([]Row, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	if num == 0 {
		return nil, nil
	}
	raw, err := pr.ReadByNumber(num)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	rows := make([]Row, 0, len(raw))
	for _, item := range raw {
		decoded, err := decodeRow(cols, item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, decoded)
	}
	return rows, nil
}

// decodeRow converts one dynamically-typed record from parquet-go back into
// a Row. parquet-go exposes records as generated structs, so the value is
// round-tripped through JSON and column names matched case-insensitively on
// the first rune (parquet-go exports field names with an upper-cased head).
func decodeRow(cols []Column, item any) (Row, error) {
	buf, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	row := make(Row, len(cols))
	for _, c := range cols {
		v, ok := generic[c.Name]
		if !ok {
			v, ok = generic[upperHead(c.Name)]
		}
		if !ok || v == nil {
			continue
		}
		converted, err := decodeValue(c, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		if converted != nil {
			row[c.Name] = converted
		}
	}
	return row, nil
}

func decodeValue(c Column, v any) (any, error) {
	switch c.Type {
	case ColInt:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		return n, nil
	case ColFloat:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return f, nil
	case ColBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case ColString, ColJSON:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case ColTimestamp:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		return time.UnixMicro(n).UTC(), nil
	case ColFloatList:
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected list, got %T", v)
		}
		if len(list) == 0 {
			return nil, nil
		}
		out := make([]float32, len(list))
		for i, e := range list {
			f, err := asFloat64(e)
			if err != nil {
				return nil, err
			}
			out[i] = float32(f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", c.Type)
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}

// upperHead mirrors parquet-go's exported field naming: first rune
// upper-cased, remainder untouched.
func upperHead(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
