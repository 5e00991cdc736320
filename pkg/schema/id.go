package schema

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idNamespace is the fixed UUID namespace for stable ID derivation. Changing
// it invalidates every ID ever issued, so it never changes.
var idNamespace = uuid.MustParse("8f1f4e6e-35c7-4fd2-9f2b-6c7a1d0b42aa")

// unit separator keeps ("ab","c") and ("a","bc") from colliding.
const idSep = "\x1f"

// StableID derives the deterministic 128-bit identifier for a record from
// its entity type and primary-key values in declared order. The same tuple
// always yields the same ID, which is what makes re-ingestion an update
// instead of a duplicate.
func StableID(entityType string, pkValues []any) string {
	var sb strings.Builder
	sb.WriteString(entityType)
	for _, v := range pkValues {
		sb.WriteString(idSep)
		sb.WriteString(canonicalValue(v))
	}
	return uuid.NewSHA1(idNamespace, []byte(sb.String())).String()
}

// StableIDFor extracts the primary-key values of record per the descriptor
// and derives the stable ID.
func StableIDFor(d *Descriptor, record map[string]any) string {
	vals := make([]any, len(d.PrimaryKey))
	for i, pk := range d.PrimaryKey {
		vals[i] = record[pk]
	}
	return StableID(d.Name, vals)
}

// canonicalValue renders a primary-key value in a fixed textual form so the
// hash input does not depend on Go's dynamic type of the value.
func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case float64:
		// Whole floats render as integers so JSON-decoded numbers hash the
		// same as native ints.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return canonicalJSON(t)
	}
}
