package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Record is a backend-agnostic row: ids are strings, timestamps are RFC 3339
// strings and vectors are []float32.
type Record map[string]any

// Filter is an exact-match predicate set; every key must equal its value.
type Filter map[string]any

// DistanceField is added to every vector search result.
const DistanceField = "distance"

// Adapter is the storage contract shared by every backend. Failures inside a
// single operation are logged and reported as nil, false or an empty slice.
type Adapter interface {
	Name() string
	GetByID(ctx context.Context, table, id string) Record
	GetAll(ctx context.Context, table string, filter Filter) []Record
	Create(ctx context.Context, table string, rec Record) Record
	Update(ctx context.Context, table, id string, partial Record) Record
	Delete(ctx context.Context, table, id string) bool
	// Upsert inserts rec or, when a row with equal conflict columns exists,
	// overwrites that row in place.
	Upsert(ctx context.Context, table string, rec Record, conflict []string) Record
	// QueryVectorSimilarity returns up to limit rows nearest to query by
	// Euclidean distance, ascending, ties broken by id.
	QueryVectorSimilarity(ctx context.Context, table, column string, query []float32, limit int) []Record
	Close()
}

// String returns r[key] as a string, or "" when absent.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns r[key] as a bool, or false when absent or not a bool.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Float returns r[key] as a float64, or 0 when absent or non-numeric.
func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Vector returns r[key] as a vector, or nil.
func (r Record) Vector(key string) []float32 {
	v, _ := r[key].([]float32)
	return v
}

// Clone returns a shallow copy with vector slices duplicated.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if vec, ok := v.([]float32); ok {
			v = append([]float32(nil), vec...)
		}
		out[k] = v
	}
	return out
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(names ...string) error {
	for _, n := range names {
		if !identRe.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

// sortedKeys returns the record's columns in a stable order.
func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeRecord converts backend-native values into the shared shape.
// Columns named in vectorCols are decoded from text when needed.
func normalizeRecord(row map[string]any, vectorCols map[string]bool) Record {
	out := make(Record, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v, vectorCols[k])
	}
	return out
}

func normalizeValue(v any, isVector bool) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(t).String()
	case uuid.UUID:
		return t.String()
	case pgvector.Vector:
		return t.Slice()
	case *pgvector.Vector:
		if t == nil {
			return nil
		}
		return t.Slice()
	case []float64:
		vec := make([]float32, len(t))
		for i, f := range t {
			vec[i] = float32(f)
		}
		return vec
	case string:
		if isVector {
			if vec, ok := parseVectorText(t); ok {
				return vec
			}
		}
		return t
	case []any:
		if isVector {
			if vec, ok := anyToVector(t); ok {
				return vec
			}
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item, false)
		}
		return out
	}
	return v
}

// parseVectorText parses pgvector's text form "[1,2,3]".
func parseVectorText(s string) ([]float32, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, false
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []float32{}, true
	}
	fields := strings.Split(body, ",")
	vec := make([]float32, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, false
		}
		vec[i] = float32(x)
	}
	return vec, true
}

func anyToVector(items []any) ([]float32, bool) {
	vec := make([]float32, len(items))
	for i, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, false
		}
		vec[i] = float32(f)
	}
	return vec, true
}

// sortByDistance orders results ascending by distance, then id.
func sortByDistance(rows []Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		di, dj := rows[i].Float(DistanceField), rows[j].Float(DistanceField)
		if di != dj {
			return di < dj
		}
		return rows[i].String("id") < rows[j].String("id")
	})
}
