package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// MemoryAdapter keeps every table in process memory. Vector columns are
// mirrored into chromem collections, one per table and column.
type MemoryAdapter struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record
	order  map[string][]string

	db          *chromem.DB
	collections map[string]*chromem.Collection
	logger      *zap.Logger
}

// NewMemory creates an empty in-memory adapter.
func NewMemory(logger *zap.Logger) *MemoryAdapter {
	return &MemoryAdapter{
		tables:      make(map[string]map[string]Record),
		order:       make(map[string][]string),
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}
}

func (m *MemoryAdapter) Name() string { return "memory" }

func (m *MemoryAdapter) Close() {}

func (m *MemoryAdapter) GetByID(_ context.Context, table, id string) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables[table][id].Clone()
}

func (m *MemoryAdapter) GetAll(_ context.Context, table string, filter Filter) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Record{}
	rows := m.tables[table]
	for _, id := range m.order[table] {
		if rec := rows[id]; matches(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (m *MemoryAdapter) Create(ctx context.Context, table string, rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec = rec.Clone()
	if rec == nil {
		rec = Record{}
	}
	id := rec.String("id")
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	if _, exists := m.tables[table][id]; exists {
		m.fail("create", table, fmt.Errorf("duplicate id %s", id))
		return nil
	}
	if err := m.put(ctx, table, id, rec); err != nil {
		m.fail("create", table, err)
		return nil
	}
	return rec.Clone()
}

func (m *MemoryAdapter) Update(ctx context.Context, table, id string, partial Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tables[table][id]
	if !ok {
		return nil
	}
	next := cur.Clone()
	for k, v := range partial.Clone() {
		if k == "id" {
			continue
		}
		next[k] = v
	}
	if err := m.put(ctx, table, id, next); err != nil {
		m.fail("update", table, err)
		return nil
	}
	return next.Clone()
}

func (m *MemoryAdapter) Delete(ctx context.Context, table, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tables[table][id]
	if !ok {
		return false
	}
	delete(m.tables[table], id)
	order := m.order[table]
	for i, v := range order {
		if v == id {
			m.order[table] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	for col, v := range rec {
		if _, isVec := v.([]float32); !isVec {
			continue
		}
		if c := m.collections[collectionName(table, col)]; c != nil {
			if err := c.Delete(ctx, nil, nil, id); err != nil {
				m.fail("delete", table, err)
			}
		}
	}
	return true
}

func (m *MemoryAdapter) Upsert(ctx context.Context, table string, rec Record, conflict []string) Record {
	if len(conflict) == 0 {
		m.fail("upsert", table, fmt.Errorf("no conflict columns"))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := Filter{}
	for _, c := range conflict {
		key[c] = rec[c]
	}
	for _, id := range m.order[table] {
		cur := m.tables[table][id]
		if !matches(cur, key) {
			continue
		}
		next := cur.Clone()
		for k, v := range rec.Clone() {
			if k == "id" || k == "created_at" {
				continue
			}
			next[k] = v
		}
		if err := m.put(ctx, table, id, next); err != nil {
			m.fail("upsert", table, err)
			return nil
		}
		return next.Clone()
	}

	rec = rec.Clone()
	id := rec.String("id")
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	if err := m.put(ctx, table, id, rec); err != nil {
		m.fail("upsert", table, err)
		return nil
	}
	return rec.Clone()
}

// QueryVectorSimilarity takes the limit nearest candidates from chromem,
// which ranks by cosine similarity, then orders them by exact Euclidean
// distance. The two orders agree for unit vectors, which is what the
// encoder produces. Candidates tied with the last place are widened so the
// id tie-break sees all of them.
func (m *MemoryAdapter) QueryVectorSimilarity(ctx context.Context, table, column string, query []float32, limit int) []Record {
	if len(query) == 0 {
		return []Record{}
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.collections[collectionName(table, column)]
	if c == nil || c.Count() == 0 {
		return []Record{}
	}
	n := min(limit, c.Count())
	var results []chromem.Result
	for {
		var err error
		results, err = c.QueryEmbedding(ctx, append([]float32(nil), query...), n, nil, nil)
		if err != nil {
			m.fail("vector query", table, err)
			return []Record{}
		}
		if n >= c.Count() || len(results) < n || !tiedAtCutoff(results, limit) {
			break
		}
		n = min(n*2, c.Count())
	}

	out := make([]Record, 0, len(results))
	for _, res := range results {
		rec, ok := m.tables[table][res.ID]
		if !ok {
			continue
		}
		vec := rec.Vector(column)
		if len(vec) != len(query) {
			continue
		}
		row := rec.Clone()
		row[DistanceField] = l2(vec, query)
		out = append(out, row)
	}
	sortByDistance(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// put stores rec under id and refreshes its vector index entries. The caller
// holds the write lock.
func (m *MemoryAdapter) put(ctx context.Context, table, id string, rec Record) error {
	for col, v := range rec {
		vec, ok := v.([]float32)
		if !ok || len(vec) == 0 {
			continue
		}
		c, err := m.collection(table, col)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        id,
			Content:   id,
			Embedding: append([]float32(nil), vec...),
			Metadata:  map[string]string{"table": table},
		}
		if err := c.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("index %s.%s: %w", table, col, err)
		}
	}

	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Record)
	}
	if _, exists := m.tables[table][id]; !exists {
		m.order[table] = append(m.order[table], id)
	}
	m.tables[table][id] = rec
	return nil
}

func (m *MemoryAdapter) collection(table, column string) (*chromem.Collection, error) {
	name := collectionName(table, column)
	if c, ok := m.collections[name]; ok {
		return c, nil
	}
	c, err := m.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	m.collections[name] = c
	return c, nil
}

func (m *MemoryAdapter) fail(op, table string, err error) {
	m.logger.Error("storage operation failed",
		zap.String("backend", "memory"), zap.String("op", op), zap.String("table", table), zap.Error(err))
}

func collectionName(table, column string) string {
	return table + "." + column
}

func matches(rec Record, filter Filter) bool {
	if rec == nil {
		return false
	}
	for k, want := range filter {
		got, ok := rec[k]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// tiedAtCutoff reports whether the last fetched candidate is as similar as
// the one at position limit, meaning more ties may lie beyond the fetch.
func tiedAtCutoff(results []chromem.Result, limit int) bool {
	if len(results) < limit || limit == 0 {
		return false
	}
	const eps = 1e-6
	return math.Abs(float64(results[len(results)-1].Similarity-results[limit-1].Similarity)) < eps
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
