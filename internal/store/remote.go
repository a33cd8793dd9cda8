package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RemoteAdapter talks to a PostgREST-compatible service such as Supabase.
// Only equality filters and the vector_search RPC are used, so any hosted
// PostgREST endpoint with the bundled migration works.
type RemoteAdapter struct {
	baseURL    string
	apiKey     string
	schema     string
	client     *http.Client
	logger     *zap.Logger
	vectorCols map[string]bool
}

// NewRemote creates a RemoteAdapter. rawURL is the project URL; the REST
// path is appended.
func NewRemote(rawURL, apiKey, schema string, logger *zap.Logger) (*RemoteAdapter, error) {
	if rawURL == "" {
		return nil, errors.New("remote storage url is required")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse remote storage url: %w", err)
	}
	return &RemoteAdapter{
		baseURL:    strings.TrimSuffix(rawURL, "/") + "/rest/v1",
		apiKey:     apiKey,
		schema:     schema,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		vectorCols: map[string]bool{"embedding": true},
	}, nil
}

func (r *RemoteAdapter) Name() string { return "remote" }

func (r *RemoteAdapter) Close() {
	r.client.CloseIdleConnections()
}

func (r *RemoteAdapter) GetByID(ctx context.Context, table, id string) Record {
	rows, err := r.selectRows(ctx, table, Filter{"id": id})
	if err != nil {
		r.fail("get by id", table, err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (r *RemoteAdapter) GetAll(ctx context.Context, table string, filter Filter) []Record {
	rows, err := r.selectRows(ctx, table, filter)
	if err != nil {
		r.fail("get all", table, err)
		return []Record{}
	}
	return rows
}

func (r *RemoteAdapter) Create(ctx context.Context, table string, rec Record) Record {
	if err := validIdent(table); err != nil {
		r.fail("create", table, err)
		return nil
	}
	rows, err := r.do(ctx, http.MethodPost, table, nil, rec, "return=representation")
	if err != nil {
		r.fail("create", table, err)
		return nil
	}
	return first(rows)
}

func (r *RemoteAdapter) Update(ctx context.Context, table, id string, partial Record) Record {
	if err := validIdent(table); err != nil {
		r.fail("update", table, err)
		return nil
	}
	q := url.Values{"id": {"eq." + id}}
	rows, err := r.do(ctx, http.MethodPatch, table, q, partial, "return=representation")
	if err != nil {
		r.fail("update", table, err)
		return nil
	}
	return first(rows)
}

func (r *RemoteAdapter) Delete(ctx context.Context, table, id string) bool {
	if err := validIdent(table); err != nil {
		r.fail("delete", table, err)
		return false
	}
	q := url.Values{"id": {"eq." + id}}
	rows, err := r.do(ctx, http.MethodDelete, table, q, nil, "return=representation")
	if err != nil {
		r.fail("delete", table, err)
		return false
	}
	return len(rows) > 0
}

func (r *RemoteAdapter) Upsert(ctx context.Context, table string, rec Record, conflict []string) Record {
	if err := validIdent(append([]string{table}, conflict...)...); err != nil {
		r.fail("upsert", table, err)
		return nil
	}
	if len(conflict) == 0 {
		r.fail("upsert", table, errors.New("no conflict columns"))
		return nil
	}
	q := url.Values{"on_conflict": {strings.Join(conflict, ",")}}
	body := rec.Clone()
	// The existing row keeps its id and created_at; a merge would otherwise
	// overwrite both.
	delete(body, "id")
	delete(body, "created_at")
	rows, err := r.do(ctx, http.MethodPost, table, q, body, "resolution=merge-duplicates,return=representation")
	if err != nil {
		r.fail("upsert", table, err)
		return nil
	}
	return first(rows)
}

type vectorSearchHit struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// QueryVectorSimilarity calls the vector_search function and hydrates each
// hit with a follow-up read.
func (r *RemoteAdapter) QueryVectorSimilarity(ctx context.Context, table, column string, query []float32, limit int) []Record {
	if err := validIdent(table, column); err != nil {
		r.fail("vector query", table, err)
		return []Record{}
	}
	if len(query) == 0 {
		return []Record{}
	}
	if limit <= 0 {
		limit = 10
	}

	payload := map[string]any{
		"table_name":    table,
		"vector_column": column,
		"query_vector":  query,
		"limit_results": limit,
	}
	raw, err := r.send(ctx, http.MethodPost, "rpc/vector_search", nil, payload, "")
	if err != nil {
		r.fail("vector query", table, err)
		return []Record{}
	}
	var hits []vectorSearchHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		r.fail("vector query", table, fmt.Errorf("decode vector_search: %w", err))
		return []Record{}
	}

	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		rec := r.GetByID(ctx, table, h.ID)
		if rec == nil {
			continue
		}
		rec[DistanceField] = h.Distance
		out = append(out, rec)
	}
	sortByDistance(out)
	return out
}

func (r *RemoteAdapter) selectRows(ctx context.Context, table string, filter Filter) ([]Record, error) {
	cols := sortedKeys(filter)
	if err := validIdent(append([]string{table}, cols...)...); err != nil {
		return nil, err
	}
	q := url.Values{"select": {"*"}}
	for _, c := range cols {
		if filter[c] == nil {
			q.Set(c, "is.null")
			continue
		}
		q.Set(c, "eq."+fmt.Sprint(filter[c]))
	}
	return r.do(ctx, http.MethodGet, table, q, nil, "")
}

func (r *RemoteAdapter) do(ctx context.Context, method, path string, q url.Values, body any, prefer string) ([]Record, error) {
	raw, err := r.send(ctx, method, path, q, body, prefer)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []Record{}, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = normalizeRecord(row, r.vectorCols)
	}
	return out, nil
}

func (r *RemoteAdapter) send(ctx context.Context, method, path string, q url.Values, body any, prefer string) ([]byte, error) {
	u := r.baseURL + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if r.schema != "" {
		req.Header.Set("Accept-Profile", r.schema)
		req.Header.Set("Content-Profile", r.schema)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

func (r *RemoteAdapter) fail(op, table string, err error) {
	r.logger.Error("storage operation failed",
		zap.String("backend", "remote"), zap.String("op", op), zap.String("table", table), zap.Error(err))
}

func first(rows []Record) Record {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
