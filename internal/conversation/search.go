package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/schellrw/IFS-assistant/internal/embedding"
	"github.com/schellrw/IFS-assistant/internal/persona"
	"github.com/schellrw/IFS-assistant/internal/store"
	"go.uber.org/zap"
)

// overFetch widens vector queries that are filtered or deduplicated after
// the fact. maxFetch bounds how far scanNearest widens them.
const (
	overFetch = 5
	maxFetch  = 1 << 16
)

// SearchConversations finds messages in a system's conversations, returning
// at most one hit per conversation. searchType is "text" (case-insensitive
// substring) or "semantic" (nearest embeddings); empty means text.
func (s *Service) SearchConversations(ctx context.Context, query, systemID, searchType string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("query", "query cannot be empty")
	}
	if systemID == "" {
		return nil, invalid("system_id", "system_id is required")
	}
	limit = clampLimit(limit)

	switch searchType {
	case "", SearchText:
		return s.textSearch(ctx, query, systemID, limit), nil
	case SearchSemantic:
		return s.semanticSearch(ctx, query, systemID, limit)
	default:
		return nil, invalid("search_type", fmt.Sprintf("unknown search type %q", searchType))
	}
}

func (s *Service) textSearch(ctx context.Context, query, systemID string, limit int) []SearchResult {
	needle := strings.ToLower(strings.TrimSpace(query))
	needleLen := utf8.RuneCountInString(needle)
	parts := newPartCache(s)

	results := []SearchResult{}
	for _, cr := range s.store.GetAll(ctx, tableConversations, store.Filter{"system_id": systemID}) {
		conv := conversationFromRecord(cr)

		var best *Message
		bestCount := 0
		for _, m := range s.messages(ctx, conv.ID) {
			if m.GenerationFailed {
				continue
			}
			n := strings.Count(strings.ToLower(m.Content), needle)
			if n == 0 {
				continue
			}
			// messages are oldest first, so >= keeps the most recent on ties
			if n >= bestCount {
				best, bestCount = &m, n
			}
		}
		if best == nil {
			continue
		}

		frac := float64(needleLen*bestCount) / float64(max(utf8.RuneCountInString(best.Content), 1))
		results = append(results, SearchResult{
			Message:         *best,
			Conversation:    &conv,
			Part:            parts.get(ctx, conv.PartID),
			SimilarityScore: min(frac, 1),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		ta, tb := parseTime(a.Message.Timestamp), parseTime(b.Message.Timestamp)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.Message.ID < b.Message.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (s *Service) semanticSearch(ctx context.Context, query, systemID string, limit int) ([]SearchResult, error) {
	vec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	convs := map[string]Conversation{}
	for _, cr := range s.store.GetAll(ctx, tableConversations, store.Filter{"system_id": systemID}) {
		c := conversationFromRecord(cr)
		convs[c.ID] = c
	}
	if len(convs) == 0 {
		return []SearchResult{}, nil
	}

	parts := newPartCache(s)
	var results []SearchResult
	s.scanNearest(ctx, tableMessages, vec, limit, func(hits []store.Record) int {
		results = []SearchResult{}
		seen := map[string]bool{}
		for _, hit := range hits {
			msg := messageFromRecord(hit)
			conv, ok := convs[msg.ConversationID]
			if !ok || seen[conv.ID] {
				continue
			}
			seen[conv.ID] = true
			results = append(results, SearchResult{
				Message:         msg,
				Conversation:    &conv,
				Part:            parts.get(ctx, conv.PartID),
				SimilarityScore: score(vec, hit),
				Distance:        hit.Float(store.DistanceField),
			})
			if len(results) == limit {
				break
			}
		}
		return len(results)
	})
	s.logger.Debug("Semantic search", zap.String("system", systemID), zap.Int("results", len(results)))
	return results, nil
}

// FindSimilarMessages returns the messages nearest to text across all
// conversations, without deduplication.
func (s *Service) FindSimilarMessages(ctx context.Context, text string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("text", "text cannot be empty")
	}
	limit = clampLimit(limit)
	vec, err := s.embedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("find similar messages: %w", err)
	}

	convs := map[string]*Conversation{}
	parts := newPartCache(s)
	results := []SearchResult{}
	for _, hit := range s.store.QueryVectorSimilarity(ctx, tableMessages, "embedding", vec, limit) {
		msg := messageFromRecord(hit)
		conv, ok := convs[msg.ConversationID]
		if !ok {
			conv, _ = s.conversation(ctx, msg.ConversationID)
			convs[msg.ConversationID] = conv
		}
		r := SearchResult{
			Message:         msg,
			Conversation:    conv,
			SimilarityScore: score(vec, hit),
			Distance:        hit.Float(store.DistanceField),
		}
		if conv != nil {
			r.Part = parts.get(ctx, conv.PartID)
		}
		results = append(results, r)
	}
	return results, nil
}

// scanNearest queries table for the rows nearest to vec, doubling the fetch
// size until collect reports limit kept results or the backend runs out of
// rows. collect sees the full ordered hit list on every pass.
func (s *Service) scanNearest(ctx context.Context, table string, vec []float32, limit int, collect func([]store.Record) int) {
	fetch := limit * overFetch
	for {
		hits := s.store.QueryVectorSimilarity(ctx, table, "embedding", vec, fetch)
		if collect(hits) >= limit || len(hits) < fetch || fetch >= maxFetch {
			return
		}
		fetch = min(fetch*2, maxFetch)
	}
}

// score is the cosine similarity of the query and the hit's vector, or the
// unit-vector equivalent of its distance when the vector is absent.
func score(query []float32, hit store.Record) float64 {
	if vec := hit.Vector("embedding"); len(vec) == len(query) {
		return embedding.Similarity(query, vec)
	}
	return embedding.SimilarityFromDistance(hit.Float(store.DistanceField))
}

// partCache memoizes part lookups within one call.
type partCache struct {
	s     *Service
	parts map[string]*persona.Part
}

func newPartCache(s *Service) *partCache {
	return &partCache{s: s, parts: map[string]*persona.Part{}}
}

func (c *partCache) get(ctx context.Context, id string) *persona.Part {
	if p, ok := c.parts[id]; ok {
		return p
	}
	p := c.s.part(ctx, id)
	c.parts[id] = p
	return p
}
