package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/schellrw/IFS-assistant/internal/embedding"
	"github.com/schellrw/IFS-assistant/internal/store"
	"go.uber.org/zap"
)

var vectorConflict = []string{"part_id", "attribute"}

// GeneratePersonalityVectors embeds each non-empty attribute description and
// upserts it on (part_id, attribute). With no attributes the part's own
// profile is used. One attribute failing does not fail the batch.
func (s *Service) GeneratePersonalityVectors(ctx context.Context, partID string, attributes map[string]string) (*VectorBatch, error) {
	part := s.part(ctx, partID)
	if part == nil {
		return nil, notFound("part", partID)
	}
	if !s.EmbeddingAvailable(ctx) {
		return nil, fmt.Errorf("generate personality vectors: %w", embedding.ErrUnavailable)
	}
	if len(attributes) == 0 {
		attributes = part.Attributes()
	}

	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	batch := &VectorBatch{PartID: part.ID, Vectors: []PersonalityVector{}}
	for _, name := range names {
		desc := attributes[name]
		if strings.TrimSpace(name) == "" || strings.TrimSpace(desc) == "" {
			continue
		}
		vec, err := s.embed(ctx, desc)
		if err != nil {
			s.logger.Warn("Skipping personality attribute",
				zap.String("part", part.ID), zap.String("attribute", name), zap.Error(err))
			continue
		}
		ts := s.timestamp()
		rec := s.store.Upsert(ctx, tableVectors, store.Record{
			"part_id":     part.ID,
			"attribute":   name,
			"description": desc,
			"embedding":   vec,
			"created_at":  ts,
			"updated_at":  ts,
		}, vectorConflict)
		if rec == nil {
			s.logger.Warn("Failed to store personality vector",
				zap.String("part", part.ID), zap.String("attribute", name))
			continue
		}
		batch.Vectors = append(batch.Vectors, vectorFromRecord(rec))
	}
	batch.Count = len(batch.Vectors)
	s.logger.Info("Personality vectors generated", zap.String("part", part.ID), zap.Int("count", batch.Count))
	return batch, nil
}

// FindSimilarParts ranks parts by their closest personality vector to text.
// An empty systemID searches every system.
func (s *Service) FindSimilarParts(ctx context.Context, text, systemID string, limit int) ([]PartMatch, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("text", "text cannot be empty")
	}
	limit = clampLimit(limit)
	vec, err := s.embedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("find similar parts: %w", err)
	}

	parts := newPartCache(s)
	var out []PartMatch
	s.scanNearest(ctx, tableVectors, vec, limit, func(hits []store.Record) int {
		out = []PartMatch{}
		seen := map[string]bool{}
		for _, hit := range hits {
			partID := hit.String("part_id")
			if seen[partID] {
				continue
			}
			seen[partID] = true
			p := parts.get(ctx, partID)
			if p == nil || (systemID != "" && p.SystemID != systemID) {
				continue
			}
			out = append(out, PartMatch{
				Part:            *p,
				Attribute:       hit.String("attribute"),
				SimilarityScore: score(vec, hit),
				Distance:        hit.Float(store.DistanceField),
			})
			if len(out) == limit {
				break
			}
		}
		return len(out)
	})
	return out, nil
}
