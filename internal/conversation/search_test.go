package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/schellrw/IFS-assistant/internal/embedding"
	"github.com/schellrw/IFS-assistant/internal/store"
)

func TestFindSimilarMessages_RelatedTextsRankCloser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.conversation(t, "p1")
	for _, text := range []string{"I am stressed", "I feel stressed", "What is your favorite color?"} {
		if _, err := f.svc.AddMessage(ctx, conv.ID, text, false); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := f.svc.FindSimilarMessages(ctx, "I am stressed", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	order := []string{"I am stressed", "I feel stressed", "What is your favorite color?"}
	for i, want := range order {
		if hits[i].Message.Content != want {
			t.Errorf("hit %d = %q, want %q", i, hits[i].Message.Content, want)
		}
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Errorf("distances not ascending: %v then %v", hits[i-1].Distance, hits[i].Distance)
		}
	}
	if s := hits[0].SimilarityScore; s < 0.999 {
		t.Errorf("self similarity = %v", s)
	}
	if hits[0].Conversation == nil || hits[0].Part == nil || hits[0].Part.Name != "Guardian" {
		t.Errorf("hit not enriched: %+v", hits[0])
	}
}

func TestSemanticSearch_DedupesAndScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.conversation(t, "p1")
	b := f.conversation(t, "p2")
	other := f.conversation(t, "p3")

	f.svc.AddMessage(ctx, a.ID, "I feel stressed about work", false)
	f.svc.AddMessage(ctx, a.ID, "stressed stressed", false)
	f.svc.AddMessage(ctx, b.ID, "work is stressful but fine", false)
	f.svc.AddMessage(ctx, other.ID, "stressed", false)

	results, err := f.svc.SearchConversations(ctx, "stressed", "s1", SearchSemantic, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want one per conversation in s1", len(results))
	}
	if results[0].Conversation.ID != a.ID || results[0].Message.Content != "stressed stressed" {
		t.Errorf("best hit = %+v", results[0].Message)
	}
	if results[1].Conversation.ID != b.ID {
		t.Errorf("second hit conversation = %s", results[1].Conversation.ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Error("results not in ascending distance order")
	}
	for _, r := range results {
		if r.Conversation.SystemID != "s1" {
			t.Errorf("result from system %s leaked", r.Conversation.SystemID)
		}
	}
}

func TestSemanticSearch_CrowdedByOtherSystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mine := f.conversation(t, "p1")
	if _, err := f.svc.AddMessage(ctx, mine.ID, "I am stressed about my exam", false); err != nil {
		t.Fatal(err)
	}
	// 60 nearer messages in another system outnumber the first fetch
	noisy := f.conversation(t, "p3")
	for i := 0; i < 60; i++ {
		if _, err := f.svc.AddMessage(ctx, noisy.ID, fmt.Sprintf("stressed %d", i), false); err != nil {
			t.Fatal(err)
		}
	}

	results, err := f.svc.SearchConversations(ctx, "stressed", "s1", SearchSemantic, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Conversation.ID != mine.ID {
		t.Fatalf("got %d results, want the s1 conversation: %+v", len(results), results)
	}
}

func TestSemanticSearch_CrowdedWithinConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	busy := f.conversation(t, "p1")
	for i := 0; i < 30; i++ {
		f.svc.AddMessage(ctx, busy.ID, fmt.Sprintf("stressed %d", i), false)
	}
	quiet := f.conversation(t, "p2")
	f.svc.AddMessage(ctx, quiet.ID, "I am stressed about my exam", false)

	results, err := f.svc.SearchConversations(ctx, "stressed", "s1", SearchSemantic, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want one per conversation", len(results))
	}
	if results[0].Conversation.ID != busy.ID || results[1].Conversation.ID != quiet.ID {
		t.Errorf("conversations = %s, %s", results[0].Conversation.ID, results[1].Conversation.ID)
	}
}

func TestSearch_HugeLimitIsCapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.conversation(t, "p1")
	f.svc.AddMessage(ctx, conv.ID, "stressed", false)

	for _, mode := range []string{SearchText, SearchSemantic} {
		results, err := f.svc.SearchConversations(ctx, "stressed", "s1", mode, math.MaxInt)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if len(results) != 1 {
			t.Errorf("%s: got %d results, want 1", mode, len(results))
		}
	}
	hits, err := f.svc.FindSimilarMessages(ctx, "stressed", math.MaxInt)
	if err != nil || len(hits) != 1 {
		t.Errorf("similar messages: %d hits, err %v", len(hits), err)
	}
}

func TestTextSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.conversation(t, "p1")
	b := f.conversation(t, "p2")
	f.svc.AddMessage(ctx, a.ID, "I worry a lot", false)
	f.svc.AddMessage(ctx, a.ID, "Worry, worry, worry", false)
	f.svc.AddMessage(ctx, b.ID, "Sometimes I WORRY about things that may never happen", false)
	f.svc.AddMessage(ctx, b.ID, "nothing relevant", false)

	results, err := f.svc.SearchConversations(ctx, "worry", "s1", SearchText, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Message.Content != "Worry, worry, worry" {
		t.Errorf("top hit = %q", results[0].Message.Content)
	}
	if results[0].SimilarityScore <= results[1].SimilarityScore {
		t.Error("results not ordered by score")
	}
	if results[1].Conversation.ID != b.ID || results[1].Part.Name != "Exile" {
		t.Errorf("second hit = %+v", results[1])
	}

	limited, _ := f.svc.SearchConversations(ctx, "worry", "s1", "", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d results", len(limited))
	}
}

func TestSearchConversations_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name       string
		query      string
		system     string
		searchType string
		field      string
	}{
		{"empty query", "  ", "s1", SearchText, "query"},
		{"missing system", "hi", "", SearchText, "system_id"},
		{"unknown type", "hi", "s1", "fuzzy", "search_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SearchConversations(context.Background(), tt.query, tt.system, tt.searchType, 0)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("err = %v, want validation on %s", err, tt.field)
			}
		})
	}
}

func TestSemanticSearch_EncoderUnavailable(t *testing.T) {
	f := newFixture(t)
	f.emb.err = embedding.ErrUnavailable
	_, err := f.svc.SearchConversations(context.Background(), "hi", "s1", SearchSemantic, 5)
	if !errors.Is(err, embedding.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if _, err := f.svc.FindSimilarMessages(context.Background(), "hi", 5); !errors.Is(err, embedding.ErrUnavailable) {
		t.Errorf("find similar: err = %v", err)
	}
}

func TestGeneratePersonalityVectors_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	attrs := map[string]string{"role": "Protector", "fear": "being overwhelmed", "empty": "  "}

	first, err := f.svc.GeneratePersonalityVectors(ctx, "p1", attrs)
	if err != nil {
		t.Fatal(err)
	}
	if first.Count != 2 {
		t.Fatalf("count = %d, want 2", first.Count)
	}
	if first.Vectors[0].Attribute != "fear" || first.Vectors[1].Attribute != "role" {
		t.Errorf("vectors not in attribute order: %+v", first.Vectors)
	}

	attrs["role"] = "Watchful protector"
	second, err := f.svc.GeneratePersonalityVectors(ctx, "p1", attrs)
	if err != nil {
		t.Fatal(err)
	}
	rows := f.store.GetAll(ctx, tableVectors, store.Filter{"part_id": "p1"})
	if len(rows) != 2 {
		t.Fatalf("got %d rows after regeneration, want 2", len(rows))
	}
	if second.Vectors[1].ID != first.Vectors[1].ID || second.Vectors[1].Description != "Watchful protector" {
		t.Errorf("role vector not overwritten in place: %+v", second.Vectors[1])
	}
}

func TestGeneratePersonalityVectors_DefaultsAndSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.emb.failOn = "Keeps watch"

	batch, err := f.svc.GeneratePersonalityVectors(ctx, "p1", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, v := range batch.Vectors {
		got[v.Attribute] = true
	}
	for _, want := range []string{"role", "feelings", "personality"} {
		if !got[want] {
			t.Errorf("missing default attribute %s", want)
		}
	}
	if got["description"] {
		t.Error("failed attribute should be skipped")
	}

	if _, err := f.svc.GeneratePersonalityVectors(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing part: err = %v", err)
	}
}

func TestFindSimilarParts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.GeneratePersonalityVectors(ctx, "p1", map[string]string{"role": "protector on guard"})
	f.svc.GeneratePersonalityVectors(ctx, "p2", map[string]string{"role": "carries old hurt"})
	f.svc.GeneratePersonalityVectors(ctx, "p3", map[string]string{"role": "protector of standards"})

	matches, err := f.svc.FindSimilarParts(ctx, "protector", "s1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 || matches[0].Part.ID != "p1" {
		t.Fatalf("matches = %+v", matches)
	}
	for _, m := range matches {
		if m.Part.SystemID != "s1" {
			t.Errorf("part from system %s leaked", m.Part.SystemID)
		}
	}

	all, _ := f.svc.FindSimilarParts(ctx, "protector", "", 5)
	if len(all) != 3 {
		t.Errorf("got %d parts across systems, want 3", len(all))
	}
}

func TestFindSimilarParts_CrowdedByOtherSystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.GeneratePersonalityVectors(ctx, "p1", map[string]string{"role": "protector of the exam schedule"})
	noisy := map[string]string{}
	for i := 0; i < 40; i++ {
		noisy[fmt.Sprintf("a%02d", i)] = fmt.Sprintf("protector %d", i)
	}
	if batch, err := f.svc.GeneratePersonalityVectors(ctx, "p3", noisy); err != nil || batch.Count != 40 {
		t.Fatalf("seed noisy part: %+v, %v", batch, err)
	}

	matches, err := f.svc.FindSimilarParts(ctx, "protector", "s1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Part.ID != "p1" {
		t.Fatalf("matches = %+v", matches)
	}
}
