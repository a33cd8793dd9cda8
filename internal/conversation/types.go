package conversation

import (
	"github.com/schellrw/IFS-assistant/internal/persona"
	"github.com/schellrw/IFS-assistant/internal/store"
)

// Table names shared by every storage backend.
const (
	tableParts         = "parts"
	tableConversations = "conversations"
	tableMessages      = "conversation_messages"
	tableVectors       = "part_personality_vectors"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Search modes accepted by SearchConversations.
const (
	SearchText     = "text"
	SearchSemantic = "semantic"
)

const defaultLimit = 10

// MaxLimit caps the number of results any search returns.
const MaxLimit = 100

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Conversation is a titled thread between the user and one part.
type Conversation struct {
	ID        string `json:"id"`
	SystemID  string `json:"system_id"`
	PartID    string `json:"part_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Message is one turn. Embedding is nil when the encoder could not produce
// a vector for it. GenerationFailed marks an assistant turn holding fallback
// text in place of a reply; such turns are never embedded, searched or fed
// back to the generator.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Timestamp        string    `json:"timestamp"`
	HasEmbedding     bool      `json:"has_embedding"`
	GenerationFailed bool      `json:"generation_failed,omitempty"`
	Embedding        []float32 `json:"-"`
}

// PersonalityVector is the stored embedding of one part attribute.
type PersonalityVector struct {
	ID          string    `json:"id"`
	PartID      string    `json:"part_id"`
	Attribute   string    `json:"attribute"`
	Description string    `json:"description"`
	CreatedAt   string    `json:"created_at,omitempty"`
	UpdatedAt   string    `json:"updated_at,omitempty"`
	Embedding   []float32 `json:"-"`
}

// PartialFailure reports that the user turn was stored but no reply was.
// Fallback is the text to show in place of the reply; MarkerID names the
// stored generation-failed turn, when it could be stored.
type PartialFailure struct {
	Reason   string `json:"reason"`
	Fallback string `json:"fallback"`
	MarkerID string `json:"marker_id,omitempty"`
}

// TurnResult is the outcome of adding a message.
type TurnResult struct {
	Message  *Message        `json:"user_message"`
	Response *Message        `json:"part_response,omitempty"`
	Partial  *PartialFailure `json:"partial_failure,omitempty"`
	Skipped  bool            `json:"generation_skipped,omitempty"`
}

// SearchResult is a message hit enriched with its conversation and part.
type SearchResult struct {
	Message         Message       `json:"message"`
	Conversation    *Conversation `json:"conversation,omitempty"`
	Part            *persona.Part `json:"part,omitempty"`
	SimilarityScore float64       `json:"similarity_score"`
	Distance        float64       `json:"distance,omitempty"`
}

// PartMatch is a part ranked by its closest personality vector.
type PartMatch struct {
	Part            persona.Part `json:"part"`
	Attribute       string       `json:"attribute"`
	SimilarityScore float64      `json:"similarity_score"`
	Distance        float64      `json:"distance"`
}

// VectorBatch is the result of GeneratePersonalityVectors.
type VectorBatch struct {
	PartID  string              `json:"part_id"`
	Count   int                 `json:"count"`
	Vectors []PersonalityVector `json:"vectors"`
}

// Detail is a conversation with its ordered messages and part.
type Detail struct {
	Conversation Conversation  `json:"conversation"`
	Messages     []Message     `json:"messages"`
	Part         *persona.Part `json:"part,omitempty"`
}

func conversationFromRecord(r store.Record) Conversation {
	return Conversation{
		ID:        r.String("id"),
		SystemID:  r.String("system_id"),
		PartID:    r.String("part_id"),
		Title:     r.String("title"),
		Status:    r.String("status"),
		CreatedAt: r.String("created_at"),
		UpdatedAt: r.String("updated_at"),
	}
}

func messageFromRecord(r store.Record) Message {
	vec := r.Vector("embedding")
	return Message{
		ID:               r.String("id"),
		ConversationID:   r.String("conversation_id"),
		Role:             r.String("role"),
		Content:          r.String("content"),
		Timestamp:        r.String("timestamp"),
		HasEmbedding:     len(vec) > 0,
		GenerationFailed: r.Bool("generation_failed"),
		Embedding:        vec,
	}
}

func vectorFromRecord(r store.Record) PersonalityVector {
	return PersonalityVector{
		ID:          r.String("id"),
		PartID:      r.String("part_id"),
		Attribute:   r.String("attribute"),
		Description: r.String("description"),
		CreatedAt:   r.String("created_at"),
		UpdatedAt:   r.String("updated_at"),
		Embedding:   r.Vector("embedding"),
	}
}
