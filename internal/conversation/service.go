package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schellrw/IFS-assistant/internal/embedding"
	"github.com/schellrw/IFS-assistant/internal/persona"
	"github.com/schellrw/IFS-assistant/internal/store"
	"go.uber.org/zap"
)

// Embedder turns text into a vector. *embedding.Encoder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Available(ctx context.Context) bool
}

// Responder produces a part's reply. *persona.Generator satisfies it.
type Responder interface {
	Generate(ctx context.Context, part persona.Part, history []persona.Turn, message string) persona.Reply
	Available() bool
}

// Service runs conversations between the user and their parts. Embedding
// and generation are optional: when either is unavailable the service keeps
// working with reduced output.
type Service struct {
	store     store.Adapter
	embedder  Embedder
	responder Responder
	logger    *zap.Logger

	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewService creates a Service. embedder and responder may be nil.
func NewService(st store.Adapter, embedder Embedder, responder Responder, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		embedder:  embedder,
		responder: responder,
		logger:    logger,
		now:       time.Now,
	}
}

// EmbeddingAvailable reports whether messages will receive vectors.
func (s *Service) EmbeddingAvailable(ctx context.Context) bool {
	return s.embedder != nil && s.embedder.Available(ctx)
}

// GenerationAvailable reports whether replies can be generated.
func (s *Service) GenerationAvailable() bool {
	return s.responder != nil && s.responder.Available()
}

// CreateConversation starts a conversation with a part. An empty title
// becomes "Conversation with {name}".
func (s *Service) CreateConversation(ctx context.Context, partID, title string) (*Conversation, error) {
	part := s.part(ctx, partID)
	if part == nil {
		return nil, notFound("part", partID)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Conversation with " + part.Name
	}
	ts := s.timestamp()
	rec := s.store.Create(ctx, tableConversations, store.Record{
		"id":         uuid.NewString(),
		"system_id":  part.SystemID,
		"part_id":    part.ID,
		"title":      title,
		"status":     "active",
		"created_at": ts,
		"updated_at": ts,
	})
	if rec == nil {
		return nil, fmt.Errorf("create conversation: %w", ErrStorage)
	}
	conv := conversationFromRecord(rec)
	s.logger.Info("Conversation created", zap.String("conversation", conv.ID), zap.String("part", part.ID))
	return &conv, nil
}

// GetConversation returns a conversation with its ordered messages and part.
func (s *Service) GetConversation(ctx context.Context, id string) (*Detail, error) {
	conv, err := s.conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Conversation: *conv,
		Messages:     s.messages(ctx, id),
		Part:         s.part(ctx, conv.PartID),
	}, nil
}

// ListConversations returns a part's conversations, most recently updated
// first.
func (s *Service) ListConversations(ctx context.Context, partID string) ([]Conversation, error) {
	if s.part(ctx, partID) == nil {
		return nil, notFound("part", partID)
	}
	rows := s.store.GetAll(ctx, tableConversations, store.Filter{"part_id": partID})
	out := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, conversationFromRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := parseTime(out[i].UpdatedAt), parseTime(out[j].UpdatedAt)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteConversation removes a conversation and its messages. A deleted
// conversation cannot be used again.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.conversation(ctx, id); err != nil {
		return err
	}
	for _, r := range s.store.GetAll(ctx, tableMessages, store.Filter{"conversation_id": id}) {
		s.store.Delete(ctx, tableMessages, r.String("id"))
	}
	if !s.store.Delete(ctx, tableConversations, id) {
		return fmt.Errorf("delete conversation %s: %w", id, ErrStorage)
	}
	s.logger.Info("Conversation deleted", zap.String("conversation", id))
	return nil
}

// AddMessage stores a user turn and, when autoRespond is set and generation
// is available, the part's reply. The user message is kept whatever happens
// to the reply; a failed reply is reported through TurnResult.Partial.
func (s *Service) AddMessage(ctx context.Context, conversationID, content string, autoRespond bool) (*TurnResult, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, invalid("content", "message cannot be empty")
	}

	msg := s.saveMessage(ctx, conv.ID, RoleUser, content)
	if msg == nil {
		return nil, fmt.Errorf("save user message: %w", ErrStorage)
	}
	s.touch(ctx, conv.ID)

	result := &TurnResult{Message: msg}
	if !autoRespond || !s.GenerationAvailable() {
		result.Skipped = true
		return result, nil
	}
	result.Response, result.Partial = s.respond(ctx, conv, *msg)
	return result, nil
}

// RespondToLatest generates the part's reply to the most recent user turn
// without storing the turn again. It is the retry path after a partial
// failure; generation-failed markers after the user turn are skipped.
func (s *Service) RespondToLatest(ctx context.Context, conversationID string) (*TurnResult, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var latest *Message
	msgs := s.messages(ctx, conv.ID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].GenerationFailed {
			latest = &msgs[i]
			break
		}
	}
	if latest == nil || latest.Role != RoleUser {
		return nil, invalid("conversation", "latest message is not a user message")
	}

	result := &TurnResult{Message: latest}
	if !s.GenerationAvailable() {
		result.Skipped = true
		return result, nil
	}
	result.Response, result.Partial = s.respond(ctx, conv, *latest)
	return result, nil
}

// respond generates and stores the reply to latest. A degraded reply is
// stored as a generation-failed marker rather than as a response.
func (s *Service) respond(ctx context.Context, conv *Conversation, latest Message) (*Message, *PartialFailure) {
	part := s.part(ctx, conv.PartID)
	if part == nil {
		s.logger.Error("Conversation part missing", zap.String("conversation", conv.ID), zap.String("part", conv.PartID))
		return nil, s.markFailed(ctx, conv.ID, "part_missing",
			"I can't respond right now because this part could not be found. Your message has been saved.")
	}

	var history []persona.Turn
	for _, m := range s.messages(ctx, conv.ID) {
		if m.ID == latest.ID || m.GenerationFailed {
			continue
		}
		history = append(history, persona.Turn{Role: m.Role, Content: m.Content})
	}

	reply := s.responder.Generate(ctx, *part, history, latest.Content)
	if reply.Degraded {
		return nil, s.markFailed(ctx, conv.ID, string(reply.Cause), reply.Text)
	}

	saved := s.saveMessage(ctx, conv.ID, RoleAssistant, reply.Text)
	if saved == nil {
		s.logger.Error("Failed to store part reply", zap.String("conversation", conv.ID))
		return nil, &PartialFailure{Reason: "storage", Fallback: reply.Text}
	}
	s.touch(ctx, conv.ID)
	return saved, nil
}

// markFailed appends a generation-failed assistant turn carrying the
// fallback text. The marker is not embedded.
func (s *Service) markFailed(ctx context.Context, conversationID, reason, fallback string) *PartialFailure {
	pf := &PartialFailure{Reason: reason, Fallback: fallback}
	rec := s.store.Create(ctx, tableMessages, store.Record{
		"id":                uuid.NewString(),
		"conversation_id":   conversationID,
		"role":              RoleAssistant,
		"content":           fallback,
		"timestamp":         s.timestamp(),
		"generation_failed": true,
	})
	if rec == nil {
		s.logger.Warn("Failed to store generation-failed marker", zap.String("conversation", conversationID))
		return pf
	}
	pf.MarkerID = rec.String("id")
	s.logger.Warn("Reply generation failed", zap.String("conversation", conversationID), zap.String("reason", reason))
	s.touch(ctx, conversationID)
	return pf
}

// saveMessage writes a message, then attaches its embedding in a second
// write. An embedding failure leaves the message stored without a vector.
func (s *Service) saveMessage(ctx context.Context, conversationID, role, content string) *Message {
	rec := s.store.Create(ctx, tableMessages, store.Record{
		"id":              uuid.NewString(),
		"conversation_id": conversationID,
		"role":            role,
		"content":         content,
		"timestamp":       s.timestamp(),
	})
	if rec == nil {
		return nil
	}
	msg := messageFromRecord(rec)

	vec, err := s.embed(ctx, content)
	if err != nil {
		s.logger.Warn("Message stored without embedding",
			zap.String("message", msg.ID), zap.String("role", role), zap.Error(err))
		return &msg
	}
	if updated := s.store.Update(ctx, tableMessages, msg.ID, store.Record{"embedding": vec}); updated != nil {
		msg = messageFromRecord(updated)
	} else {
		s.logger.Warn("Failed to attach embedding", zap.String("message", msg.ID))
	}
	return &msg
}

// touch bumps a conversation's updated_at.
func (s *Service) touch(ctx context.Context, id string) {
	s.store.Update(ctx, tableConversations, id, store.Record{"updated_at": s.timestamp()})
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, embedding.ErrUnavailable
	}
	return s.embedder.Embed(ctx, text)
}

// embedQuery is embed for operations that cannot proceed without a vector;
// every failure is reported as embedding.ErrUnavailable.
func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embed(ctx, text)
	if err == nil {
		return vec, nil
	}
	if errors.Is(err, embedding.ErrUnavailable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", embedding.ErrUnavailable, err)
}

func (s *Service) conversation(ctx context.Context, id string) (*Conversation, error) {
	rec := s.store.GetByID(ctx, tableConversations, id)
	if rec == nil {
		return nil, notFound("conversation", id)
	}
	conv := conversationFromRecord(rec)
	return &conv, nil
}

func (s *Service) part(ctx context.Context, id string) *persona.Part {
	if id == "" {
		return nil
	}
	rec := s.store.GetByID(ctx, tableParts, id)
	if rec == nil {
		return nil
	}
	p := persona.PartFromRecord(rec)
	return &p
}

// messages returns a conversation's messages oldest first.
func (s *Service) messages(ctx context.Context, conversationID string) []Message {
	rows := s.store.GetAll(ctx, tableMessages, store.Filter{"conversation_id": conversationID})
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, messageFromRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return parseTime(out[i].Timestamp).Before(parseTime(out[j].Timestamp))
	})
	return out
}

// timestamp returns a strictly increasing UTC time at microsecond
// precision, the resolution PostgreSQL stores.
func (s *Service) timestamp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
