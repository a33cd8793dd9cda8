package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/schellrw/IFS-assistant/internal/conversation"
	"github.com/schellrw/IFS-assistant/internal/embedding"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers. Callers are expected to
// have checked that the requester owns the system or part they name.
type Handler struct {
	svc     *conversation.Service
	backend string
	logger  *zap.Logger
}

// NewHandler creates a new API handler. backend names the storage adapter
// for the health report.
func NewHandler(svc *conversation.Service, backend string, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, backend: backend, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/parts/{partID}/conversations", h.createConversation)
		r.Get("/parts/{partID}/conversations", h.listConversations)
		r.Post("/parts/{partID}/personality-vectors", h.generatePersonalityVectors)
		r.Get("/parts/similar", h.findSimilarParts)

		r.Get("/conversations/search", h.searchConversations)
		r.Get("/conversations/{id}", h.getConversation)
		r.Delete("/conversations/{id}", h.deleteConversation)
		r.Post("/conversations/{id}/messages", h.addMessage)
		r.Post("/conversations/{id}/respond", h.respond)

		r.Post("/messages/similar", h.findSimilarMessages)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"storage":    h.backend,
		"embedding":  h.svc.EmbeddingAvailable(r.Context()),
		"generation": h.svc.GenerationAvailable(),
	})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conv, err := h.svc.CreateConversation(r.Context(), chi.URLParam(r, "partID"), req.Title)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.ListConversations(r.Context(), chi.URLParam(r, "partID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type addMessageRequest struct {
	Content     string `json:"content"`
	Message     string `json:"message"`
	AutoRespond *bool  `json:"auto_respond"`
}

func (h *Handler) addMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content := req.Content
	if content == "" {
		content = req.Message
	}
	autoRespond := req.AutoRespond == nil || *req.AutoRespond

	result, err := h.svc.AddMessage(r.Context(), chi.URLParam(r, "id"), content, autoRespond)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.RespondToLatest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) searchConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := limitParam(w, q.Get("limit"))
	if !ok {
		return
	}
	results, err := h.svc.SearchConversations(r.Context(), q.Get("query"), q.Get("system_id"), q.Get("search_type"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type similarRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

func (h *Handler) findSimilarMessages(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := h.svc.FindSimilarMessages(r.Context(), req.Text, req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type personalityRequest struct {
	Attributes map[string]string `json:"attributes"`
}

func (h *Handler) generatePersonalityVectors(w http.ResponseWriter, r *http.Request) {
	var req personalityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	batch, err := h.svc.GeneratePersonalityVectors(r.Context(), chi.URLParam(r, "partID"), req.Attributes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (h *Handler) findSimilarParts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := limitParam(w, q.Get("limit"))
	if !ok {
		return
	}
	matches, err := h.svc.FindSimilarParts(r.Context(), q.Get("text"), q.Get("system_id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parts": matches})
}

// writeError maps service errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ve *conversation.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Message, "field": ve.Field})
	case errors.Is(err, conversation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, embedding.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": "body"})
		return false
	}
	return true
}

// limitParam parses an optional limit, capped at conversation.MaxLimit.
func limitParam(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer", "field": "limit"})
		return 0, false
	}
	return min(n, conversation.MaxLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
