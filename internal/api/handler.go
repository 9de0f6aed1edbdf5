package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/RichardoC/chatstore/internal/chat"
	"github.com/RichardoC/chatstore/internal/db"
	"github.com/RichardoC/chatstore/internal/models"
	"go.uber.org/zap"
)

type Handler struct {
	chat   *chat.Service
	logger *zap.Logger
}

func NewHandler(chatService *chat.Service, logger *zap.Logger) *Handler {
	return &Handler{
		chat:   chatService,
		logger: logger,
	}
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type UpdateSessionRequest struct {
	Title string `json:"title"`
}

type CreateMessageRequest struct {
	SessionID string      `json:"session_id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", h.Chat)
	mux.HandleFunc("POST /api/chat/messages", h.AddMessage)
	mux.HandleFunc("DELETE /api/chat/sessions/cleanup", h.ClearOldSessions)
	mux.HandleFunc("POST /api/chat/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/chat/sessions", h.GetSessions)
	mux.HandleFunc("GET /api/chat/sessions/{id}", h.GetSession)
	mux.HandleFunc("GET /api/chat/sessions/{id}/messages", h.GetSessionMessages)
	mux.HandleFunc("PUT /api/chat/sessions/{id}", h.UpdateSession)
	mux.HandleFunc("DELETE /api/chat/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("GET /api/chat/stats", h.GetStats)
	mux.HandleFunc("GET /healthz", h.Health)
	return mux
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	// The title is optional, so an empty body is fine.
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if utf8.RuneCountInString(req.Title) > db.MaxTitleLength {
		h.fail(w, http.StatusBadRequest, fmt.Sprintf("Title must be at most %d characters", db.MaxTitleLength))
		return
	}

	session := h.chat.CreateSession(r.Context(), req.Title)
	if session == nil {
		h.fail(w, http.StatusBadRequest, "Failed to create session")
		return
	}
	h.write(w, http.StatusCreated, Response{Success: true, Data: session, Message: "Session created successfully"})
}

func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" || req.Role == "" || req.Content == "" {
		h.fail(w, http.StatusBadRequest, "Missing required fields: session_id, role, content")
		return
	}

	message := h.chat.AddMessage(r.Context(), req.SessionID, req.Role, req.Content)
	if message == nil {
		h.fail(w, http.StatusBadRequest, "Failed to add message")
		return
	}
	h.write(w, http.StatusCreated, Response{Success: true, Data: message, Message: "Message added successfully"})
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.fail(w, http.StatusBadRequest, "Message is required")
		return
	}

	result := h.chat.Exchange(r.Context(), req.SessionID, req.Message)
	if result == nil {
		h.fail(w, http.StatusBadRequest, "Failed to process message")
		return
	}
	h.write(w, http.StatusOK, Response{Success: true, Data: result})
}

func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	limit := chat.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			h.fail(w, http.StatusBadRequest, "Limit must be a number between 1 and 100")
			return
		}
		limit = n
	}

	sessions := h.chat.GetRecentSessions(r.Context(), limit)

	h.logger.Debug("Retrieved sessions",
		zap.Int("count", len(sessions)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))

	h.write(w, http.StatusOK, Response{Success: true, Data: sessions})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session := h.chat.GetSessionWithMessages(r.Context(), r.PathValue("id"))
	if session == nil {
		h.fail(w, http.StatusNotFound, "Session not found")
		return
	}
	h.write(w, http.StatusOK, Response{Success: true, Data: session})
}

func (h *Handler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	messages := h.chat.GetSessionMessages(r.Context(), r.PathValue("id"))
	h.write(w, http.StatusOK, Response{Success: true, Data: messages})
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		h.fail(w, http.StatusBadRequest, "Title is required")
		return
	}
	if utf8.RuneCountInString(req.Title) > db.MaxTitleLength {
		h.fail(w, http.StatusBadRequest, fmt.Sprintf("Title must be at most %d characters", db.MaxTitleLength))
		return
	}

	session := h.chat.UpdateSession(r.Context(), r.PathValue("id"), req.Title)
	if session == nil {
		h.fail(w, http.StatusNotFound, "Session not found or failed to update")
		return
	}
	h.write(w, http.StatusOK, Response{Success: true, Data: session, Message: "Session updated successfully"})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.chat.DeleteSession(r.Context(), r.PathValue("id")) {
		h.fail(w, http.StatusNotFound, "Session not found or failed to delete")
		return
	}
	h.write(w, http.StatusOK, Response{Success: true, Message: "Session deleted successfully"})
}

func (h *Handler) ClearOldSessions(w http.ResponseWriter, r *http.Request) {
	keep := chat.DefaultKeepCount
	if raw := r.URL.Query().Get("keep"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > chat.MaxKeepCount {
			h.fail(w, http.StatusBadRequest, fmt.Sprintf("Keep must be a number between 1 and %d", chat.MaxKeepCount))
			return
		}
		keep = n
	}

	if !h.chat.ClearOldSessions(r.Context(), keep) {
		h.fail(w, http.StatusBadRequest, "Failed to clear old sessions")
		return
	}
	h.write(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Old sessions cleared, keeping %d recent sessions", keep),
	})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.chat.GetStats(r.Context())
	if stats == nil {
		h.fail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.write(w, http.StatusOK, Response{Success: true, Data: stats})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.chat.Healthy(r.Context()) {
		h.fail(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	h.write(w, http.StatusOK, Response{Success: true, Message: "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	h.write(w, status, Response{Success: false, Error: msg})
}

func (h *Handler) write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
