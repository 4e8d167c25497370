package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/poten/internal/analysis"
	"github.com/ashureev/poten/internal/api"
	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/identity"
	"github.com/ashureev/poten/internal/llm"
)

// Handler serves the chat, history, session and artifact routes.
type Handler struct {
	svc     *Service
	limiter *RateLimiter
}

// NewHandler creates a chat handler. limiter may be nil to disable throttling.
func NewHandler(svc *Service, limiter *RateLimiter) *Handler {
	return &Handler{svc: svc, limiter: limiter}
}

// RegisterRoutes registers chat routes on a router mounted at /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.ListPersonas)
	r.Get("/history", h.GetHistory)
	r.Delete("/history", h.ClearHistory)

	r.Get("/sessions", h.ListSessions)
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Patch("/sessions/{id}", h.RenameSession)
	r.Delete("/sessions/{id}", h.DeleteSession)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/chat", h.Chat)
		r.Post("/chat/stream", h.ChatStream)
		r.Post("/sessions/{id}/{kind:bmc|ratings|panel}", h.GenerateArtifact)
	})
}

// rateLimit throttles LLM-backed routes per user. The key is the user ID
// only so clients cannot bypass throttling by rotating session IDs.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
			api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(w http.ResponseWriter, r *http.Request) *domain.User {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
	}
	return user
}

// writeServiceError maps service errors to status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, analysis.ErrEmptyConversation):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPromptTooLong):
		api.Error(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		api.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidArtifact):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		api.Error(w, http.StatusGatewayTimeout, "model timed out")
	case errors.Is(err, analysis.ErrInvalidArtifact), errors.Is(err, analysis.ErrNoJSON),
		errors.Is(err, llm.ErrEmptyResponse):
		slog.Warn("Model returned unusable output", "request_id", chiMiddleware.GetReqID(r.Context()), "error", err)
		api.Error(w, http.StatusBadGateway, "model returned an invalid response, please retry")
	default:
		slog.Error("Chat request failed", "request_id", chiMiddleware.GetReqID(r.Context()), "error", err)
		api.Error(w, http.StatusBadGateway, "failed to generate a response")
	}
}

func (h *Handler) decodeSend(w http.ResponseWriter, r *http.Request) (SendRequest, bool) {
	var req SendRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	} else {
		req.SessionID = identity.SanitizeSessionID(req.SessionID)
		if req.SessionID == "" {
			api.Error(w, http.StatusBadRequest, "invalid session_id")
			return req, false
		}
	}
	return req, true
}

// ListPersonas returns the available analyst personas.
func (h *Handler) ListPersonas(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string]interface{}{"personas": analysis.Personas()})
}

// GetHistory returns the conversation for the current session.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	msgs, err := h.svc.History(r.Context(), user, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// ClearHistory deletes the messages of the current session.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	n, err := h.svc.ClearHistory(r.Context(), user, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	req, ok := h.decodeSend(w, r)
	if !ok {
		return
	}

	slog.Info("Chat request",
		"user_id", user.UserID,
		"session_id", req.SessionID,
		"persona", req.Persona,
		"message_length", len(req.Message),
		"ip", identity.IPFromRequest(r),
	)
	reply, err := h.svc.Send(r.Context(), user, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, reply)
}

// ChatStream handles POST /api/chat/stream, streaming the reply via SSE.
// Validation failures are plain JSON errors; once streaming has started
// failures arrive as an "error" event.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	req, ok := h.decodeSend(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	slog.Info("Chat stream request",
		"user_id", user.UserID,
		"session_id", req.SessionID,
		"persona", req.Persona,
		"message_length", len(req.Message),
		"ip", identity.IPFromRequest(r),
	)

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	var seq int64
	reply, err := h.svc.Stream(r.Context(), user, req, func(chunk string) error {
		start()
		seq++
		data, err := json.Marshal(map[string]string{"content": chunk})
		if err != nil {
			return err
		}
		if err := writeSSEWithID(w, seq, "message", string(data)); err != nil {
			return fmt.Errorf("write SSE message: %w", err)
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			writeServiceError(w, r, err)
			return
		}
		slog.Error("Chat stream failed", "user_id", user.UserID, "error", err)
		data, _ := json.Marshal(map[string]string{"error": "failed to generate a response"})
		if writeErr := writeSSE(w, "error", string(data)); writeErr != nil {
			slog.Warn("failed to write SSE error event", "error", writeErr)
			return
		}
		flusher.Flush()
		return
	}

	start()
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Warn("failed to marshal chat reply", "error", err)
		return
	}
	if err := writeSSEWithID(w, seq+1, "done", string(data)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

// ListSessions returns the caller's named sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type item struct {
		*domain.ChatSession
		ShortTitle string `json:"short_title"`
	}
	out := make([]item, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, item{ChatSession: s, ShortTitle: s.ShortTitle()})
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

type sessionRequest struct {
	Title   string `json:"title"`
	Persona string `json:"persona"`
}

// CreateSession starts an empty named session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	var req sessionRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	sess, err := h.svc.CreateSession(r.Context(), user, req.Title, req.Persona)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusCreated, sess)
}

// GetSession returns a session and its messages.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	view, err := h.svc.GetSession(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, view)
}

// RenameSession updates a session title.
func (h *Handler) RenameSession(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	var req sessionRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	sess, err := h.svc.RenameSession(r.Context(), user, chi.URLParam(r, "id"), req.Title)
	if err != nil {
		if errors.Is(err, ErrEmptyPrompt) {
			api.Error(w, http.StatusBadRequest, "title is required")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

// DeleteSession removes a session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	if err := h.svc.DeleteSession(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateArtifact handles POST /api/sessions/{id}/{bmc|ratings|panel}.
// Panel discussions accept an optional ?rounds= query.
func (h *Handler) GenerateArtifact(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	rounds := 0
	if v := r.URL.Query().Get("rounds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "rounds must be an integer")
			return
		}
		rounds = n
	}

	kind := domain.ArtifactKind(chi.URLParam(r, "kind"))
	data, err := h.svc.GenerateArtifact(r.Context(), user, chi.URLParam(r, "id"), kind, rounds)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{
		"kind": kind,
		"data": data,
	})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
