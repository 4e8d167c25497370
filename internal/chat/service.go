// Package chat persists conversations and serves the analysis chat API.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/poten/internal/analysis"
	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/store"
)

// GreetingID identifies the synthetic first message of an empty conversation.
const GreetingID = "greeting"

// MaxPromptRunes bounds a single user message.
const MaxPromptRunes = 8000

var (
	ErrEmptyPrompt     = errors.New("message is required")
	ErrPromptTooLong   = errors.New("message is too long")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidArtifact = errors.New("unknown artifact kind")
)

// Config tunes Service.
type Config struct {
	Greeting     string
	HistoryLimit int
	LLMTimeout   time.Duration
}

// Service implements chat history, named sessions and artifact generation.
type Service struct {
	repo store.Repository
	gen  *analysis.Service
	cfg  Config
	log  ConversationLogger
	now  func() time.Time
}

// NewService creates a chat service. convLog may be nil.
func NewService(repo store.Repository, gen *analysis.Service, cfg Config, convLog ConversationLogger) *Service {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "What can I help you with?"
	}
	return &Service{repo: repo, gen: gen, cfg: cfg, log: convLog, now: time.Now}
}

// SendRequest is one user turn.
type SendRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Persona   string `json:"persona,omitempty"`
	Message   string `json:"message"`
	// NewSession asks for a named session to be created when SessionID is
	// empty or does not exist yet.
	NewSession bool `json:"new_session,omitempty"`
}

// Reply is the outcome of a successful turn.
type Reply struct {
	Message *domain.ChatMessage `json:"message"`
	Session *domain.ChatSession `json:"session,omitempty"`
}

type turn struct {
	user    *domain.User
	session *domain.ChatSession
	persona string
	history []domain.StoredMessage
}

func (t *turn) sessionID() string {
	if t.session == nil {
		return ""
	}
	return t.session.ID
}

func (s *Service) llmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LLMTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.LLMTimeout)
}

// ensureSession resolves the session for a turn; nil means the unnamed
// conversation.
func (s *Service) ensureSession(ctx context.Context, user *domain.User, req SendRequest, prompt string) (*domain.ChatSession, error) {
	if req.SessionID == "" && !req.NewSession {
		return nil, nil
	}
	if req.SessionID != "" {
		sess, err := s.repo.GetSession(ctx, user.UserID, req.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if !req.NewSession {
			return nil, ErrSessionNotFound
		}
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	sess := &domain.ChatSession{
		ID:        id,
		UserID:    user.UserID,
		Title:     domain.TitleFromPrompt(prompt),
		Persona:   req.Persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		// The ID belongs to another user.
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Chat session created", "user_id", user.UserID, "session_id", id)
	return sess, nil
}

// begin validates the prompt, persists it and loads the history for the model.
func (s *Service) begin(ctx context.Context, user *domain.User, req SendRequest, channel string) (*turn, error) {
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if utf8.RuneCountInString(prompt) > MaxPromptRunes {
		return nil, ErrPromptTooLong
	}

	sess, err := s.ensureSession(ctx, user, req, prompt)
	if err != nil {
		return nil, err
	}

	persona := req.Persona
	if persona == "" && sess != nil {
		persona = sess.Persona
	}
	persona = analysis.LookupPersona(persona).ID

	t := &turn{user: user, session: sess, persona: persona}
	msg := &domain.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    user.UserID,
		Email:     user.Email,
		Name:      user.Name,
		SessionID: t.sessionID(),
		Role:      domain.RoleUser,
		Content:   prompt,
		Persona:   persona,
		Timestamp: s.now(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	s.log.Log(ConversationLogEvent{
		UserID:     user.UserID,
		SessionID:  t.sessionID(),
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		Persona:    persona,
		ContentRaw: prompt,
	})

	msgs, err := s.repo.ListMessages(ctx, user.UserID, t.sessionID(), s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	t.history = domain.Turns(msgs)
	return t, nil
}

// finish persists the assistant reply and bumps the session.
func (s *Service) finish(ctx context.Context, t *turn, content, channel string, meta map[string]any) (*Reply, error) {
	msg := &domain.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    t.user.UserID,
		Email:     t.user.Email,
		Name:      t.user.Name,
		SessionID: t.sessionID(),
		Role:      domain.RoleAssistant,
		Content:   content,
		Persona:   t.persona,
		Timestamp: s.now(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	if t.session != nil {
		if err := s.repo.TouchSession(ctx, t.user.UserID, t.session.ID, msg.Timestamp); err != nil {
			slog.Warn("Failed to touch session", "session_id", t.session.ID, "error", err)
		}
		t.session.UpdatedAt = msg.Timestamp
	}
	s.logAssistant(t, content, channel, meta)
	return &Reply{Message: msg, Session: t.session}, nil
}

func (s *Service) logAssistant(t *turn, content, channel string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		UserID:     t.user.UserID,
		SessionID:  t.sessionID(),
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		Persona:    t.persona,
		ContentRaw: content,
		Meta:       meta,
	})
}

// Send runs one turn and returns the stored assistant reply. When the model
// fails the user message stays persisted and the error is returned.
func (s *Service) Send(ctx context.Context, user *domain.User, req SendRequest) (*Reply, error) {
	t, err := s.begin(ctx, user, req, "chat_http")
	if err != nil {
		return nil, err
	}

	llmCtx, cancel := s.llmContext(ctx)
	defer cancel()
	content, err := s.gen.Analyze(llmCtx, t.persona, t.history)
	if err != nil {
		s.logAssistant(t, "", "chat_http", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	return s.finish(ctx, t, content, "chat_http", nil)
}

// Stream runs one turn, handing each chunk to onChunk as it arrives. The
// full reply is stored once the stream completes. Returning an error from
// onChunk aborts the turn without storing a reply.
func (s *Service) Stream(ctx context.Context, user *domain.User, req SendRequest, onChunk func(string) error) (*Reply, error) {
	t, err := s.begin(ctx, user, req, "chat_sse")
	if err != nil {
		return nil, err
	}

	llmCtx, cancel := s.llmContext(ctx)
	defer cancel()

	var sb strings.Builder
	chunks := 0
	for chunk, err := range s.gen.StreamAnalyze(llmCtx, t.persona, t.history) {
		if err != nil {
			s.logAssistant(t, sb.String(), "chat_sse", map[string]any{
				"stream_chunks": chunks, "partial": true, "stream_error": err.Error(),
			})
			return nil, fmt.Errorf("generate reply: %w", err)
		}
		chunks++
		sb.WriteString(chunk)
		if err := onChunk(chunk); err != nil {
			s.logAssistant(t, sb.String(), "chat_sse", map[string]any{
				"stream_chunks": chunks, "partial": true, "stream_error": err.Error(),
			})
			return nil, err
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("generate reply: empty response")
	}
	return s.finish(ctx, t, sb.String(), "chat_sse", map[string]any{"stream_chunks": chunks})
}

// History returns the conversation, or a single greeting when it is empty.
func (s *Service) History(ctx context.Context, user *domain.User, sessionID string) ([]domain.ChatMessage, error) {
	if sessionID != "" {
		if _, err := s.getSession(ctx, user, sessionID); err != nil {
			return nil, err
		}
	}
	msgs, err := s.repo.ListMessages(ctx, user.UserID, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(msgs) == 0 {
		return []domain.ChatMessage{s.greeting(sessionID)}, nil
	}
	return msgs, nil
}

func (s *Service) greeting(sessionID string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        GreetingID,
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   s.cfg.Greeting,
		Timestamp: s.now(),
	}
}

// ClearHistory deletes the unnamed conversation or a session's messages.
func (s *Service) ClearHistory(ctx context.Context, user *domain.User, sessionID string) (int64, error) {
	if sessionID != "" {
		if _, err := s.getSession(ctx, user, sessionID); err != nil {
			return 0, err
		}
	}
	n, err := s.repo.DeleteMessages(ctx, user.UserID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return n, nil
}

func (s *Service) getSession(ctx context.Context, user *domain.User, sessionID string) (*domain.ChatSession, error) {
	sess, err := s.repo.GetSession(ctx, user.UserID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the caller's sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, user *domain.User) ([]*domain.ChatSession, error) {
	sessions, err := s.repo.ListSessions(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession starts an empty named session.
func (s *Service) CreateSession(ctx context.Context, user *domain.User, title, persona string) (*domain.ChatSession, error) {
	title = domain.TitleFromPrompt(title)
	if persona != "" {
		persona = analysis.LookupPersona(persona).ID
	}
	now := s.now()
	sess := &domain.ChatSession{
		ID:        uuid.NewString(),
		UserID:    user.UserID,
		Title:     title,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// SessionView is a session with its conversation.
type SessionView struct {
	Session  *domain.ChatSession  `json:"session"`
	Messages []domain.ChatMessage `json:"messages"`
}

// GetSession loads a session and its history.
func (s *Service) GetSession(ctx context.Context, user *domain.User, sessionID string) (*SessionView, error) {
	sess, err := s.getSession(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.History(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: sess, Messages: msgs}, nil
}

// RenameSession changes a session title.
func (s *Service) RenameSession(ctx context.Context, user *domain.User, sessionID, title string) (*domain.ChatSession, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyPrompt
	}
	err := s.repo.RenameSession(ctx, user.UserID, sessionID, domain.TitleFromPrompt(title))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rename session: %w", err)
	}
	return s.getSession(ctx, user, sessionID)
}

// DeleteSession removes a session with its messages and artifacts.
func (s *Service) DeleteSession(ctx context.Context, user *domain.User, sessionID string) error {
	err := s.repo.DeleteSession(ctx, user.UserID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// GenerateArtifact builds a structured document from a session's conversation
// and stores it on the session. rounds applies to panel discussions only.
func (s *Service) GenerateArtifact(ctx context.Context, user *domain.User, sessionID string, kind domain.ArtifactKind, rounds int) (json.RawMessage, error) {
	if !kind.Valid() {
		return nil, ErrInvalidArtifact
	}
	if _, err := s.getSession(ctx, user, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, user.UserID, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := domain.Turns(msgs)

	llmCtx, cancel := s.llmContext(ctx)
	defer cancel()

	var artifact any
	switch kind {
	case domain.ArtifactBMC:
		artifact, err = s.gen.GenerateBMC(llmCtx, history)
	case domain.ArtifactRatings:
		artifact, err = s.gen.GenerateRatings(llmCtx, history)
	case domain.ArtifactPanel:
		artifact, err = s.gen.GeneratePanel(llmCtx, history, rounds)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := s.repo.SaveArtifact(ctx, user.UserID, sessionID, kind, data); err != nil {
		return nil, fmt.Errorf("save %s: %w", kind, err)
	}
	slog.Info("Artifact generated", "user_id", user.UserID, "session_id", sessionID, "kind", kind)
	return data, nil
}
