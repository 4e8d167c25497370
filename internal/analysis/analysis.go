// Package analysis turns a conversation about a startup idea into model
// output: persona-voiced analyses and structured artifacts.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/llm"
)

// Panel round bounds.
const (
	DefaultPanelRounds = 2
	MaxPanelRounds     = 4
)

var (
	// ErrEmptyConversation is returned when there is nothing from the user to analyze.
	ErrEmptyConversation = errors.New("conversation has no user messages")

	// ErrInvalidArtifact is returned when the model produced JSON that does not
	// satisfy the artifact's shape.
	ErrInvalidArtifact = errors.New("invalid artifact")
)

// Limits bound the history sent to the model.
type Limits struct {
	Messages int
	Tokens   int
}

// Service generates analyses and artifacts.
type Service struct {
	client llm.Client
	limits Limits
}

// NewService creates an analysis service.
func NewService(client llm.Client, limits Limits) *Service {
	return &Service{client: client, limits: limits}
}

func (s *Service) prepare(history []domain.StoredMessage) ([]llm.Message, error) {
	msgs := make([]llm.Message, 0, len(history))
	hasUser := false
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			hasUser = true
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	if !hasUser {
		return nil, ErrEmptyConversation
	}
	return llm.TrimHistory(msgs, s.limits.Tokens, s.limits.Messages), nil
}

// Analyze returns the persona's free-text analysis of the conversation.
func (s *Service) Analyze(ctx context.Context, persona string, history []domain.StoredMessage) (string, error) {
	msgs, err := s.prepare(history)
	if err != nil {
		return "", err
	}
	out, err := s.client.Complete(ctx, llm.Request{
		Kind:     "chat",
		System:   chatSystemPrompt(LookupPersona(persona)),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("analyze: %w", err)
	}
	return out, nil
}

// StreamAnalyze is Analyze, delivered in chunks.
func (s *Service) StreamAnalyze(ctx context.Context, persona string, history []domain.StoredMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs, err := s.prepare(history)
		if err != nil {
			yield("", err)
			return
		}
		req := llm.Request{
			Kind:     "chat",
			System:   chatSystemPrompt(LookupPersona(persona)),
			Messages: msgs,
		}
		for chunk, err := range s.client.Stream(ctx, req) {
			if err != nil {
				yield("", fmt.Errorf("analyze stream: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (s *Service) structured(ctx context.Context, kind, prompt string, temp float32, history []domain.StoredMessage, v any) error {
	msgs, err := s.prepare(history)
	if err != nil {
		return err
	}
	out, err := s.client.Complete(ctx, llm.Request{
		Kind:        kind,
		System:      structuredSystemPrompt(prompt),
		Messages:    msgs,
		JSON:        true,
		Temperature: llm.Temperature(temp),
	})
	if err != nil {
		return fmt.Errorf("generate %s: %w", kind, err)
	}
	raw, err := ExtractJSON(out)
	if err != nil {
		return fmt.Errorf("generate %s: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidArtifact, kind, err)
	}
	return nil
}

// GenerateBMC summarizes the conversation as a Business Model Canvas.
func (s *Service) GenerateBMC(ctx context.Context, history []domain.StoredMessage) (*domain.BusinessModelCanvas, error) {
	var bmc domain.BusinessModelCanvas
	if err := s.structured(ctx, string(domain.ArtifactBMC), bmcPrompt, 0.3, history, &bmc); err != nil {
		return nil, err
	}
	if missing := bmc.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: bmc missing %s", ErrInvalidArtifact, strings.Join(missing, ", "))
	}
	return &bmc, nil
}

type rawRatings struct {
	Scores map[string]struct {
		Score   float64 `json:"score"`
		Comment string  `json:"comment"`
	} `json:"scores"`
	Overall *float64 `json:"overall"`
	Summary string   `json:"summary"`
}

// GenerateRatings scores the idea on every radar-chart axis.
func (s *Service) GenerateRatings(ctx context.Context, history []domain.StoredMessage) (*domain.Ratings, error) {
	var raw rawRatings
	if err := s.structured(ctx, string(domain.ArtifactRatings), ratingsPrompt, 0.2, history, &raw); err != nil {
		return nil, err
	}
	return normalizeRatings(raw)
}

func normalizeRatings(raw rawRatings) (*domain.Ratings, error) {
	out := &domain.Ratings{
		Scores:  make([]domain.AxisScore, 0, len(domain.RatingAxes)),
		Summary: raw.Summary,
	}
	sum := 0
	for _, axis := range domain.RatingAxes {
		v, ok := raw.Scores[axis]
		if !ok {
			return nil, fmt.Errorf("%w: ratings missing axis %s", ErrInvalidArtifact, axis)
		}
		score := clampScore(v.Score)
		sum += score
		out.Scores = append(out.Scores, domain.AxisScore{Axis: axis, Score: score, Comment: v.Comment})
	}

	if raw.Overall != nil {
		out.Overall = clampScore(*raw.Overall)
	} else {
		out.Overall = int(math.Round(float64(sum) / float64(len(domain.RatingAxes))))
	}
	return out, nil
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

// GeneratePanel stages a debate between the personas. rounds <= 0 selects
// the default; values above MaxPanelRounds are capped.
func (s *Service) GeneratePanel(ctx context.Context, history []domain.StoredMessage, rounds int) (*domain.PanelDiscussion, error) {
	rounds = PanelRounds(rounds)

	var panel domain.PanelDiscussion
	prompt := fmt.Sprintf(panelPrompt, rounds)
	if err := s.structured(ctx, string(domain.ArtifactPanel), prompt, 0.8, history, &panel); err != nil {
		return nil, err
	}
	if len(panel.Turns) == 0 {
		return nil, fmt.Errorf("%w: panel has no turns", ErrInvalidArtifact)
	}
	if limit := rounds * len(personaOrder); len(panel.Turns) > limit {
		return nil, fmt.Errorf("%w: panel has %d turns, want at most %d", ErrInvalidArtifact, len(panel.Turns), limit)
	}
	spoke := make(map[string]bool, len(personaOrder))
	for i := range panel.Turns {
		turn := &panel.Turns[i]
		turn.Persona = strings.ToLower(strings.TrimSpace(turn.Persona))
		if !KnownPersona(turn.Persona) {
			return nil, fmt.Errorf("%w: panel turn %d has unknown persona %q", ErrInvalidArtifact, i, turn.Persona)
		}
		turn.Speaker = personas[turn.Persona].Name
		spoke[turn.Persona] = true
	}
	for _, id := range personaOrder {
		if !spoke[id] {
			return nil, fmt.Errorf("%w: panelist %q never speaks", ErrInvalidArtifact, id)
		}
	}
	return &panel, nil
}

// PanelRounds normalizes a requested round count.
func PanelRounds(rounds int) int {
	switch {
	case rounds <= 0:
		return DefaultPanelRounds
	case rounds > MaxPanelRounds:
		return MaxPanelRounds
	}
	return rounds
}
