package analysis

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/llm"
)

type fakeLLM struct {
	reply  string
	chunks []string
	err    error
	last   llm.Request
}

func (f *fakeLLM) Provider() string { return "fake" }

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.last = req
	return f.reply, f.err
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request) iter.Seq2[string, error] {
	f.last = req
	return func(yield func(string, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

var idea = []domain.StoredMessage{
	{Role: domain.RoleAssistant, Content: "What can I help you with?"},
	{Role: domain.RoleUser, Content: "A subscription service for pet food delivery"},
}

func TestAnalyzeUsesPersonaPrompt(t *testing.T) {
	f := &fakeLLM{reply: "analysis"}
	svc := NewService(f, Limits{Messages: 10, Tokens: 1000})

	out, err := svc.Analyze(context.Background(), PersonaVC, idea)
	require.NoError(t, err)
	assert.Equal(t, "analysis", out)
	assert.Contains(t, f.last.System, "venture capitalist")
	assert.Contains(t, f.last.System, "SWOT")
	assert.False(t, f.last.JSON)

	// The leading greeting is dropped so the model sees a user turn first.
	require.Len(t, f.last.Messages, 1)
	assert.Equal(t, llm.RoleUser, f.last.Messages[0].Role)
}

func TestAnalyzeUnknownPersonaFallsBack(t *testing.T) {
	f := &fakeLLM{reply: "ok"}
	svc := NewService(f, Limits{})

	_, err := svc.Analyze(context.Background(), "astrologer", idea)
	require.NoError(t, err)
	assert.Contains(t, f.last.System, "startup consultant")
}

func TestEmptyConversation(t *testing.T) {
	svc := NewService(&fakeLLM{}, Limits{})
	onlyGreeting := idea[:1]

	_, err := svc.Analyze(context.Background(), PersonaGeneral, onlyGreeting)
	assert.ErrorIs(t, err, ErrEmptyConversation)

	_, err = svc.GenerateBMC(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyConversation)

	for _, err := range svc.StreamAnalyze(context.Background(), PersonaGeneral, nil) {
		assert.ErrorIs(t, err, ErrEmptyConversation)
	}
}

func TestStreamAnalyze(t *testing.T) {
	boom := errors.New("upstream closed")
	f := &fakeLLM{chunks: []string{"Hello", " world"}, err: boom}
	svc := NewService(f, Limits{})

	var sb strings.Builder
	var streamErr error
	for chunk, err := range svc.StreamAnalyze(context.Background(), PersonaMarketer, idea) {
		if err != nil {
			streamErr = err
			break
		}
		sb.WriteString(chunk)
	}
	assert.Equal(t, "Hello world", sb.String())
	assert.ErrorIs(t, streamErr, boom)
}

func TestGenerateBMC(t *testing.T) {
	full := "```json\n" + `{"key_partners":"vets","key_activities":"delivery","key_resources":"warehouse",
"value_propositions":"never run out","customer_relationships":"app","channels":"web",
"customer_segments":"pet owners","cost_structure":"logistics","revenue_streams":"subscriptions"}` + "\n```"

	f := &fakeLLM{reply: full}
	svc := NewService(f, Limits{})
	bmc, err := svc.GenerateBMC(context.Background(), idea)
	require.NoError(t, err)
	assert.Equal(t, "pet owners", bmc.CustomerSegments)
	assert.True(t, f.last.JSON)
	assert.Equal(t, "bmc", f.last.Kind)

	f.reply = `{"key_partners":"vets"}`
	_, err = svc.GenerateBMC(context.Background(), idea)
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	f.reply = "I cannot do that."
	_, err = svc.GenerateBMC(context.Background(), idea)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestGenerateRatings(t *testing.T) {
	f := &fakeLLM{reply: `{"scores":{"market_size":{"score":120},"growth_potential":{"score":80},
"competition":{"score":-5},"feasibility":{"score":70},"profitability":{"score":60},
"innovation":{"score":50,"comment":"incremental"}},"summary":"solid"}`}
	svc := NewService(f, Limits{})

	r, err := svc.GenerateRatings(context.Background(), idea)
	require.NoError(t, err)
	require.Len(t, r.Scores, len(domain.RatingAxes))
	assert.Equal(t, "market_size", r.Scores[0].Axis)
	assert.Equal(t, 100, r.Scores[0].Score)
	assert.Equal(t, 0, r.Scores[2].Score)
	assert.Equal(t, "incremental", r.Scores[5].Comment)
	// (100+80+0+70+60+50)/6 = 60
	assert.Equal(t, 60, r.Overall)

	f.reply = `{"scores":{"market_size":{"score":50}},"overall":40}`
	_, err = svc.GenerateRatings(context.Background(), idea)
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

func TestNormalizeRatingsKeepsExplicitOverall(t *testing.T) {
	raw := rawRatings{Scores: map[string]struct {
		Score   float64 `json:"score"`
		Comment string  `json:"comment"`
	}{}}
	for _, axis := range domain.RatingAxes {
		raw.Scores[axis] = struct {
			Score   float64 `json:"score"`
			Comment string  `json:"comment"`
		}{Score: 10}
	}
	overall := 150.0
	raw.Overall = &overall

	r, err := normalizeRatings(raw)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Overall)
}

func TestGeneratePanel(t *testing.T) {
	f := &fakeLLM{reply: `Sure! {"topic":"pet food","turns":[
{"persona":"vc","message":"Margins?"},{"persona":"Marketer","message":"Cute dogs sell."},
{"persona":"general","message":"Start local."}],"verdict":"pilot first"}`}
	svc := NewService(f, Limits{})

	p, err := svc.GeneratePanel(context.Background(), idea, 0)
	require.NoError(t, err)
	require.Len(t, p.Turns, 3)
	assert.Equal(t, "Venture Capitalist", p.Turns[0].Speaker)
	assert.Equal(t, PersonaMarketer, p.Turns[1].Persona)
	assert.Contains(t, f.last.System, "Write 2 rounds")

	_, err = svc.GeneratePanel(context.Background(), idea, 9)
	require.NoError(t, err)
	assert.Contains(t, f.last.System, "Write 4 rounds")

	f.reply = `{"topic":"x","turns":[{"persona":"lawyer","message":"objection"}]}`
	_, err = svc.GeneratePanel(context.Background(), idea, 1)
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	f.reply = `{"topic":"x","turns":[]}`
	_, err = svc.GeneratePanel(context.Background(), idea, 1)
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

func TestGeneratePanelRejectsLopsidedDiscussions(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"single speaker", `{"topic":"x","turns":[
{"persona":"vc","message":"a"},{"persona":"vc","message":"b"},{"persona":"vc","message":"c"}]}`},
		{"too many turns for one round", `{"topic":"x","turns":[
{"persona":"vc","message":"a"},{"persona":"marketer","message":"b"},
{"persona":"general","message":"c"},{"persona":"vc","message":"d"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&fakeLLM{reply: tt.reply}, Limits{})
			_, err := svc.GeneratePanel(context.Background(), idea, 1)
			assert.ErrorIs(t, err, ErrInvalidArtifact)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", `Here you go: {"a":{"b":2}} hope it helps {"c":3}`, `{"a":{"b":2}}`},
		{"braces in strings", `{"a":"}{","b":"\"}"}`, `{"a":"}{","b":"\"}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExtractJSON(`{"unterminated":`)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestPersonas(t *testing.T) {
	ps := Personas()
	require.Len(t, ps, 3)
	assert.Equal(t, PersonaGeneral, ps[0].ID)
	assert.True(t, KnownPersona("vc"))
	assert.False(t, KnownPersona(""))
	assert.Equal(t, PersonaGeneral, LookupPersona("").ID)
}
