package domain

import "strings"

// BusinessModelCanvas holds the nine canvas blocks.
type BusinessModelCanvas struct {
	KeyPartners           string `json:"key_partners"`
	KeyActivities         string `json:"key_activities"`
	KeyResources          string `json:"key_resources"`
	ValuePropositions     string `json:"value_propositions"`
	CustomerRelationships string `json:"customer_relationships"`
	Channels              string `json:"channels"`
	CustomerSegments      string `json:"customer_segments"`
	CostStructure         string `json:"cost_structure"`
	RevenueStreams        string `json:"revenue_streams"`
}

// Missing returns the JSON names of empty or blank canvas blocks.
func (b *BusinessModelCanvas) Missing() []string {
	fields := []struct {
		name  string
		value string
	}{
		{"key_partners", b.KeyPartners},
		{"key_activities", b.KeyActivities},
		{"key_resources", b.KeyResources},
		{"value_propositions", b.ValuePropositions},
		{"customer_relationships", b.CustomerRelationships},
		{"channels", b.Channels},
		{"customer_segments", b.CustomerSegments},
		{"cost_structure", b.CostStructure},
		{"revenue_streams", b.RevenueStreams},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// RatingAxes are the radar-chart dimensions, in display order.
var RatingAxes = []string{
	"market_size",
	"growth_potential",
	"competition",
	"feasibility",
	"profitability",
	"innovation",
}

// AxisScore is one radar-chart point.
type AxisScore struct {
	Axis    string `json:"axis"`
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// Ratings is the radar-chart scoring of an idea.
type Ratings struct {
	Scores  []AxisScore `json:"scores"`
	Overall int         `json:"overall"`
	Summary string      `json:"summary,omitempty"`
}

// PanelTurn is one utterance in a panel discussion.
type PanelTurn struct {
	Persona string `json:"persona"`
	Speaker string `json:"speaker"`
	Message string `json:"message"`
}

// PanelDiscussion is a scripted multi-persona debate about the idea.
type PanelDiscussion struct {
	Topic   string      `json:"topic"`
	Turns   []PanelTurn `json:"turns"`
	Verdict string      `json:"verdict,omitempty"`
}
