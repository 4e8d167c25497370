package analysis

// Persona identifiers.
const (
	PersonaGeneral  = "general"
	PersonaVC       = "vc"
	PersonaMarketer = "marketer"
)

// Persona is an analyst voice the user can pick.
type Persona struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	identity    string
}

var personaOrder = []string{PersonaGeneral, PersonaVC, PersonaMarketer}

var personas = map[string]Persona{
	PersonaGeneral: {
		ID:          PersonaGeneral,
		Name:        "Startup Consultant",
		Description: "Balanced, objective review of overall viability.",
		identity: `You are a professional startup consultant with a balanced perspective.
Tone: professional, encouraging and polite.
Approach: assess the overall feasibility of the business evenly and objectively.`,
	},
	PersonaVC: {
		ID:          PersonaVC,
		Name:        "Venture Capitalist",
		Description: "Blunt, numbers-first scrutiny of the business model and risks.",
		identity: `You are a cool-headed, critical venture capitalist.
Tone: direct and sharp, facts only. No empty praise.
Approach:
- Validate the revenue model and market size (TAM/SAM/SOM) before anything else.
- Dig relentlessly into risks and competitive advantage.
- On the last line, give an **Investment attractiveness score (0-100)** with a one-line reason.`,
	},
	PersonaMarketer: {
		ID:          PersonaMarketer,
		Name:        "Viral Marketer",
		Description: "Trend-driven branding, hooks and content strategy.",
		identity: `You are a trend-savvy viral marketing expert.
Tone: lively and energetic.
Approach:
- Find the target customer's hidden desires and the viral hook.
- Propose branding and killer-content strategies that stand apart from competitors.
- On the last line, give a **Viral score (0-100)** with a one-line playful reason.`,
	},
}

// Personas lists the available personas in display order.
func Personas() []Persona {
	out := make([]Persona, 0, len(personaOrder))
	for _, id := range personaOrder {
		out = append(out, personas[id])
	}
	return out
}

// LookupPersona returns the persona for id, falling back to general.
func LookupPersona(id string) Persona {
	if p, ok := personas[id]; ok {
		return p
	}
	return personas[PersonaGeneral]
}

// KnownPersona reports whether id names a persona.
func KnownPersona(id string) bool {
	_, ok := personas[id]
	return ok
}
