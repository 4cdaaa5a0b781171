package triage

import (
	_ "embed"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

//go:embed prompt/system.md
var systemPromptRaw string

// Policy decides which urgency declaration wins when a reply holds several
type Policy string

const (
	// PolicyLastStatement keeps the last recognised declaration in reading order
	PolicyLastStatement Policy = "last"
	// PolicyHighestSeverity keeps the most severe recognised declaration
	PolicyHighestSeverity Policy = "highest"
)

// Keywords are the phrases the extractor looks for. Matching is case
// insensitive.
type Keywords struct {
	UrgencyMarkers        []string `yaml:"urgency_markers"`
	Critical              []string `yaml:"critical"`
	Moderate              []string `yaml:"moderate"`
	Low                   []string `yaml:"low"`
	RecommendationMarkers []string `yaml:"recommendation_markers"`
}

// Protocol is the fixed setup of a triage dialogue
type Protocol struct {
	SystemInstruction string   `yaml:"system_instruction"`
	Temperature       float32  `yaml:"temperature"`
	WelcomeMessage    string   `yaml:"welcome_message"`
	ResetMessage      string   `yaml:"reset_message"`
	ErrorMessage      string   `yaml:"error_message"`
	ResetPrompt       string   `yaml:"reset_prompt"`
	Suggestions       []string `yaml:"suggestions"`
	Keywords          Keywords `yaml:"keywords"`
	Policy            Policy   `yaml:"policy"`
}

// DefaultKeywords returns the French keywords of the triage protocol
func DefaultKeywords() Keywords {
	return Keywords{
		UrgencyMarkers:        []string{"niveau d'urgence", "niveau :"},
		Critical:              []string{"critique"},
		Moderate:              []string{"modérée", "modere"},
		Low:                   []string{"faible"},
		RecommendationMarkers: []string{"recommandation", "action à suivre"},
	}
}

// DefaultProtocol returns the built-in triage protocol
func DefaultProtocol() *Protocol {
	return &Protocol{
		SystemInstruction: systemPromptRaw,
		Temperature:       0.7,
		WelcomeMessage: "Bonjour ! Je suis votre assistant de triage médical. Quel est votre symptôme principal aujourd'hui ?\n\n" +
			"Pour m'aider, précisez également votre âge, votre sexe et depuis combien de temps vous ressentez cela.",
		ResetMessage: "Bonjour ! Je suis votre assistant de triage médical. Quel est votre symptôme principal aujourd'hui ?",
		ErrorMessage: "Désolé, une erreur est survenue lors de la communication avec l'assistant.",
		ResetPrompt:  "Voulez-vous vraiment recommencer la consultation ?",
		Suggestions: []string{
			"Fièvre",
			"Douleur à la poitrine",
			"Maux de tête",
			"Difficulté à respirer",
		},
		Keywords: DefaultKeywords(),
		Policy:   PolicyLastStatement,
	}
}

// LoadProtocol reads a YAML file on top of the default protocol. Keys absent
// from the file keep their default value.
func LoadProtocol(path string) (*Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read protocol file", goerr.V("path", path))
	}

	p := DefaultProtocol()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, goerr.Wrap(err, "failed to parse protocol file", goerr.V("path", path))
	}

	if err := p.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid protocol file", goerr.V("path", path))
	}
	return p, nil
}

// Validate checks the protocol is usable
func (p *Protocol) Validate() error {
	if p.SystemInstruction == "" {
		return goerr.New("system_instruction is empty")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return goerr.New("temperature must be between 0 and 2", goerr.V("temperature", p.Temperature))
	}
	switch p.Policy {
	case PolicyLastStatement, PolicyHighestSeverity:
	default:
		return goerr.New("invalid policy", goerr.V("policy", p.Policy))
	}
	if len(p.Keywords.UrgencyMarkers) == 0 {
		return goerr.New("keywords.urgency_markers is empty")
	}
	if len(p.Keywords.RecommendationMarkers) == 0 {
		return goerr.New("keywords.recommendation_markers is empty")
	}
	return nil
}
