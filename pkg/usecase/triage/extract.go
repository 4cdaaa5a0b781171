package triage

import (
	"strings"

	"github.com/m-mizutani/triage/pkg/model"
)

// Evaluation is the structure extracted from an assistant reply
type Evaluation struct {
	Level          model.UrgencyLevel
	Recommendation string
}

// Extractor scans assistant replies line by line for the urgency and
// recommendation declarations of the protocol.
type Extractor struct {
	urgencyMarkers        []string
	critical              []string
	moderate              []string
	low                   []string
	recommendationMarkers []string
	policy                Policy
}

var defaultExtractor = NewExtractor(DefaultKeywords(), PolicyLastStatement)

// NewExtractor creates an Extractor. An empty policy means PolicyLastStatement.
func NewExtractor(kw Keywords, policy Policy) *Extractor {
	if policy == "" {
		policy = PolicyLastStatement
	}
	return &Extractor{
		urgencyMarkers:        normalizeAll(kw.UrgencyMarkers),
		critical:              normalizeAll(kw.Critical),
		moderate:              normalizeAll(kw.Moderate),
		low:                   normalizeAll(kw.Low),
		recommendationMarkers: normalizeAll(kw.RecommendationMarkers),
		policy:                policy,
	}
}

// Extract scans text with the default French keywords and last statement wins
func Extract(text string) Evaluation {
	return defaultExtractor.Extract(text)
}

// Extract returns the urgency level and the recommendation declared in text.
// Level is UrgencyUnknown and Recommendation is empty when nothing matched.
func (x *Extractor) Extract(text string) Evaluation {
	result := Evaluation{Level: model.UrgencyUnknown}

	for _, line := range strings.Split(text, "\n") {
		lower := normalize(line)

		if containsAny(lower, x.urgencyMarkers) {
			if level := x.classify(lower); level.Known() {
				if x.policy != PolicyHighestSeverity || level.Priority() > result.Level.Priority() {
					result.Level = level
				}
			}
		}

		if containsAny(lower, x.recommendationMarkers) {
			if idx := strings.Index(line, ":"); idx >= 0 {
				if rec := strings.TrimSpace(line[idx+1:]); rec != "" {
					result.Recommendation = rec
				}
			}
		}
	}

	return result
}

func (x *Extractor) classify(line string) model.UrgencyLevel {
	switch {
	case containsAny(line, x.critical):
		return model.UrgencyCritical
	case containsAny(line, x.moderate):
		return model.UrgencyModerate
	case containsAny(line, x.low):
		return model.UrgencyLow
	default:
		return model.UrgencyUnknown
	}
}

// typographic apostrophes and narrow spaces are folded before matching
var normalizer = strings.NewReplacer(
	"\u2019", "'",
	"\u00a0", " ",
	"\u202f", " ",
)

func normalize(s string) string {
	return normalizer.Replace(strings.ToLower(s))
}

func normalizeAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s == "" {
			continue
		}
		out = append(out, normalize(s))
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
