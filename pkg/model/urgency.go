package model

import (
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// UrgencyLevel is the triage classification. The string value is the label
// stored in history and shown to the patient.
type UrgencyLevel string

const (
	UrgencyUnknown  UrgencyLevel = "Non évalué"
	UrgencyLow      UrgencyLevel = "Faible urgence"
	UrgencyModerate UrgencyLevel = "Urgence modérée"
	UrgencyCritical UrgencyLevel = "Urgence critique"
)

// UrgencyLevels lists the known levels from the most to the least severe
var UrgencyLevels = []UrgencyLevel{
	UrgencyCritical,
	UrgencyModerate,
	UrgencyLow,
	UrgencyUnknown,
}

// Priority returns the clinical priority of the level. Unrecognised values
// rank with UrgencyUnknown.
func (u UrgencyLevel) Priority() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyModerate:
		return 2
	case UrgencyLow:
		return 1
	default:
		return 0
	}
}

// Known reports whether a real level was determined
func (u UrgencyLevel) Known() bool {
	return u.Priority() > 0
}

func (u UrgencyLevel) String() string {
	if u == "" {
		return string(UrgencyUnknown)
	}
	return string(u)
}

// ParseUrgency accepts a stored label or a short name such as "critical",
// "critique", "moderate" or "low". Anything else yields UrgencyUnknown.
func ParseUrgency(s string) UrgencyLevel {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, lv := range UrgencyLevels {
		if v == strings.ToLower(string(lv)) {
			return lv
		}
	}

	switch v {
	case "critical", "critique", "high":
		return UrgencyCritical
	case "moderate", "modérée", "moderee", "medium":
		return UrgencyModerate
	case "low", "faible":
		return UrgencyLow
	default:
		return UrgencyUnknown
	}
}

func (u *UrgencyLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return goerr.Wrap(err, "failed to unmarshal urgency level", goerr.V("data", string(data)))
	}
	*u = ParseUrgency(s)
	return nil
}
