// Package person provides the authoritative per-person knowledge
// profiles (facts, recurring activities, reasoning hints, uncertain
// observations) that shape every extraction prompt. Profiles live as
// one YAML file per person under a configured directory; the package
// exposes a lazy-loaded, explicitly reloadable in-memory snapshot plus
// append-only mutation entry points for feedback and reflection.
package person

import "time"

// maxUncertain bounds the "uncertain" ring buffer per spec.md §4.5.
const maxUncertain = 20

// Activity describes a recurring pattern associated with a person
// (e.g. "Schwimmtraining" every Tuesday at 17:00).
type Activity struct {
	Type        string   `yaml:"type"`
	Pattern     string   `yaml:"pattern"`
	TerminLogic []string `yaml:"termin_logic,omitempty"`
}

// Person is the authoritative knowledge profile for one household
// member. Facts contain only confirmed statements; Uncertain contains
// unverified observations. An entry may be promoted uncertain→fact but
// is never demoted fact→uncertain silently (spec.md §3).
type Person struct {
	Key         string              `yaml:"key"`
	Name        string              `yaml:"name"`
	Role        string              `yaml:"role,omitempty"`
	Aliases     []string            `yaml:"aliases,omitempty"`
	Facts       []string            `yaml:"facts,omitempty"`
	Activities  map[string]Activity `yaml:"activities,omitempty"`
	TerminHints []string            `yaml:"termin_hints,omitempty"`
	Uncertain   []string            `yaml:"uncertain,omitempty"`
	UpdatedAt   time.Time           `yaml:"updated_at,omitempty"`
}

// IsChild reports whether the role marks this person as a child.
// Used by the extraction validator's relevance-inference rule
// (spec.md §4.4 rule 6).
func (p Person) IsChild() bool {
	return p.Role == "child"
}

// pushUncertain appends an observation to the ring buffer,
// deduplicating and trimming to maxUncertain from the front (oldest
// first out). A string already present in Facts is never added.
func pushUncertain(existing []string, facts []string, observation string) []string {
	if observation == "" {
		return existing
	}
	for _, f := range facts {
		if f == observation {
			return existing // Already confirmed; do not demote/duplicate.
		}
	}
	for _, u := range existing {
		if u == observation {
			return existing // Already present.
		}
	}
	out := append(existing, observation)
	if len(out) > maxUncertain {
		out = out[len(out)-maxUncertain:]
	}
	return out
}
