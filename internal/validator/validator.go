// Package validator applies the eight ordered normalization and
// business rules that turn raw LLMCascade output into actionable
// appointment decisions, generalizing the teacher's
// internal/memory.Extractor "ask for strict JSON, parse leniently,
// clamp confidence, persist" shape from a single-fact extraction to
// the richer {actions[], reasoning} schema.
package validator

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/person"
)

// DecisionKind is what an action should become once validated.
type DecisionKind string

const (
	DecisionCreate DecisionKind = "create"
	DecisionUpdate DecisionKind = "update"
	DecisionCancel DecisionKind = "cancel"
	DecisionDrop   DecisionKind = "drop"
)

// Decision is the validator's per-action output.
type Decision struct {
	Kind        DecisionKind
	Appointment appointment.Appointment // normalized fields for create/update
	TargetID    string                  // set for update/cancel
	Note        string                  // human-readable reason, mainly for Drop
}

// Input bundles everything the eight rules need. It deliberately does
// not depend on internal/contextassembler to avoid coupling the
// validator to prompt-rendering concerns — callers extract the
// relevant fields from the PromptContext they already built.
type Input struct {
	Actions              []appointment.Action
	MessageText          string
	MessageTimestamp     time.Time
	Zone                 string
	ExistingAppointments []*appointment.Appointment
	DetectedPersons      []person.Person
	UserName             string
	PartnerName          string
}

var (
	vonBisRe = regexp.MustCompile(`(?i)von\s+(\d{1,2}(?::\d{2})?)\s*(?:uhr)?\s*bis\s+(\d{1,2}(?::\d{2})?)\s*(?:uhr)?`)
	bisRe    = regexp.MustCompile(`(?i)\bbis\s+(\d{1,2}(?::\d{2})?)\s*(?:uhr)?`)
	prepRe   = regexp.MustCompile(`(?i)^(.+?)\s+(einpacken|kaufen|backen|vorbereiten)$`)
)

// Validate runs the eight ordered rules of spec.md §4.4 over in.Actions
// and returns one Decision per surviving (or explicitly dropped)
// action, in input order.
func Validate(in Input) []Decision {
	zone := in.Zone
	if zone == "" {
		zone = "Europe/Berlin"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}

	decisions := make([]Decision, 0, len(in.Actions))
	for _, a := range in.Actions {
		d, ok := validateOne(a, in, loc)
		if ok {
			decisions = append(decisions, d)
		}
	}
	return decisions
}

func validateOne(a appointment.Action, in Input, loc *time.Location) (Decision, bool) {
	// Rule 1: schema shape.
	if a.Title == "" && a.Action == appointment.ActionCreate {
		return Decision{}, false
	}
	if a.Action == appointment.ActionCreate && a.DateTime == nil && !(a.AllDay && a.Date != nil) {
		return Decision{}, false
	}
	if a.Action != appointment.ActionCreate && a.UpdatesTerminID == "" {
		return Decision{}, false
	}

	// Rule 2: time normalization — reinterpret the parsed wall-clock
	// components in the configured zone; an all-day action with no
	// time component clears DateTime in favor of Date.
	dt := a.DateTime
	allDay := a.AllDay
	date := a.Date
	if dt != nil {
		local := time.Date(dt.Year(), dt.Month(), dt.Day(), dt.Hour(), dt.Minute(), dt.Second(), 0, loc)
		dt = &local
	}
	if dt == nil && date != nil {
		allDay = true
	}

	endDT := a.EndDateTime
	if endDT != nil {
		local := time.Date(endDT.Year(), endDT.Month(), endDT.Day(), endDT.Hour(), endDT.Minute(), endDT.Second(), 0, loc)
		endDT = &local
	}

	// Rule 4: end-vs-start from "von X bis Y" / "bis Y" in the source text.
	dt, endDT = applyRangePhrase(in.MessageText, dt, endDT, loc)

	// Rule 3: past suppression (creates only — updates/cancels target
	// an existing row regardless of its original moment).
	if a.Action == appointment.ActionCreate {
		start := dt
		if start == nil && date != nil {
			if t, err := time.ParseInLocation("2006-01-02", *date, loc); err == nil {
				start = &t
			}
		}
		if start != nil && !in.MessageTimestamp.IsZero() && start.Before(in.MessageTimestamp.Add(-24*time.Hour)) {
			return Decision{}, false
		}
	}

	// Rule 5: prep-task suppression.
	if a.Action == appointment.ActionCreate && isPrepTask(a.Title) && hasRelatedExisting(a.Title, in.ExistingAppointments) {
		return Decision{}, false
	}

	// Rule 6: relevance inference.
	relevance := inferRelevance(a.Participants, in.DetectedPersons, in.UserName, in.PartnerName)

	appt := appointment.Appointment{
		Title:            a.Title,
		DateTime:         dt,
		Date:             date,
		AllDay:           allDay,
		EndDateTime:      endDT,
		Zone:             loc.String(),
		Participants:     a.Participants,
		Category:         a.Category,
		Relevance:        relevance,
		Confidence:       clampConfidence(a.Confidence, a.SynthesizedByFallback), // rule 8
		SourceMessageIDs: a.SourceMessageIDs,
		Reasoning:        a.Reasoning,
	}

	switch a.Action {
	case appointment.ActionCancel:
		// Open question: a cancel naming an id outside the existing-
		// appointments window is ignored rather than acted on — never
		// create-then-cancel a row the validator has no record of.
		if !existsInWindow(a.UpdatesTerminID, in.ExistingAppointments) {
			return Decision{Kind: DecisionDrop, Note: "cancel target not found in existing appointments"}, true
		}
		return Decision{Kind: DecisionCancel, TargetID: a.UpdatesTerminID, Appointment: appt}, true
	case appointment.ActionUpdate:
		return Decision{Kind: DecisionUpdate, TargetID: a.UpdatesTerminID, Appointment: appt}, true
	}

	// Rule 7: duplicate-or-update, create actions only.
	if match, score := findDuplicate(appt, in.ExistingAppointments); match != nil {
		if score >= 0.9 {
			return Decision{Kind: DecisionDrop, Note: "duplicate of existing appointment"}, true
		}
		if score >= 0.7 && a.UpdatesTerminID == "" {
			return Decision{Kind: DecisionUpdate, TargetID: match.ID, Appointment: appt}, true
		}
	}

	return Decision{Kind: DecisionCreate, Appointment: appt}, true
}

func existsInWindow(id string, existing []*appointment.Appointment) bool {
	for _, e := range existing {
		if e.ID == id {
			return true
		}
	}
	return false
}

func clampConfidence(c float64, fallback bool) float64 {
	if c == 0 {
		c = 0.5
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	if fallback && c > 0.4 {
		c = 0.4
	}
	return c
}

func isPrepTask(title string) bool {
	return prepRe.MatchString(strings.TrimSpace(title))
}

// hasRelatedExisting reports whether any existing appointment's title
// is semantically related to the prep task's subject. German compound
// words ("Schwimmsachen" / "Schwimmtraining") share a stem rather than
// a whole token, so relatedness is a shared-prefix check over tokens
// rather than exact Jaccard overlap.
func hasRelatedExisting(title string, existing []*appointment.Appointment) bool {
	m := prepRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return false
	}
	subjectTokens := strings.Fields(strings.ToLower(m[1]))
	for _, e := range existing {
		for _, st := range subjectTokens {
			for _, et := range strings.Fields(strings.ToLower(e.Title)) {
				if sharesStem(st, et) {
					return true
				}
			}
		}
	}
	return false
}

const minStemLen = 5

func sharesStem(a, b string) bool {
	n := minStemLen
	if len(a) < n || len(b) < n {
		n = min(len(a), len(b))
	}
	if n == 0 {
		return false
	}
	return a[:n] == b[:n]
}

func inferRelevance(participantKeys []string, persons []person.Person, userName, partnerName string) appointment.Relevance {
	byKey := make(map[string]person.Person, len(persons))
	for _, p := range persons {
		byKey[p.Key] = p
	}

	hasChild, hasPartner, hasUser := false, false, false
	for _, key := range participantKeys {
		if p, ok := byKey[key]; ok && p.IsChild() {
			hasChild = true
		}
		if strings.EqualFold(key, partnerName) {
			hasPartner = true
		}
		if strings.EqualFold(key, userName) {
			hasUser = true
		}
	}

	switch {
	case hasChild:
		return appointment.RelevanceShared
	case hasPartner && !hasUser:
		return appointment.RelevancePartnerOnly
	case hasUser && !hasPartner:
		return appointment.RelevanceForMe
	default:
		return appointment.RelevanceShared
	}
}

// applyRangePhrase implements rule 4: "von X bis Y" sets both ends;
// a bare "bis Y" with no existing start time only fills EndDateTime.
func applyRangePhrase(text string, dt, endDT *time.Time, loc *time.Location) (*time.Time, *time.Time) {
	if m := vonBisRe.FindStringSubmatch(text); m != nil {
		if start, ok := parseClockOnto(m[1], dt, loc); ok {
			dt = start
		}
		if end, ok := parseClockOnto(m[2], dt, loc); ok {
			endDT = end
		}
		return dt, endDT
	}
	if dt == nil {
		if m := bisRe.FindStringSubmatch(text); m != nil {
			if end, ok := parseClockOnto(m[1], dt, loc); ok {
				endDT = end
			}
		}
	}
	return dt, endDT
}

// parseClockOnto parses an "HH" or "HH:MM" clock string and applies it
// to the date of base (or today, in loc, if base is nil).
func parseClockOnto(clock string, base *time.Time, loc *time.Location) (*time.Time, bool) {
	var hour, minute int
	if strings.Contains(clock, ":") {
		parts := strings.SplitN(clock, ":", 2)
		if len(parts) != 2 {
			return nil, false
		}
		var err error
		hour, minute, err = parseHourMinute(parts[0], parts[1])
		if err != nil {
			return nil, false
		}
	} else {
		h, err := strconv.Atoi(clock)
		if err != nil {
			return nil, false
		}
		hour = h
	}

	day := time.Now().In(loc)
	if base != nil {
		day = *base
	}
	t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	return &t, true
}

func parseHourMinute(h, m string) (int, int, error) {
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, err
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

// findDuplicate implements the rule 7 scoring: 0.5·title Jaccard +
// 0.5·indicator(|Δt| < 30min), over the 14-day window around the
// candidate's start.
func findDuplicate(candidate appointment.Appointment, existing []*appointment.Appointment) (*appointment.Appointment, float64) {
	start, ok := candidate.Start()
	if !ok {
		return nil, 0
	}

	var best *appointment.Appointment
	var bestScore float64
	for _, e := range existing {
		eStart, ok := e.Start()
		if !ok {
			continue
		}
		delta := eStart.Sub(start)
		if delta < 0 {
			delta = -delta
		}
		if delta > 14*24*time.Hour {
			continue
		}

		titleScore := jaccard(tokenize(candidate.Title), tokenize(e.Title))
		timeScore := 0.0
		if delta < 30*time.Minute {
			timeScore = 1.0
		}
		score := 0.5*titleScore + 0.5*timeScore
		if score > bestScore {
			bestScore = score
			best = e
		}
	}
	return best, bestScore
}

func tokenize(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return math.Round(float64(intersection)/float64(union)*1000) / 1000
}
