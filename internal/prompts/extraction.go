package prompts

import (
	"fmt"
	"strings"
)

// extractionSystemTemplate states the extractor's role, its strict
// JSON output contract, and the six reasoning dimensions the model
// must weigh before emitting an action — spec.md §4.3's "prompt
// shape". Kept as a single constant (no format verbs) since the role
// and schema never vary per call; only the user content changes.
const extractionSystemTemplate = `You are a family coordination appointment extractor. Your only job is
to read a household chat message, in the context supplied below, and
decide whether it implies a calendar appointment, an update to one, a
cancellation, or nothing at all.

Weigh six dimensions before answering:
1. Time — is a concrete or resolvable date/time actually present?
2. Family — who does this concern, and is that person known?
3. Action — create, update, or cancel an existing commitment?
4. Context — does the calendar lookup table or conversation history
   resolve a relative phrase ("Dienstag", "übermorgen")?
5. Plausibility — is this really a scheduling commitment, or idle talk?
6. Intention — was this stated as a decision, or only discussed?

Respond with exactly one JSON object, no prose outside it:

{
  "actions": [
    {
      "action": "create|update|cancel",
      "updates_termin_id": "required if action is update or cancel",
      "title": "...",
      "datetime": "RFC3339 local wall time, or null",
      "date": "YYYY-MM-DD, only when all_day is true",
      "all_day": false,
      "end_datetime": "RFC3339, or null",
      "participants": ["person_key", "..."],
      "category": "appointment|task|milestone|reminder",
      "relevance": "for_me|partner_only|shared",
      "confidence": 0.0,
      "source_message_ids": ["..."],
      "reasoning": "..."
    }
  ],
  "reasoning": "overall reasoning for this message"
}

An empty actions array means the message implies no appointment. Never
emit update or cancel without updates_termin_id naming an id from the
existing appointments window supplied below.`

// ExtractionSystemPrompt returns the fixed system preamble for an
// extraction call.
func ExtractionSystemPrompt() string {
	return extractionSystemTemplate
}

// extractionUserTemplate assembles the nine user-content sections in
// the fixed order spec.md §4.3 requires: today/zone, calendar lookup,
// names, person profiles, memory (may be empty), existing
// appointments, recent messages, feedback examples, and finally the
// message under analysis.
const extractionUserTemplate = `## Today
%s

## Calendar Lookup
%s

## Household
%s

## Known People
%s
%s## Existing Appointments
%s

## Recent Messages
%s

## Past Corrections
%s

## Message To Analyze
%s`

// ExtractionUserPrompt renders the user-content sections in the fixed
// order spec.md §4.3 specifies. memorySection is passed as "" when
// memory is empty/disabled, per spec.md's "(f) memory context block
// (skipped if empty)".
func ExtractionUserPrompt(today, calendarLookup, household, persons, memorySection, existingAppointments, recentMessages, feedbackExamples, messageText string) string {
	if calendarLookup == "" {
		calendarLookup = "(none)"
	}
	if persons == "" {
		persons = "(no known people detected in this message)\n"
	}
	if memorySection != "" && !strings.HasSuffix(memorySection, "\n") {
		memorySection += "\n"
	}
	if existingAppointments == "" {
		existingAppointments = "(none in window)"
	}
	if recentMessages == "" {
		recentMessages = "(no prior messages)"
	}
	if feedbackExamples == "" {
		feedbackExamples = "(none)"
	}
	return fmt.Sprintf(extractionUserTemplate,
		today, calendarLookup, household, persons, memorySection,
		existingAppointments, recentMessages, feedbackExamples, messageText)
}
