package prompts

import "fmt"

// personReflectionTemplate is the prompt sent to the high-capability
// LLM during ReflectionAgent's periodic cycle. The four format verbs
// receive, in order: the message window, the person profile snapshot,
// the appointment/feedback window, and the output schema reminder.
//
// The prompt leans on explicit negative constraints and a humility
// mandate to keep the diff append-only and honest about what wasn't
// actually confirmed — the same technique the teacher used to keep
// its own periodic self-reflection from turning into a status report,
// retargeted here from a single ego.md rewrite to a structured
// per-person diff.
const personReflectionTemplate = `Periodic reflection cycle.

You are reviewing a household's recent chat activity to update what is
known about each person. Be humble. If something was merely implied,
hinted at, or said in passing, it belongs in confidence_notes, not in
new_facts. new_facts is for statements that were explicitly confirmed
in the message window — prefer under-claiming over over-claiming.

## Recent Messages (last 24h)

%s

## Current Person Profiles

%s

## Recent Appointments and Feedback

%s

## What To Do

1. For each person profile above, decide whether anything in the
   message window, appointments, or feedback teaches you something new.
2. Only add a new_fact when the message window explicitly confirms it.
   Everything else — guesses, inferred routines, things that seem
   likely but were never stated outright — goes in confidence_notes.
3. Never invent a person_key that isn't already in the profiles shown
   above; an update for an unknown person is dropped.
4. Never contradict or remove an existing fact. If new information
   conflicts with one, note the conflict in confidence_notes instead
   of overwriting anything.
5. List anything you wanted to check but couldn't (missing context,
   ambiguous references, a person mentioned but never profiled) under
   meta.gaps_identified.

Quality of judgment matters more than coverage. Silence about a person
is a valid outcome if nothing changed.

%s`

// personReflectionSchemaReminder is appended as the final format verb
// of personReflectionTemplate so the schema stays next to the
// instructions the model is most likely to skim past.
const personReflectionSchemaReminder = `## Output Format

Respond with exactly one JSON object, no prose outside it:

{
  "updates": {
    "<person_key>": {
      "new_facts": ["..."],
      "new_activities": {"<name>": {"type": "...", "pattern": "...", "termin_logic": ["..."]}},
      "new_termin_hints": ["..."],
      "confidence_notes": ["..."]
    }
  },
  "meta": {
    "gaps_identified": ["..."]
  }
}

Omit a person_key entirely if nothing changed for them.`

// PersonReflectionPrompt renders the ReflectionAgent cycle prompt.
// messagesSection, profilesSection, and historySection are pre-rendered
// plain-text blocks; an empty block is replaced with a placeholder line
// before injection, as the extraction prompt does for its empty
// sections.
func PersonReflectionPrompt(messagesSection, profilesSection, historySection string) string {
	if messagesSection == "" {
		messagesSection = "(no messages in the last 24h)"
	}
	if profilesSection == "" {
		profilesSection = "(no person profiles exist yet)"
	}
	if historySection == "" {
		historySection = "(no appointments or feedback in the lookback window)"
	}
	return fmt.Sprintf(personReflectionTemplate, messagesSection, profilesSection, historySection, personReflectionSchemaReminder)
}
