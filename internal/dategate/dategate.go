// Package dategate decides, cheaply, whether a chat message could
// plausibly contain appointment-relevant information before the
// (expensive) LLM cascade is invoked. It is deliberately permissive:
// a false positive costs one wasted LLM call, a false negative
// silently loses an appointment.
package dategate

import "regexp"

// Gate holds the compiled regex families. They are built once at
// construction and reused across calls — the same "compile patterns
// once, reuse" discipline internal/llm/cascade.go applies to its
// natural-language fallback patterns.
type Gate struct {
	dates     *regexp.Regexp
	times     *regexp.Regexp
	weekdays  *regexp.Regexp
	relatives *regexp.Regexp
	durations *regexp.Regexp
	eventNoun *regexp.Regexp

	bareTime    *regexp.Regexp
	bareDate    *regexp.Regexp
	questionCue *regexp.Regexp
}

// New compiles the gate's regex families.
func New() *Gate {
	return &Gate{
		dates:     regexp.MustCompile(`\b\d{1,2}\.\s?\d{1,2}\.(\s?\d{2,4})?\b`),
		times:     regexp.MustCompile(`\b([01]?\d|2[0-3])[:.]\d{2}\b|\b\d{1,2}\s?Uhr\b`),
		weekdays:  regexp.MustCompile(`(?i)\b(montag|dienstag|mittwoch|donnerstag|freitag|samstag|sonntag)s?\b`),
		relatives: regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])(heute|morgen|übermorgen|nächste[nrs]?\s+woche|nächsten?\s+\w+|kommende[nrs]?\s+\w+|übernächste[nrs]?\s+\w+)\b`),
		durations: regexp.MustCompile(`(?i)\b(\d+\s*(minuten|stunden|std|min|tage|wochen))\b`),
		eventNoun: regexp.MustCompile(`(?i)\b(termin|training|schule|kindergarten|geburtstag|feier|abholung|ankunft|arzt|zahnarzt|elternabend|ferien|schwimmkurs|unterricht|treffen|party|besuch)\w*\b`),

		bareTime:    regexp.MustCompile(`^\s*([01]?\d|2[0-3])[:.]\d{2}\s*$`),
		bareDate:    regexp.MustCompile(`^\s*\d{1,2}\.\s?\d{1,2}\.(\s?\d{2,4})?\s*$`),
		questionCue: regexp.MustCompile(`(?i)(wann|welche\s+uhrzeit|wann\s+genau).*\?\s*$`),
	}
}

// Allow reports whether text (the current message) together with
// precedingWindow (the chat's last messages, most-recent-last) could
// plausibly carry appointment-relevant information. It never panics:
// all patterns are pre-compiled at New(), so the only failure mode
// spec.md §4.1 anticipates (a regex compile fault) cannot occur at
// call time; if it somehow did, Allow still returns true rather than
// silently dropping a message.
func (g *Gate) Allow(text string, precedingWindow []string) (allow bool) {
	defer func() {
		if r := recover(); r != nil {
			allow = true // a regex panic is a programming fault; never block extraction on it.
		}
	}()

	if g.isBareTimeOrDate(text) {
		// A bare time or date only passes as the answer to a preceding
		// question ("13:45" after "Wann morgen?").
		for i := len(precedingWindow) - 1; i >= 0; i-- {
			if g.questionCue.MatchString(precedingWindow[i]) {
				return true
			}
		}
		return false
	}

	return g.matchesAnyFamily(text)
}

func (g *Gate) matchesAnyFamily(text string) bool {
	return g.dates.MatchString(text) ||
		g.times.MatchString(text) ||
		g.weekdays.MatchString(text) ||
		g.relatives.MatchString(text) ||
		g.durations.MatchString(text) ||
		g.eventNoun.MatchString(text)
}

func (g *Gate) isBareTimeOrDate(text string) bool {
	return g.bareTime.MatchString(text) || g.bareDate.MatchString(text)
}
