package reflection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/feedback"
	"github.com/nugget/termingeist/internal/person"
	"github.com/nugget/termingeist/internal/store"
)

// formatMessages renders the message window as one line per message,
// oldest first — the same plain-text transcript shape
// ContextAssembler feeds to the extraction prompt.
func formatMessages(msgs []store.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	sorted := append([]store.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	var b strings.Builder
	for _, m := range sorted {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Sender, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatProfiles renders each person's current facts, uncertain
// entries, activities, and termin hints so the model can judge what is
// already known before proposing an update.
func formatProfiles(persons []person.Person) string {
	if len(persons) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range persons {
		fmt.Fprintf(&b, "- %s (%s)\n", p.Key, p.Name)
		if len(p.Facts) > 0 {
			fmt.Fprintf(&b, "  facts: %s\n", strings.Join(p.Facts, "; "))
		}
		if len(p.Uncertain) > 0 {
			fmt.Fprintf(&b, "  uncertain: %s\n", strings.Join(p.Uncertain, "; "))
		}
		if len(p.Activities) > 0 {
			names := make([]string, 0, len(p.Activities))
			for name := range p.Activities {
				names = append(names, name)
			}
			fmt.Fprintf(&b, "  activities: %s\n", strings.Join(names, ", "))
		}
		if len(p.TerminHints) > 0 {
			fmt.Fprintf(&b, "  termin_hints: %s\n", strings.Join(p.TerminHints, "; "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatHistory renders the appointment and feedback windows together
// since both describe what actually happened with scheduling recently.
func formatHistory(appts []*appointment.Appointment, records []feedback.Record) string {
	var b strings.Builder
	for _, a := range appts {
		fmt.Fprintf(&b, "- appointment %q (%s, status=%s)\n", a.Title, a.Category, a.Status)
	}
	for _, r := range records {
		fmt.Fprintf(&b, "- feedback %s on appointment %s", r.Action, r.AppointmentID)
		if r.Reason != "" {
			fmt.Fprintf(&b, ": %s", r.Reason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
