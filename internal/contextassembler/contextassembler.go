// Package contextassembler builds the PromptContext the LLM cascade
// renders into its extraction prompt: recent messages, existing
// appointments, detected persons, recalled memory, feedback examples,
// and a materialized relative-date lookup table. The recent messages
// are loaded first; the other reads then fan out concurrently with
// per-task timeouts.
package contextassembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/feedback"
	"github.com/nugget/termingeist/internal/memoryclient"
	"github.com/nugget/termingeist/internal/person"
	"github.com/nugget/termingeist/internal/prompts"
	"github.com/nugget/termingeist/internal/store"
)

// PromptContext is the transient, rendering-ready bundle spec.md §3
// describes. It is consumed by internal/llm's Cascade.
type PromptContext struct {
	UserName             string
	PartnerName          string
	ChildrenNames        []string
	Today                string // ISO date in the configured zone
	CalendarLookup       map[string]string
	RecentMessages       []store.Message
	ExistingAppointments []*appointment.Appointment
	Memory               memoryclient.MemoryContext
	FeedbackExamples     []feedback.Record
	Persons              []person.Person
}

// Deps bundles the collaborators ContextAssembler fans out to. All
// fields are required except Memory, which may be nil when
// spec.md §"Non-goals"-adjacent deployments disable the memory
// service (config Memory.Enabled=false), and Feedback, which may be nil
// (no feedback examples are then loaded).
type Deps struct {
	Messages     *store.ConversationWindow
	Appointments *appointment.Store
	Persons      *person.Store
	Memory       *memoryclient.Client
	Feedback     *feedback.Store

	Zone                     string
	UserName                 string
	PartnerName              string
	ChildrenNames            []string
	ConversationWindowSize   int
	ExistingAppointmentsDays int
	MaxExisting              int
}

// Assembler runs the context-assembly steps of spec.md §4.2 and
// renders the result into a PromptContext. The conversation window is
// read first (person detection needs it); existing appointments,
// person detection, memory recall, and feedback examples then run as
// four concurrent tasks. The
// errgroup-based bounded fan-out with per-task timeouts is grounded on
// the wider retrieved pack rather than the teacher directly: no
// teacher component has this exact "N independent, individually
// timed-out reads, joined once" shape, but golang.org/x/sync/errgroup
// is exactly what the rest of the pack reaches for here.
type Assembler struct {
	deps Deps
	now  func() time.Time
}

// New creates an Assembler. deps.Memory may be nil.
func New(deps Deps) *Assembler {
	if deps.ConversationWindowSize <= 0 {
		deps.ConversationWindowSize = 10
	}
	if deps.ExistingAppointmentsDays <= 0 {
		deps.ExistingAppointmentsDays = 60
	}
	if deps.MaxExisting <= 0 {
		deps.MaxExisting = 30
	}
	if deps.Zone == "" {
		deps.Zone = "Europe/Berlin"
	}
	return &Assembler{deps: deps, now: time.Now}
}

// Assemble builds a PromptContext for chatID given the message text
// under analysis (not itself included in RecentMessages, per spec.md
// §4.2 step 1).
func (a *Assembler) Assemble(ctx context.Context, chatID, text string) (PromptContext, error) {
	loc, err := time.LoadLocation(a.deps.Zone)
	if err != nil {
		loc = time.UTC
	}
	today := a.now().In(loc)

	pc := PromptContext{
		UserName:      a.deps.UserName,
		PartnerName:   a.deps.PartnerName,
		ChildrenNames: a.deps.ChildrenNames,
		Today:         today.Format("2006-01-02"),
	}

	// The conversation window is loaded first, serially: person detection
	// below needs it as input, so it cannot be a peer fan-out task racing
	// the load that produces it.
	messages := a.loadMessages(ctx, chatID)

	var (
		existing     []*appointment.Appointment
		persons      []person.Person
		memCtx       memoryclient.MemoryContext
		feedbackRecs []feedback.Record
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dbCtx, cancel := context.WithTimeout(gctx, 500*time.Millisecond)
		defer cancel()
		from := today.AddDate(0, 0, -7)
		to := today.AddDate(0, 0, a.deps.ExistingAppointmentsDays-7)
		appts, err := withDeadline(dbCtx, func() ([]*appointment.Appointment, error) {
			return a.deps.Appointments.Window(chatID, from, to, a.deps.MaxExisting)
		})
		if err != nil {
			return nil
		}
		existing = appts
		return nil
	})

	g.Go(func() error {
		dbCtx, cancel := context.WithTimeout(gctx, 500*time.Millisecond)
		defer cancel()
		matched, err := withDeadline(dbCtx, func() ([]person.Person, error) {
			contextTexts := make([]string, 0, len(messages))
			for _, m := range messages {
				contextTexts = append(contextTexts, m.Text)
			}
			return a.deps.Persons.Detect(text, contextTexts)
		})
		if err != nil {
			return nil
		}
		persons = matched
		return nil
	})

	g.Go(func() error {
		if a.deps.Memory == nil {
			memCtx = memoryclient.MemoryContext{Empty: true}
			return nil
		}
		memTimeout, cancel := context.WithTimeout(gctx, 3*time.Second)
		defer cancel()
		query := "Termine / Familienkontext: " + text
		memCtx = a.deps.Memory.Recall(memTimeout, query, chatID, 10)
		return nil
	})

	g.Go(func() error {
		if a.deps.Feedback == nil {
			return nil
		}
		dbCtx, cancel := context.WithTimeout(gctx, 500*time.Millisecond)
		defer cancel()
		recs, err := withDeadline(dbCtx, func() ([]feedback.Record, error) {
			return a.deps.Feedback.RecentExamples(chatID, 5)
		})
		if err != nil {
			return nil
		}
		feedbackRecs = recs
		return nil
	})

	if err := g.Wait(); err != nil {
		return pc, fmt.Errorf("context assembly: %w", err)
	}

	pc.RecentMessages = messages
	pc.ExistingAppointments = existing
	pc.Persons = persons
	pc.Memory = memCtx
	pc.FeedbackExamples = feedbackRecs
	pc.CalendarLookup = materializeCalendarLookup(today)

	return pc, nil
}

// loadMessages fetches the conversation window ahead of the fan-out in
// Assemble, under its own budget. A failed or slow read degrades to an
// empty window rather than failing the whole assembly.
func (a *Assembler) loadMessages(ctx context.Context, chatID string) []store.Message {
	dbCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	msgs, err := withDeadline(dbCtx, func() ([]store.Message, error) {
		return a.deps.Messages.Window(chatID, a.deps.ConversationWindowSize)
	})
	if err != nil {
		return nil
	}
	return msgs
}

// withDeadline runs fn and races it against ctx's deadline, returning
// ctx.Err() if fn has not returned in time. fn itself (SQLite queries,
// in-memory detection) has no native context support, so this is the
// boundary that enforces the per-task budgets of spec.md §4.2.
func withDeadline[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}

// weekdayNames lists the German weekday names Monday-first, so an
// index equals the Monday=0 weekday offset materializeCalendarLookup uses.
var weekdayNames = []string{"montag", "dienstag", "mittwoch", "donnerstag", "freitag", "samstag", "sonntag"}

// materializeCalendarLookup builds the compact relative-phrase → ISO
// date table spec.md §4.2 step 6 ships verbatim into the prompt so the
// model never performs date arithmetic itself.
func materializeCalendarLookup(today time.Time) map[string]string {
	lookup := make(map[string]string)

	lookup["heute"] = today.Format("2006-01-02")
	lookup["morgen"] = today.AddDate(0, 0, 1).Format("2006-01-02")
	lookup["übermorgen"] = today.AddDate(0, 0, 2).Format("2006-01-02")

	todayWeekday := int(today.Weekday()+6) % 7 // Monday=0 .. Sunday=6

	for i, name := range weekdayNames {
		// <weekday>: the next occurrence of that weekday (today counts
		// if today IS that weekday, matching how a person would use it
		// in a same-day chat: "Dienstag schwimmen" said on a Tuesday).
		delta := (i - todayWeekday + 7) % 7
		lookup[name] = today.AddDate(0, 0, delta).Format("2006-01-02")

		// nächste(r/n) <weekday>: seven days after the plain <weekday>
		// date above.
		nextWeekDelta := delta + 7
		if delta == 0 {
			nextWeekDelta = 7
		}
		lookup["nächste "+name] = today.AddDate(0, 0, nextWeekDelta).Format("2006-01-02")

		// übernächste(r/n) <weekday>: two weeks out.
		lookup["übernächste "+name] = today.AddDate(0, 0, nextWeekDelta+7).Format("2006-01-02")

		// kommende(r/n) <weekday>: same as the plain weekday form —
		// "kommenden Dienstag" and "Dienstag" both mean the nearest one.
		lookup["kommende "+name] = lookup[name]
	}

	lookup["nächste woche"] = today.AddDate(0, 0, 7-todayWeekday).Format("2006-01-02")

	return lookup
}

// Render converts a PromptContext plus the message under analysis into
// the (systemPrompt, userPrompt) pair internal/llm.Cascade.Extract
// consumes, assembling the nine user-content sections in the fixed
// order spec.md §4.3 specifies.
func Render(pc PromptContext, messageText string) (systemPrompt, userPrompt string) {
	household := pc.UserName
	if pc.PartnerName != "" {
		household += ", " + pc.PartnerName
	}
	if len(pc.ChildrenNames) > 0 {
		household += ", " + strings.Join(pc.ChildrenNames, ", ")
	}

	var memorySection string
	if !pc.Memory.Empty && len(pc.Memory.Excerpts) > 0 {
		memorySection = "## Recalled Memory\n" + strings.Join(pc.Memory.Excerpts, "\n") + "\n"
	}

	systemPrompt = prompts.ExtractionSystemPrompt()
	userPrompt = prompts.ExtractionUserPrompt(
		pc.Today,
		renderCalendarLookup(pc.CalendarLookup),
		household,
		RenderPersons(pc.Persons),
		memorySection,
		renderExistingAppointments(pc.ExistingAppointments),
		renderRecentMessages(pc.RecentMessages),
		renderFeedbackExamples(pc.FeedbackExamples),
		messageText,
	)
	return systemPrompt, userPrompt
}

func renderCalendarLookup(lookup map[string]string) string {
	if len(lookup) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lookup))
	for k := range lookup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, lookup[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderExistingAppointments(appts []*appointment.Appointment) string {
	if len(appts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, a := range appts {
		start, _ := a.Start()
		fmt.Fprintf(&sb, "- id=%s %q %s (status=%s)\n", a.ID, a.Title, start.Format("2006-01-02 15:04"), a.Status)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderRecentMessages(msgs []store.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Sender, m.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderFeedbackExamples(recs []feedback.Record) string {
	if len(recs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&sb, "- %s on %s", r.Action, r.AppointmentID)
		if r.Correction != nil && r.Correction.Title != "" {
			fmt.Fprintf(&sb, " (corrected title: %q)", r.Correction.Title)
		}
		if r.Reason != "" {
			fmt.Fprintf(&sb, ": %s", r.Reason)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderPersons serializes detected persons into the ≤80-line profile
// fragments spec.md §4.2 step 7 describes, modeled on
// internal/episodic.Provider.GetContext's section-by-section
// strings.Builder assembly.
func RenderPersons(persons []person.Person) string {
	if len(persons) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, p := range persons {
		sb.WriteString(fmt.Sprintf("### %s", p.Name))
		if p.Role != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", p.Role))
		}
		sb.WriteString("\n")

		if len(p.Facts) > 0 {
			sb.WriteString("Facts:\n")
			for _, f := range p.Facts {
				sb.WriteString("- " + f + "\n")
			}
		}
		if len(p.Activities) > 0 {
			sb.WriteString("Activities:\n")
			names := make([]string, 0, len(p.Activities))
			for name := range p.Activities {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				act := p.Activities[name]
				sb.WriteString(fmt.Sprintf("- %s: %s (%s)\n", name, act.Pattern, act.Type))
			}
		}
		if len(p.TerminHints) > 0 {
			sb.WriteString("Termin hints:\n")
			for _, h := range p.TerminHints {
				sb.WriteString("- " + h + "\n")
			}
		}
		if len(p.Uncertain) > 0 {
			sb.WriteString("Uncertain (unconfirmed):\n")
			start := 0
			if len(p.Uncertain) > 3 {
				start = len(p.Uncertain) - 3
			}
			for _, u := range p.Uncertain[start:] {
				sb.WriteString("- " + u + "\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
