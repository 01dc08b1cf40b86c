// Package pipeline wires the per-message data flow of spec.md §5:
// DateGate -> ContextAssembler -> LLMCascade -> ExtractionValidator ->
// AppointmentStore + CalendarSink + MemoryClient.Memorize. Its
// dispatch-per-Decision shape is grounded directly on
// internal/feedback.Loop.Submit's switch-on-action/push-to-calendar
// pattern, generalized from feedback actions to validator Decisions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/contextassembler"
	"github.com/nugget/termingeist/internal/dategate"
	"github.com/nugget/termingeist/internal/llm"
	"github.com/nugget/termingeist/internal/validator"
)

// assembler is the subset of *contextassembler.Assembler the pipeline
// needs, so tests can fake it without a live database.
type assembler interface {
	Assemble(ctx context.Context, chatID, text string) (contextassembler.PromptContext, error)
}

// extractor is the subset of *llm.Cascade the pipeline needs.
type extractor interface {
	Extract(ctx context.Context, systemPrompt, userPrompt string) llm.ExtractionResult
}

// appointments is the subset of *appointment.Store the pipeline needs
// to apply a Decision.
type appointments interface {
	Create(a *appointment.Appointment, autoThreshold float64) error
	ApplyUpdate(id string, patch appointment.Appointment) error
	Transition(id string, next appointment.Status) error
	Get(id string) (*appointment.Appointment, error)
}

// calendarSink is the subset of *calendar.Sink the pipeline needs.
type calendarSink interface {
	Write(ctx context.Context, appt *appointment.Appointment)
	Update(ctx context.Context, appt *appointment.Appointment)
	Delete(ctx context.Context, appt *appointment.Appointment)
}

// memorizer is the subset of *memoryclient.Client the pipeline needs.
// Memorize is fire-and-forget by contract (spec.md §5: "the memorize
// is started but not awaited"), so this interface's single method
// never returns an error.
type memorizer interface {
	Memorize(chatID, sender, text string, timestamp time.Time)
}

// Deps bundles the pipeline's collaborators. Calendar and Memory may
// be nil (no CalDAV server configured, or memory disabled), matching
// internal/feedback.Loop's "sink may be nil" convention. UserName,
// PartnerName and Zone are copied verbatim into every
// validator.Input — the same household-scoped fields
// internal/contextassembler.Deps already carries.
type Deps struct {
	Gate         *dategate.Gate
	Assembler    assembler
	Cascade      extractor
	Appointments appointments
	Calendar     calendarSink
	Memory       memorizer

	Zone        string
	UserName    string
	PartnerName string

	AutoConfirmThreshold float64
}

// Pipeline runs one message through the full extraction flow.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// New builds a Pipeline from deps.
func New(deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.AutoConfirmThreshold <= 0 {
		deps.AutoConfirmThreshold = 0.85
	}
	if deps.Zone == "" {
		deps.Zone = "Europe/Berlin"
	}
	return &Pipeline{deps: deps, logger: logger.With("component", "pipeline")}
}

// Result summarizes what a single Process call did, mainly for
// logging and tests.
type Result struct {
	Gated     bool // true if DateGate rejected the message outright
	Decisions []validator.Decision
}

// Process runs text (from chatID, sent by sender at ts) through
// DateGate, and — if it passes — ContextAssembler, LLMCascade,
// ExtractionValidator, and finally applies each surviving Decision to
// AppointmentStore and CalendarSink. MemoryClient.Memorize is started
// last and not waited on, per spec.md §5.
func (p *Pipeline) Process(ctx context.Context, chatID, sender, text string, ts time.Time, precedingWindow []string) (Result, error) {
	if p.deps.Memory != nil {
		defer p.deps.Memory.Memorize(chatID, sender, text, ts)
	}

	if p.deps.Gate != nil && !p.deps.Gate.Allow(text, precedingWindow) {
		return Result{Gated: true}, nil
	}

	pc, err := p.deps.Assembler.Assemble(ctx, chatID, text)
	if err != nil {
		return Result{}, fmt.Errorf("assemble context: %w", err)
	}

	systemPrompt, userPrompt := contextassembler.Render(pc, text)
	extraction := p.deps.Cascade.Extract(ctx, systemPrompt, userPrompt)

	decisions := validator.Validate(validator.Input{
		Actions:              extraction.Actions,
		MessageText:          text,
		MessageTimestamp:     ts,
		Zone:                 p.deps.Zone,
		ExistingAppointments: pc.ExistingAppointments,
		DetectedPersons:      pc.Persons,
		UserName:             p.deps.UserName,
		PartnerName:          p.deps.PartnerName,
	})

	for _, d := range decisions {
		p.apply(ctx, chatID, d)
	}

	return Result{Decisions: decisions}, nil
}

// apply dispatches a single Decision into AppointmentStore and
// CalendarSink, mirroring internal/feedback.Loop.Submit's
// switch-on-action/then-push-calendar shape. Per spec.md §4.8,
// calendar failures are logged and never propagated — the database
// transition already succeeded and must not be rolled back for a
// remote-mirror failure.
func (p *Pipeline) apply(ctx context.Context, chatID string, d validator.Decision) {
	switch d.Kind {
	case validator.DecisionDrop:
		p.logger.Debug("decision dropped", "chat_id", chatID, "note", d.Note)

	case validator.DecisionCreate:
		appt := d.Appointment
		appt.ChatID = chatID
		if err := p.deps.Appointments.Create(&appt, p.deps.AutoConfirmThreshold); err != nil {
			p.logger.Warn("create appointment failed", "chat_id", chatID, "error", err)
			return
		}
		if p.deps.Calendar != nil {
			p.deps.Calendar.Write(ctx, &appt)
		}

	case validator.DecisionUpdate:
		if err := p.deps.Appointments.ApplyUpdate(d.TargetID, d.Appointment); err != nil {
			p.logger.Warn("apply update failed", "chat_id", chatID, "appointment_id", d.TargetID, "error", err)
			return
		}
		p.pushCalendarUpdate(ctx, d.TargetID)

	case validator.DecisionCancel:
		if err := p.deps.Appointments.Transition(d.TargetID, appointment.StatusCancelled); err != nil {
			p.logger.Warn("cancel transition failed", "chat_id", chatID, "appointment_id", d.TargetID, "error", err)
			return
		}
		p.pushCalendarDelete(ctx, d.TargetID)
	}
}

func (p *Pipeline) pushCalendarUpdate(ctx context.Context, appointmentID string) {
	if p.deps.Calendar == nil {
		return
	}
	appt, err := p.deps.Appointments.Get(appointmentID)
	if err != nil || appt == nil {
		return
	}
	p.deps.Calendar.Update(ctx, appt)
}

func (p *Pipeline) pushCalendarDelete(ctx context.Context, appointmentID string) {
	if p.deps.Calendar == nil {
		return
	}
	appt, err := p.deps.Appointments.Get(appointmentID)
	if err != nil || appt == nil {
		return
	}
	p.deps.Calendar.Delete(ctx, appt)
}
