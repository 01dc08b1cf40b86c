// Package reflection implements ReflectionAgent (spec.md §4.10): a
// periodic, file-locked batch job that re-reads recent household
// activity and current person profiles, asks a high-capability LLM
// what it learned, and applies the result back to PersonStore as an
// append-only diff.
//
// The loop shape — Config/Deps injection, New/Start/Stop with a
// cancel-and-done-channel goroutine, a perpetual run loop — is modeled
// directly on internal/metacognitive.Loop, simplified from that loop's
// adaptive self-scheduled sleep to a fixed interval, since spec.md
// §4.10 calls for "periodic (e.g. every 30 min)" rather than a
// self-tuned cycle.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/feedback"
	"github.com/nugget/termingeist/internal/llm"
	"github.com/nugget/termingeist/internal/person"
	"github.com/nugget/termingeist/internal/prompts"
	"github.com/nugget/termingeist/internal/store"
)

// messageWindow abstracts the conversation read so tests can supply a
// fake without a real database. Satisfied by *store.ConversationWindow.
type messageWindow interface {
	Since(chatID string, cutoff time.Time, limit int) ([]store.Message, error)
}

// appointmentWindow abstracts the appointment read. Satisfied by
// *appointment.Store.
type appointmentWindow interface {
	Window(chatID string, from, to time.Time, max int) ([]*appointment.Appointment, error)
}

// feedbackWindow abstracts the feedback read. Satisfied by
// *feedback.Store.
type feedbackWindow interface {
	Since(chatID string, cutoff time.Time, limit int) ([]feedback.Record, error)
}

// personDirectory abstracts profile load/apply. Satisfied by
// *person.Store.
type personDirectory interface {
	Load() ([]person.Person, error)
	ApplyReflection(updates map[string]person.ReflectionUpdate) ([]person.Diff, error)
}

// Deps holds injected collaborators for one reflection cycle. A
// struct avoids a growing parameter list as the loop evolves, matching
// internal/metacognitive.Deps.
type Deps struct {
	Messages     messageWindow
	Appointments appointmentWindow
	Feedback     feedbackWindow
	Persons      personDirectory
	LLM          llm.Client
	Logger       *slog.Logger
}

// Loop is the perpetual ReflectionAgent cycle. Create with New, start
// with Start, stop with Stop.
type Loop struct {
	config Config
	deps   Deps

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a reflection loop. Call Start to launch the background
// goroutine. cfg should already have WithDefaults applied by the
// caller.
func New(cfg Config, deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{config: cfg, deps: deps}
}

// Start launches the background goroutine. Calling Start on an
// already-running loop is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}
	l.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for the goroutine to exit. Safe to
// call multiple times or before Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// run is the main goroutine body: one cycle every Config.Interval
// until ctx is cancelled.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	logger := l.deps.Logger
	logger.Info("reflection loop started", "interval", l.config.Interval)

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		l.runCycle(ctx)

		select {
		case <-ctx.Done():
			logger.Info("reflection loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// runCycle acquires the cross-process lock, runs one iteration, and
// releases the lock. A held (non-stale) lock is logged and skipped —
// another process is already reflecting.
func (l *Loop) runCycle(ctx context.Context) {
	logger := l.deps.Logger

	gaps, err := l.RunOnce(ctx)
	if err != nil {
		logger.Warn("reflection cycle failed", "error", err)
		return
	}
	if gaps == nil {
		logger.Info("reflection cycle skipped, lock held elsewhere")
		return
	}
	logger.Info("reflection cycle complete", "gaps_identified", len(gaps))
}

// RunOnce acquires the cross-process lock and runs a single reflection
// iteration, shared by the perpetual loop (runCycle) and the one-shot
// `reflect` admin command. It returns (nil, nil) if the lock cannot be
// acquired (another process holds it, or the lock file cannot be
// created), distinguishing "skipped" from "ran with zero gaps" (an
// empty, non-nil slice).
func (l *Loop) RunOnce(ctx context.Context) ([]string, error) {
	release, err := acquireLock(l.config.LockPath, l.config.LockTTL)
	if err != nil {
		return nil, nil
	}
	defer release()

	gaps, err := l.iterate(ctx)
	if err != nil {
		return nil, err
	}
	if gaps == nil {
		gaps = []string{}
	}
	return gaps, nil
}

// iterate performs the six steps of spec.md §4.10: load the message,
// profile, appointment, and feedback windows; render the
// humility-emphasizing prompt; invoke the LLM with a strict JSON
// schema; and apply the resulting diff via PersonStore.ApplyReflection.
func (l *Loop) iterate(ctx context.Context) ([]string, error) {
	now := time.Now()

	msgs, err := l.deps.Messages.Since(l.config.ChatID, now.Add(-l.config.MessageWindow), l.config.MessageLimit)
	if err != nil {
		return nil, fmt.Errorf("load message window: %w", err)
	}

	persons, err := l.deps.Persons.Load()
	if err != nil {
		return nil, fmt.Errorf("load person profiles: %w", err)
	}

	appts, err := l.deps.Appointments.Window(l.config.ChatID, now.Add(-l.config.AppointmentWindow), now, 200)
	if err != nil {
		return nil, fmt.Errorf("load appointment window: %w", err)
	}

	fb, err := l.deps.Feedback.Since(l.config.ChatID, now.Add(-l.config.FeedbackWindow), l.config.FeedbackLimit)
	if err != nil {
		return nil, fmt.Errorf("load feedback window: %w", err)
	}

	promptText := prompts.PersonReflectionPrompt(
		formatMessages(msgs),
		formatProfiles(persons),
		formatHistory(appts, fb),
	)

	callCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	resp, err := l.deps.LLM.Chat(callCtx, l.config.Model, []llm.Message{{Role: "user", Content: promptText}}, nil)
	if err != nil {
		return nil, fmt.Errorf("reflection LLM call: %w", err)
	}

	wire, ok := parseReflectionWire(resp.Message.Content)
	if !ok {
		return nil, fmt.Errorf("reflection response unparseable")
	}

	updates := toReflectionUpdates(wire)
	if len(updates) > 0 {
		diffs, err := l.deps.Persons.ApplyReflection(updates)
		if err != nil {
			return wire.Meta.GapsIdentified, fmt.Errorf("apply reflection: %w", err)
		}
		l.deps.Logger.Debug("reflection diffs applied", "count", len(diffs))
	}

	for _, gap := range wire.Meta.GapsIdentified {
		l.deps.Logger.Info("reflection gap identified", "gap", gap)
	}

	return wire.Meta.GapsIdentified, nil
}

// reflectionWire is the {updates, meta} schema of spec.md §4.10 step 5.
type reflectionWire struct {
	Updates map[string]struct {
		NewFacts      []string `json:"new_facts"`
		NewActivities map[string]struct {
			Type        string   `json:"type"`
			Pattern     string   `json:"pattern"`
			TerminLogic []string `json:"termin_logic"`
		} `json:"new_activities"`
		NewTerminHints  []string `json:"new_termin_hints"`
		ConfidenceNotes []string `json:"confidence_notes"`
	} `json:"updates"`
	Meta struct {
		GapsIdentified []string `json:"gaps_identified"`
	} `json:"meta"`
}

// parseReflectionWire unmarshals content as strict JSON, stripping a
// markdown code fence if the model wrapped its output in one — the
// same fenced-block tolerance internal/llm.Cascade applies to
// extraction responses.
func parseReflectionWire(content string) (reflectionWire, bool) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var wire reflectionWire
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return reflectionWire{}, false
	}
	return wire, true
}

func toReflectionUpdates(wire reflectionWire) map[string]person.ReflectionUpdate {
	updates := make(map[string]person.ReflectionUpdate, len(wire.Updates))
	for key, u := range wire.Updates {
		ru := person.ReflectionUpdate{
			NewFacts:        u.NewFacts,
			NewTerminHints:  u.NewTerminHints,
			ConfidenceNotes: u.ConfidenceNotes,
		}
		if len(u.NewActivities) > 0 {
			ru.NewActivities = make(map[string]person.Activity, len(u.NewActivities))
			for name, act := range u.NewActivities {
				ru.NewActivities[name] = person.Activity{
					Type:        act.Type,
					Pattern:     act.Pattern,
					TerminLogic: act.TerminLogic,
				}
			}
		}
		updates[key] = ru
	}
	return updates
}
