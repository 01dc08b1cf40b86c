// Package feedback accepts user corrections on appointments, persists
// them, drives the AppointmentStore state transition they imply,
// triggers PersonStore.ApplyFeedback, and makes rejected/edited
// records available as future ContextAssembler examples.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/calendar"
	"github.com/nugget/termingeist/internal/person"
)

// Action is the user decision a FeedbackRecord carries.
type Action string

const (
	ActionConfirmed Action = "confirmed"
	ActionRejected  Action = "rejected"
	ActionEdited    Action = "edited"
	ActionSkipped   Action = "skipped"
)

// Correction is the structured diff an "edited" feedback action
// supplies. Only non-zero fields are applied.
type Correction struct {
	Title    string
	DateTime *time.Time
	Date     *string
	AllDay   bool
}

// Record is the owned FeedbackRecord of spec.md §3.
type Record struct {
	ID            string
	AppointmentID string
	ChatID        string
	Action        Action
	Correction    *Correction
	Reason        string
	CreatedAt     time.Time
}

// Store persists FeedbackRecords. Records are never hard-deleted; each
// submission is a plain INSERT keyed by the record id, so reusing an
// existing id fails on the primary key. The never-hard-delete shape is
// modeled on internal/facts.Store.Set.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps db and migrates the feedback table.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "feedback_store")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate feedback: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			appointment_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			action TEXT NOT NULL,
			correction_title TEXT,
			correction_datetime TIMESTAMP,
			correction_date TEXT,
			correction_all_day BOOLEAN DEFAULT 0,
			reason TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_chat_action
			ON feedback(chat_id, action, created_at);
	`)
	return err
}

func (s *Store) insert(r *Record) error {
	if r.ID == "" {
		r.ID = fmt.Sprintf("fb_%d", time.Now().UnixNano())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var title string
	var dt *time.Time
	var date *string
	var allDay bool
	if r.Correction != nil {
		title = r.Correction.Title
		dt = r.Correction.DateTime
		date = r.Correction.Date
		allDay = r.Correction.AllDay
	}

	_, err := s.db.Exec(`
		INSERT INTO feedback (id, appointment_id, chat_id, action, correction_title,
			correction_datetime, correction_date, correction_all_day, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AppointmentID, r.ChatID, string(r.Action), title, dt, date, allDay, r.Reason, r.CreatedAt)
	return err
}

// RecentExamples returns the last k feedback records with
// action ∈ {rejected, edited} for chatID, newest first — the feedback
// example set ContextAssembler injects per spec.md §4.2 step 5.
func (s *Store) RecentExamples(chatID string, k int) ([]Record, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := s.db.Query(`
		SELECT id, appointment_id, chat_id, action, correction_title,
			correction_datetime, correction_date, correction_all_day, reason, created_at
		FROM feedback
		WHERE chat_id = ? AND action IN (?, ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, chatID, string(ActionRejected), string(ActionEdited), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var action string
		var title, date, reason sql.NullString
		var dt sql.NullTime
		var allDay sql.NullBool

		if err := rows.Scan(&r.ID, &r.AppointmentID, &r.ChatID, &action, &title, &dt, &date, &allDay, &reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Action = Action(action)
		r.Reason = reason.String
		if title.Valid || dt.Valid || date.Valid {
			c := &Correction{Title: title.String, AllDay: allDay.Bool}
			if dt.Valid {
				t := dt.Time
				c.DateTime = &t
			}
			if date.Valid {
				d := date.String
				c.Date = &d
			}
			r.Correction = c
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Since returns every feedback record for chatID created at or after
// cutoff, newest first, regardless of action — the unfiltered history
// window ReflectionAgent reads per spec.md §4.10 step 3 (7 days of
// feedback), as opposed to RecentExamples' rejected/edited-only set.
func (s *Store) Since(chatID string, cutoff time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, appointment_id, chat_id, action, correction_title,
			correction_datetime, correction_date, correction_all_day, reason, created_at
		FROM feedback
		WHERE chat_id = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, chatID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var action string
		var title, date, reason sql.NullString
		var dt sql.NullTime
		var allDay sql.NullBool

		if err := rows.Scan(&r.ID, &r.AppointmentID, &r.ChatID, &action, &title, &dt, &date, &allDay, &reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Action = Action(action)
		r.Reason = reason.String
		if title.Valid || dt.Valid || date.Valid {
			c := &Correction{Title: title.String, AllDay: allDay.Bool}
			if dt.Valid {
				t := dt.Time
				c.DateTime = &t
			}
			if date.Valid {
				d := date.String
				c.Date = &d
			}
			r.Correction = c
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Loop is the FeedbackLoop orchestrator of spec.md §4.9: persist, then
// fan out to AppointmentStore and PersonStore, matching
// checkpoint.Checkpointer.Create's "collect, persist, then notify
// owned collaborators" shape.
type Loop struct {
	records      *Store
	appointments *appointment.Store
	persons      *person.Store
	calendar     *calendar.Sink
	logger       *slog.Logger
}

// NewLoop wires the FeedbackLoop to its collaborators. sink may be nil
// (e.g. in tests, or when no CalDAV server is configured); Submit then
// simply skips the remote calendar push.
func NewLoop(records *Store, appointments *appointment.Store, persons *person.Store, sink *calendar.Sink, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{records: records, appointments: appointments, persons: persons, calendar: sink, logger: logger.With("component", "feedback_loop")}
}

// Submit accepts {appointment_id, action, correction?, reason?},
// persists the record, drives the appointment transition, pushes the
// resulting state to CalendarSink, and (for edited/rejected) triggers
// PersonStore.ApplyFeedback — all per the transition table of
// spec.md §4.7/§4.9.
func (l *Loop) Submit(ctx context.Context, rec Record) error {
	if err := l.records.insert(&rec); err != nil {
		return fmt.Errorf("persist feedback: %w", err)
	}

	switch rec.Action {
	case ActionConfirmed:
		if err := l.appointments.Transition(rec.AppointmentID, appointment.StatusConfirmed); err != nil {
			return fmt.Errorf("transition to confirmed: %w", err)
		}
		l.pushCalendarUpdate(ctx, rec.AppointmentID)
	case ActionRejected:
		if err := l.appointments.Transition(rec.AppointmentID, appointment.StatusRejected); err != nil {
			return fmt.Errorf("transition to rejected: %w", err)
		}
		l.pushCalendarDelete(ctx, rec.AppointmentID)
	case ActionEdited:
		if rec.Correction != nil {
			before, err := l.appointments.Get(rec.AppointmentID)
			if err != nil {
				return fmt.Errorf("load appointment for edit: %w", err)
			}
			patch := appointment.Appointment{
				Title:    rec.Correction.Title,
				DateTime: rec.Correction.DateTime,
				Date:     rec.Correction.Date,
			}
			if err := l.appointments.ApplyUpdate(rec.AppointmentID, patch); err != nil {
				return fmt.Errorf("apply edit: %w", err)
			}
			if before != nil && before.Status.Terminal() {
				l.logger.Warn("feedback_state_conflict", "appointment_id", rec.AppointmentID, "status", string(before.Status))
			}
		}
		// State unchanged in storage per spec.md §4.7's "edited" rule.
		l.pushCalendarUpdate(ctx, rec.AppointmentID)
	case ActionSkipped:
		// No AppointmentStore transition; recorded for PersonStore/audit only.
	}

	if rec.Action == ActionEdited || rec.Action == ActionRejected {
		l.applyPersonFeedback(rec)
	}

	return nil
}

func (l *Loop) pushCalendarUpdate(ctx context.Context, appointmentID string) {
	if l.calendar == nil {
		return
	}
	appt, err := l.appointments.Get(appointmentID)
	if err != nil || appt == nil {
		return
	}
	l.calendar.Update(ctx, appt)
}

func (l *Loop) pushCalendarDelete(ctx context.Context, appointmentID string) {
	if l.calendar == nil {
		return
	}
	appt, err := l.appointments.Get(appointmentID)
	if err != nil || appt == nil {
		return
	}
	l.calendar.Delete(ctx, appt)
}

func (l *Loop) applyPersonFeedback(rec Record) {
	if l.persons == nil || rec.Reason == "" {
		return
	}
	appt, err := l.appointments.Get(rec.AppointmentID)
	if err != nil || appt == nil || len(appt.Participants) == 0 {
		return
	}
	for _, key := range appt.Participants {
		if _, err := l.persons.ApplyFeedback(person.Feedback{
			PersonKey:   key,
			Action:      string(rec.Action),
			Observation: rec.Reason,
		}); err != nil {
			l.logger.Warn("apply_feedback failed", "person", key, "error", err)
		}
	}
}
