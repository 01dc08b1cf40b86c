// Package calendar implements the CalendarSink of spec.md §4.8: it
// mirrors AppointmentStore's decisions onto an external CalDAV server
// across two logical calendars (confirmed and suggested), owning the
// appointment.id -> calendar_uid mapping. It is grounded on
// internal/email's Client/Manager layout, mapped from IMAP
// connect/select to CalDAV principal/home-set/calendar discovery.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/person"
)

type calendarTarget int

const (
	targetConfirmed calendarTarget = iota
	targetSuggested
)

// Sink writes, updates and deletes remote calendar events for
// appointments, and persists the resulting calendar_uid back onto the
// owning appointment row. Failures are logged, never returned to block
// an AppointmentStore transition, matching spec.md §4.8's "failures are
// logged and do not block the database transition".
type Sink struct {
	client       *client
	appointments *appointment.Store
	persons      *person.Store
	logger       *slog.Logger
}

// NewSink builds a CalendarSink against the given CalDAV configuration.
// The connection is established lazily on first use.
func NewSink(cfg Config, appointments *appointment.Store, persons *person.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client:       newClient(cfg, logger),
		appointments: appointments,
		persons:      persons,
		logger:       logger.With("component", "calendar_sink"),
	}
}

// Write creates a new remote event for appt in the calendar matching
// its current status (suggested for StatusSuggested, confirmed for
// every other status), and records the resulting UID on the
// appointment row.
func (s *Sink) Write(ctx context.Context, appt *appointment.Appointment) {
	uid := appt.ID
	target := targetFor(appt.Status)

	if err := s.put(ctx, *appt, uid, target); err != nil {
		s.logger.Warn("calendar write failed", "appointment_id", appt.ID, "error", err)
		return
	}
	if err := s.appointments.SetCalendarUID(appt.ID, uid); err != nil {
		s.logger.Warn("failed to persist calendar_uid", "appointment_id", appt.ID, "error", err)
	}
}

// Update pushes an edited appointment's current fields to its existing
// remote event. If the appointment's status now routes it to a
// different calendar than the one its existing event lives in, Update
// performs the "delete-then-write" move of spec.md §4.8.
func (s *Sink) Update(ctx context.Context, appt *appointment.Appointment) {
	if appt.CalendarUID == nil {
		s.Write(ctx, appt)
		return
	}
	uid := *appt.CalendarUID
	target := targetFor(appt.Status)

	// Best-effort move: remove from the calendar this event might
	// currently live in before writing to the target, so a status flip
	// never leaves the same event duplicated in both calendars.
	s.deleteFrom(ctx, uid, otherTarget(target))

	if err := s.put(ctx, *appt, uid, target); err != nil {
		s.logger.Warn("calendar update failed", "appointment_id", appt.ID, "error", err)
	}
}

// Delete removes appt's remote event from both calendars (whichever it
// currently lives in; the other delete is a best-effort no-op).
func (s *Sink) Delete(ctx context.Context, appt *appointment.Appointment) {
	if appt.CalendarUID == nil {
		return
	}
	uid := *appt.CalendarUID
	s.deleteFrom(ctx, uid, targetConfirmed)
	s.deleteFrom(ctx, uid, targetSuggested)
}

func targetFor(status appointment.Status) calendarTarget {
	if status == appointment.StatusSuggested {
		return targetSuggested
	}
	return targetConfirmed
}

func otherTarget(t calendarTarget) calendarTarget {
	if t == targetConfirmed {
		return targetSuggested
	}
	return targetConfirmed
}

func (s *Sink) put(ctx context.Context, appt appointment.Appointment, uid string, target calendarTarget) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if err := s.client.ensureConnected(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	names := s.resolveAttendeeNames(appt.Participants)
	cal, err := buildEvent(appt, uid, names)
	if err != nil {
		return err
	}

	calPath := s.client.calendarPath(target)
	if _, err := s.client.dav.PutCalendarObject(ctx, objectPath(calPath, uid), cal); err != nil {
		return fmt.Errorf("put calendar object: %w", err)
	}
	return nil
}

func (s *Sink) deleteFrom(ctx context.Context, uid string, target calendarTarget) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if err := s.client.ensureConnected(ctx); err != nil {
		s.logger.Warn("calendar delete skipped, not connected", "error", err)
		return
	}

	calPath := s.client.calendarPath(target)
	err := s.client.dav.RemoveAll(ctx, objectPath(calPath, uid))
	if err == nil || isNotFound(err) {
		return
	}
	s.logger.Warn("calendar delete failed", "uid", uid, "error", err)
}

// isNotFound reports whether a CalDAV delete failed because the object
// was already gone, which a best-effort move or retry should treat as
// success rather than a sync failure.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "404")
}

// resolveAttendeeNames maps participant person keys to display names
// via PersonStore, falling back to the raw key for participants with no
// on-disk profile (e.g. the user or partner themselves).
func (s *Sink) resolveAttendeeNames(participantKeys []string) []string {
	names := make([]string, 0, len(participantKeys))
	for _, key := range participantKeys {
		if s.persons != nil {
			if p, ok, err := s.persons.Get(key); err == nil && ok {
				names = append(names, p.Name)
				continue
			}
		}
		names = append(names, key)
	}
	return names
}
