package appointment

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"
)

// Store persists Appointment rows and enforces the status state
// machine of spec.md §4.7. Its migration shape (CREATE TABLE IF NOT
// EXISTS + additive ALTER TABLE swallowing "duplicate column name")
// and soft-delete-free CRUD are modeled directly on
// internal/anticipation.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps db (shared with internal/store's ConversationWindow)
// and migrates the appointments table.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "appointment_store")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate appointments: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			title TEXT NOT NULL,
			datetime TIMESTAMP,
			date TEXT,
			all_day BOOLEAN DEFAULT 0,
			end_datetime TIMESTAMP,
			zone TEXT,
			participants_json TEXT,
			category TEXT NOT NULL,
			relevance TEXT NOT NULL,
			status TEXT NOT NULL,
			confidence REAL NOT NULL,
			source_message_ids_json TEXT,
			calendar_uid TEXT,
			reasoning TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_appointments_chat_dt
			ON appointments(chat_id, datetime);
		CREATE INDEX IF NOT EXISTS idx_appointments_status
			ON appointments(status);
	`)
	if err != nil {
		return err
	}

	for _, stmt := range []struct{ sql, desc string }{
		{`ALTER TABLE appointments ADD COLUMN calendar_uid TEXT`, "calendar_uid"},
		{`ALTER TABLE appointments ADD COLUMN dedupe_key TEXT`, "dedupe_key"},
	} {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migrate %s: %w", stmt.desc, err)
			}
		}
	}

	// The dedupe index needs the dedupe_key column added above.
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_appointments_dedupe
		ON appointments(chat_id, dedupe_key)`); err != nil {
		return err
	}

	return nil
}

// DedupeKey computes the deterministic advisory key
// (chat_id, hash(title), date_bucket) spec.md §5 uses to serialize the
// duplicate-or-update transaction for a given create action, via
// stdlib hash/fnv rather than a third-party hashing library — no
// dependency in the retrieved pack offers anything simpler than
// fnv.New32a for a non-cryptographic bucket key.
func DedupeKey(chatID, title string, start time.Time) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(title))))
	bucket := start.UTC().Format("2006-01-02")
	return fmt.Sprintf("%s:%08x:%s", chatID, h.Sum32(), bucket)
}

// Create inserts a new appointment, assigning Status from confidence
// per spec.md §4.7 (auto if ≥ threshold, else suggested). Callers pass
// the configured threshold since the store has no config dependency.
//
// The insert runs inside a BEGIN IMMEDIATE transaction (the database
// handle is opened with _txlock=immediate, so db.Begin() already gets
// immediate-lock semantics) that re-checks for a row sharing a's
// DedupeKey before inserting. Two messages in the same chat racing to
// extract the same appointment within milliseconds (spec.md §5) both
// reach Create concurrently; the loser's transaction blocks on the
// reserved lock until the winner commits, then finds the winner's row
// under the same key and merges into it instead of inserting a
// duplicate.
func (s *Store) Create(a *Appointment, autoThreshold float64) error {
	if a.ID == "" {
		a.ID = fmt.Sprintf("apt_%d", time.Now().UnixNano())
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		if a.Confidence >= autoThreshold {
			a.Status = StatusAuto
		} else {
			a.Status = StatusSuggested
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := dedupeKeyFor(a)
	existing, err := findDedupeConflict(tx, a.ChatID, key)
	if err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if existing != nil {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
		if existing.Status == StatusConfirmed || existing.Status.Terminal() {
			a.Status = existing.Status
		}
	}

	if err := upsert(tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

// findDedupeConflict looks up the oldest row already carrying key
// within the same chat, so a racing second insert merges into the
// first writer's row rather than creating a sibling.
func findDedupeConflict(tx *sql.Tx, chatID, key string) (*Appointment, error) {
	if key == "" {
		return nil, nil
	}
	row := tx.QueryRow(`
		SELECT id, chat_id, title, datetime, date, all_day, end_datetime, zone,
			participants_json, category, relevance, status, confidence,
			source_message_ids_json, calendar_uid, reasoning, created_at, updated_at
		FROM appointments
		WHERE chat_id = ? AND dedupe_key = ?
		ORDER BY created_at ASC
		LIMIT 1
	`, chatID, key)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// dedupeKeyFor derives the advisory key for a's current fields,
// falling back to "now" when a has no resolvable start (an all-day
// appointment with a malformed Date, for instance) — such a row still
// gets a key, it just buckets on insert time rather than its date.
func dedupeKeyFor(a *Appointment) string {
	start, ok := a.Start()
	if !ok {
		start = time.Now().UTC()
	}
	return DedupeKey(a.ChatID, a.Title, start)
}

// execer is satisfied by both *sql.DB and *sql.Tx, so upsert can run
// either as its own implicit transaction or inside a caller's.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsert(exec execer, a *Appointment) error {
	participantsJSON, err := json.Marshal(a.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	sourceJSON, err := json.Marshal(a.SourceMessageIDs)
	if err != nil {
		return fmt.Errorf("marshal source_message_ids: %w", err)
	}
	key := dedupeKeyFor(a)

	_, err = exec.Exec(`
		INSERT INTO appointments (
			id, chat_id, title, datetime, date, all_day, end_datetime, zone,
			participants_json, category, relevance, status, confidence,
			source_message_ids_json, calendar_uid, reasoning, dedupe_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id=excluded.chat_id, title=excluded.title, datetime=excluded.datetime,
			date=excluded.date, all_day=excluded.all_day, end_datetime=excluded.end_datetime,
			zone=excluded.zone, participants_json=excluded.participants_json,
			category=excluded.category, relevance=excluded.relevance, status=excluded.status,
			confidence=excluded.confidence, source_message_ids_json=excluded.source_message_ids_json,
			calendar_uid=excluded.calendar_uid, reasoning=excluded.reasoning,
			dedupe_key=excluded.dedupe_key, updated_at=excluded.updated_at
	`, a.ID, a.ChatID, a.Title, a.DateTime, a.Date, a.AllDay, a.EndDateTime, a.Zone,
		string(participantsJSON), string(a.Category), string(a.Relevance), string(a.Status),
		a.Confidence, string(sourceJSON), a.CalendarUID, a.Reasoning, key, a.CreatedAt, a.UpdatedAt)
	return err
}

// Get retrieves a single appointment by id.
func (s *Store) Get(id string) (*Appointment, error) {
	row := s.db.QueryRow(`
		SELECT id, chat_id, title, datetime, date, all_day, end_datetime, zone,
			participants_json, category, relevance, status, confidence,
			source_message_ids_json, calendar_uid, reasoning, created_at, updated_at
		FROM appointments WHERE id = ?
	`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// Window returns appointments for chatID whose start falls within
// [from, to], ordered by datetime ascending, capped at max — the
// existing_appointments projection of spec.md §4.2 step 2.
func (s *Store) Window(chatID string, from, to time.Time, max int) ([]*Appointment, error) {
	if max <= 0 {
		max = 30
	}
	rows, err := s.db.Query(`
		SELECT id, chat_id, title, datetime, date, all_day, end_datetime, zone,
			participants_json, category, relevance, status, confidence,
			source_message_ids_json, calendar_uid, reasoning, created_at, updated_at
		FROM appointments
		WHERE chat_id = ?
			AND COALESCE(datetime, date) IS NOT NULL
			AND COALESCE(datetime, date) >= ?
			AND COALESCE(datetime, date) <= ?
		ORDER BY COALESCE(datetime, date) ASC
		LIMIT ?
	`, chatID, from.UTC(), to.UTC(), max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SuggestedOlderThan returns suggested-status appointments whose
// created_at predates cutoff — candidates for the 30-day aging job
// (spec.md §4.7), modeled on anticipation.Store.OnCooldown's
// time-windowed state check.
func (s *Store) SuggestedOlderThan(cutoff time.Time) ([]*Appointment, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, title, datetime, date, all_day, end_datetime, zone,
			participants_json, category, relevance, status, confidence,
			source_message_ids_json, calendar_uid, reasoning, created_at, updated_at
		FROM appointments
		WHERE status = ? AND created_at < ?
	`, string(StatusSuggested), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UnsyncedCalendar returns non-cancelled appointments for chatID with no
// calendar_uid yet recorded, for the reconcile-calendar maintenance
// command to re-push.
func (s *Store) UnsyncedCalendar(chatID string) ([]*Appointment, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, title, datetime, date, all_day, end_datetime, zone,
			participants_json, category, relevance, status, confidence,
			source_message_ids_json, calendar_uid, reasoning, created_at, updated_at
		FROM appointments
		WHERE chat_id = ? AND calendar_uid IS NULL AND status != ?
	`, chatID, string(StatusCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingCalendarSync counts non-cancelled appointments with no
// calendar_uid yet recorded — rows CalendarSink has not (or not
// successfully) written, surfaced by the status server so a stuck
// sync is visible without querying the database directly.
func (s *Store) PendingCalendarSync(chatID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM appointments
		WHERE chat_id = ? AND calendar_uid IS NULL AND status != ?
	`, chatID, string(StatusCancelled)).Scan(&n)
	return n, err
}

// Transition applies a status change, enforcing that terminal states
// never accept a bare status transition (update/cancel still apply
// through ApplyUpdate/Cancel, which is how a confirmed appointment
// keeps moving per spec.md §4.7's "confirmed can still receive update
// and cancel").
func (s *Store) Transition(id string, next Status) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("appointment %s not found", id)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("appointment %s is in terminal state %s, cannot transition to %s", id, a.Status, next)
	}

	_, err = s.db.Exec(`UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), time.Now().UTC(), id)
	return err
}

// ApplyUpdate merges non-zero fields from patch into the existing row
// (an "update" action or an "edited" feedback correction, spec.md
// §4.7) without touching status.
func (s *Store) ApplyUpdate(id string, patch Appointment) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("appointment %s not found", id)
	}

	if patch.Title != "" {
		a.Title = patch.Title
	}
	if patch.DateTime != nil {
		a.DateTime = patch.DateTime
		a.Date = nil
		a.AllDay = false
	}
	if patch.Date != nil {
		a.Date = patch.Date
		a.DateTime = nil
		a.AllDay = true
	}
	if patch.EndDateTime != nil {
		a.EndDateTime = patch.EndDateTime
	}
	if len(patch.Participants) > 0 {
		a.Participants = patch.Participants
	}
	if patch.Category != "" {
		a.Category = patch.Category
	}
	if patch.Relevance != "" {
		a.Relevance = patch.Relevance
	}
	if patch.Reasoning != "" {
		a.Reasoning = patch.Reasoning
	}
	a.UpdatedAt = time.Now().UTC()

	return upsert(s.db, a)
}

// AgeSuggested transitions every suggested appointment older than
// cutoff to skipped, returning the ids it moved. Errors on individual
// rows are logged and do not stop the sweep — one malformed row must
// not block aging the rest.
func (s *Store) AgeSuggested(cutoff time.Time) ([]string, error) {
	stale, err := s.SuggestedOlderThan(cutoff)
	if err != nil {
		return nil, err
	}

	var moved []string
	for _, a := range stale {
		if err := s.Transition(a.ID, StatusSkipped); err != nil {
			s.logger.Warn("failed to age suggested appointment", "id", a.ID, "error", err)
			continue
		}
		moved = append(moved, a.ID)
	}
	return moved, nil
}

// SetCalendarUID records the remote event binding CalendarSink owns.
func (s *Store) SetCalendarUID(id, uid string) error {
	_, err := s.db.Exec(`UPDATE appointments SET calendar_uid = ?, updated_at = ? WHERE id = ?`,
		uid, time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*Appointment, error) {
	var a Appointment
	var dateTime, endDateTime sql.NullTime
	var date, zone, participantsJSON, sourceJSON, calendarUID, reasoning sql.NullString
	var category, relevance, status string

	err := row.Scan(&a.ID, &a.ChatID, &a.Title, &dateTime, &date, &a.AllDay, &endDateTime, &zone,
		&participantsJSON, &category, &relevance, &status, &a.Confidence,
		&sourceJSON, &calendarUID, &reasoning, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if dateTime.Valid {
		t := dateTime.Time
		a.DateTime = &t
	}
	if endDateTime.Valid {
		t := endDateTime.Time
		a.EndDateTime = &t
	}
	if date.Valid {
		d := date.String
		a.Date = &d
	}
	a.Zone = zone.String
	a.Category = Category(category)
	a.Relevance = Relevance(relevance)
	a.Status = Status(status)
	if calendarUID.Valid {
		u := calendarUID.String
		a.CalendarUID = &u
	}
	a.Reasoning = reasoning.String

	if participantsJSON.Valid && participantsJSON.String != "" {
		_ = json.Unmarshal([]byte(participantsJSON.String), &a.Participants)
	}
	if sourceJSON.Valid && sourceJSON.String != "" {
		_ = json.Unmarshal([]byte(sourceJSON.String), &a.SourceMessageIDs)
	}

	return &a, nil
}
