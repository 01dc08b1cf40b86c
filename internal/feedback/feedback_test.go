package feedback

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/person"
)

func setupLoop(t *testing.T) (*Loop, *Store, *appointment.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fs, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	as, err := appointment.NewStore(db, nil)
	if err != nil {
		t.Fatalf("appointment.NewStore: %v", err)
	}
	return NewLoop(fs, as, nil, nil, nil), fs, as
}

func TestSubmit_ConfirmedTransitionsAppointment(t *testing.T) {
	loop, _, as := setupLoop(t)
	dt := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)
	a := &appointment.Appointment{ChatID: "chat1", Title: "Training", DateTime: &dt, Confidence: 0.5}
	if err := as.Create(a, 0.85); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := loop.Submit(context.Background(), Record{AppointmentID: a.ID, ChatID: "chat1", Action: ActionConfirmed}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := as.Get(a.ID)
	if got.Status != appointment.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
}

func TestSubmit_RejectedTransitionsAppointment(t *testing.T) {
	loop, _, as := setupLoop(t)
	dt := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)
	a := &appointment.Appointment{ChatID: "chat1", Title: "Training", DateTime: &dt, Confidence: 0.9}
	if err := as.Create(a, 0.85); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := loop.Submit(context.Background(), Record{AppointmentID: a.ID, ChatID: "chat1", Action: ActionRejected, Reason: "falsches Kind"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := as.Get(a.ID)
	if got.Status != appointment.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
}

func TestSubmit_EditedAppliesCorrectionWithoutChangingStatus(t *testing.T) {
	loop, _, as := setupLoop(t)
	dt := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)
	a := &appointment.Appointment{ChatID: "chat1", Title: "Training", DateTime: &dt, Confidence: 0.9}
	if err := as.Create(a, 0.85); err != nil {
		t.Fatalf("Create: %v", err)
	}
	originalStatus := a.Status

	newDT := dt.Add(time.Hour)
	if err := loop.Submit(context.Background(), Record{
		AppointmentID: a.ID,
		ChatID:        "chat1",
		Action:        ActionEdited,
		Correction:    &Correction{Title: "Schwimmtraining", DateTime: &newDT},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := as.Get(a.ID)
	if got.Title != "Schwimmtraining" {
		t.Fatalf("expected corrected title, got %q", got.Title)
	}
	if got.Status != originalStatus {
		t.Fatalf("expected status unchanged by edit, got %s", got.Status)
	}
}

func TestSubmit_EditedOnTerminalStateLogsConflict(t *testing.T) {
	loop, _, as := setupLoop(t)
	var logs bytes.Buffer
	loop.logger = slog.New(slog.NewTextHandler(&logs, nil))

	dt := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)
	a := &appointment.Appointment{ChatID: "chat1", Title: "Training", DateTime: &dt, Confidence: 0.9}
	if err := as.Create(a, 0.85); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := as.Transition(a.ID, appointment.StatusRejected); err != nil {
		t.Fatalf("Transition to rejected: %v", err)
	}

	newDT := dt.Add(time.Hour)
	if err := loop.Submit(context.Background(), Record{
		AppointmentID: a.ID,
		ChatID:        "chat1",
		Action:        ActionEdited,
		Correction:    &Correction{DateTime: &newDT},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := as.Get(a.ID)
	if got.Status != appointment.StatusRejected {
		t.Fatalf("expected status still rejected, got %s", got.Status)
	}
	if !strings.Contains(logs.String(), "feedback_state_conflict") {
		t.Fatalf("expected feedback_state_conflict warning, got log output: %s", logs.String())
	}
}

func TestRecentExamples_OnlyReturnsRejectedAndEdited(t *testing.T) {
	loop, fs, as := setupLoop(t)
	dt := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)

	mk := func(title string) *appointment.Appointment {
		a := &appointment.Appointment{ChatID: "chat1", Title: title, DateTime: &dt, Confidence: 0.9}
		if err := as.Create(a, 0.85); err != nil {
			t.Fatalf("Create: %v", err)
		}
		return a
	}

	a1, a2, a3 := mk("confirmed one"), mk("rejected one"), mk("edited one")

	if err := loop.Submit(context.Background(), Record{AppointmentID: a1.ID, ChatID: "chat1", Action: ActionConfirmed}); err != nil {
		t.Fatalf("Submit confirmed: %v", err)
	}
	if err := loop.Submit(context.Background(), Record{AppointmentID: a2.ID, ChatID: "chat1", Action: ActionRejected, Reason: "nope"}); err != nil {
		t.Fatalf("Submit rejected: %v", err)
	}
	newDT := dt.Add(time.Hour)
	if err := loop.Submit(context.Background(), Record{AppointmentID: a3.ID, ChatID: "chat1", Action: ActionEdited, Correction: &Correction{DateTime: &newDT}}); err != nil {
		t.Fatalf("Submit edited: %v", err)
	}

	examples, err := fs.RecentExamples("chat1", 5)
	if err != nil {
		t.Fatalf("RecentExamples: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("expected 2 examples (rejected+edited), got %d", len(examples))
	}
	for _, e := range examples {
		if e.Action != ActionRejected && e.Action != ActionEdited {
			t.Fatalf("unexpected action in examples: %s", e.Action)
		}
	}
}

func TestApplyPersonFeedback_PushesToUncertainForParticipants(t *testing.T) {
	dir := t.TempDir()
	ps := person.NewStore(dir, nil)
	if _, err := ps.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fs, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	as, err := appointment.NewStore(db, nil)
	if err != nil {
		t.Fatalf("appointment.NewStore: %v", err)
	}
	loop := NewLoop(fs, as, ps, nil, nil)

	dt := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)
	a := &appointment.Appointment{ChatID: "chat1", Title: "x", DateTime: &dt, Confidence: 0.9, Participants: []string{"anna"}}
	if err := as.Create(a, 0.85); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := loop.Submit(context.Background(), Record{AppointmentID: a.ID, ChatID: "chat1", Action: ActionRejected, Reason: "falsch"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p, ok, err := ps.Get("anna")
	if err != nil || !ok {
		t.Fatalf("Get anna: ok=%v err=%v", ok, err)
	}
	if len(p.Uncertain) != 1 || p.Uncertain[0] != "falsch" {
		t.Fatalf("expected rejection reason pushed to anna's Uncertain, got %+v", p.Uncertain)
	}
}
