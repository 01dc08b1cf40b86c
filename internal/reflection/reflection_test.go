package reflection

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/feedback"
	"github.com/nugget/termingeist/internal/llm"
	"github.com/nugget/termingeist/internal/person"
	"github.com/nugget/termingeist/internal/store"
)

type fakeMessages struct {
	msgs []store.Message
}

func (f *fakeMessages) Since(chatID string, cutoff time.Time, limit int) ([]store.Message, error) {
	return f.msgs, nil
}

type fakeAppointments struct {
	appts []*appointment.Appointment
}

func (f *fakeAppointments) Window(chatID string, from, to time.Time, max int) ([]*appointment.Appointment, error) {
	return f.appts, nil
}

type fakeFeedback struct {
	records []feedback.Record
}

func (f *fakeFeedback) Since(chatID string, cutoff time.Time, limit int) ([]feedback.Record, error) {
	return f.records, nil
}

type fakePersons struct {
	persons []person.Person
	applied map[string]person.ReflectionUpdate
}

func (f *fakePersons) Load() ([]person.Person, error) { return f.persons, nil }

func (f *fakePersons) ApplyReflection(updates map[string]person.ReflectionUpdate) ([]person.Diff, error) {
	f.applied = updates
	diffs := make([]person.Diff, 0, len(updates))
	for key := range updates {
		diffs = append(diffs, person.Diff{PersonKey: key})
	}
	return diffs, nil
}

type fakeLLM struct {
	response string
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: f.response}}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func TestIterate_AppliesUpdatesAndReturnsGaps(t *testing.T) {
	persons := &fakePersons{persons: []person.Person{{Key: "lena", Name: "Lena"}}}
	llmResp := `{
		"updates": {
			"lena": {
				"new_facts": ["plays violin on Tuesdays"],
				"confidence_notes": ["might be switching teachers"]
			}
		},
		"meta": {"gaps_identified": ["unclear who drives Wednesday"]}
	}`

	loop := New(Config{ChatID: "family", Model: "frontier-model"}.WithDefaults(), Deps{
		Messages:     &fakeMessages{},
		Appointments: &fakeAppointments{},
		Feedback:     &fakeFeedback{},
		Persons:      persons,
		LLM:          &fakeLLM{response: llmResp},
	})

	gaps, err := loop.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate() error = %v", err)
	}
	if len(gaps) != 1 || gaps[0] != "unclear who drives Wednesday" {
		t.Errorf("gaps = %v, want [unclear who drives Wednesday]", gaps)
	}
	if persons.applied == nil {
		t.Fatal("expected ApplyReflection to be called")
	}
	update, ok := persons.applied["lena"]
	if !ok {
		t.Fatal("expected an update for lena")
	}
	if len(update.NewFacts) != 1 || update.NewFacts[0] != "plays violin on Tuesdays" {
		t.Errorf("NewFacts = %v", update.NewFacts)
	}
}

func TestIterate_UnparseableResponseErrors(t *testing.T) {
	loop := New(Config{ChatID: "family"}.WithDefaults(), Deps{
		Messages:     &fakeMessages{},
		Appointments: &fakeAppointments{},
		Feedback:     &fakeFeedback{},
		Persons:      &fakePersons{},
		LLM:          &fakeLLM{response: "not json at all"},
	})

	if _, err := loop.iterate(context.Background()); err == nil {
		t.Error("expected an error for unparseable LLM output")
	}
}

func TestParseReflectionWire_StripsCodeFence(t *testing.T) {
	fenced := "```json\n{\"updates\":{},\"meta\":{\"gaps_identified\":[]}}\n```"
	wire, ok := parseReflectionWire(fenced)
	if !ok {
		t.Fatal("expected fenced JSON to parse")
	}
	if len(wire.Updates) != 0 {
		t.Errorf("expected no updates, got %v", wire.Updates)
	}
}

func TestParseReflectionWire_Invalid(t *testing.T) {
	if _, ok := parseReflectionWire("definitely not json"); ok {
		t.Error("expected invalid content to fail parsing")
	}
}

func TestToReflectionUpdates_CarriesActivities(t *testing.T) {
	wire, ok := parseReflectionWire(`{
		"updates": {
			"lena": {
				"new_activities": {"swimming": {"type": "weekly", "pattern": "Tuesdays 17:00", "termin_logic": ["create appointment"]}}
			}
		},
		"meta": {"gaps_identified": []}
	}`)
	if !ok {
		t.Fatal("expected valid JSON to parse")
	}

	updates := toReflectionUpdates(wire)
	act, ok := updates["lena"].NewActivities["swimming"]
	if !ok {
		t.Fatal("expected a swimming activity for lena")
	}
	if act.Type != "weekly" || !strings.Contains(act.Pattern, "Tuesdays") {
		t.Errorf("unexpected activity: %+v", act)
	}
}
