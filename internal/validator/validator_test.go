package validator

import (
	"testing"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/person"
)

func dt(y int, mo time.Month, d, h, m int) *time.Time {
	t := time.Date(y, mo, d, h, m, 0, 0, time.UTC)
	return &t
}

func TestValidate_SchemaShapeDiscardsMissingTitle(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{Action: appointment.ActionCreate, DateTime: dt(2026, 8, 3, 17, 0)}},
		Zone:    "UTC",
	})
	if len(decisions) != 0 {
		t.Fatalf("expected action with no title to be discarded, got %+v", decisions)
	}
}

func TestValidate_SchemaShapeDiscardsMissingDateAndTime(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{Action: appointment.ActionCreate, Title: "Training"}},
		Zone:    "UTC",
	})
	if len(decisions) != 0 {
		t.Fatalf("expected action missing both datetime and date to be discarded, got %+v", decisions)
	}
}

func TestValidate_PastSuppressionRejectsOldMoment(t *testing.T) {
	msgTime := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Training",
			DateTime:   dt(2026, 8, 1, 17, 0), // more than 24h before msgTime
			Confidence: 0.9,
		}},
		MessageTimestamp: msgTime,
		Zone:             "UTC",
	})
	if len(decisions) != 0 {
		t.Fatalf("expected past action to be suppressed, got %+v", decisions)
	}
}

func TestValidate_PastSuppressionAllowsWithin24h(t *testing.T) {
	msgTime := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Training",
			DateTime:   dt(2026, 8, 9, 18, 0), // 18h before msgTime
			Confidence: 0.9,
		}},
		MessageTimestamp: msgTime,
		Zone:             "UTC",
	})
	if len(decisions) != 1 {
		t.Fatalf("expected action within 24h grace period to survive, got %+v", decisions)
	}
}

func TestValidate_EndVsStart_VonBis(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Geburtstagsfeier",
			DateTime:   dt(2026, 8, 3, 0, 0),
			Confidence: 0.9,
		}},
		MessageText: "Die Feier ist von 14 bis 18 Uhr am Samstag.",
		Zone:        "UTC",
	})
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	got := decisions[0].Appointment
	if got.DateTime == nil || got.DateTime.Hour() != 14 {
		t.Fatalf("expected start hour 14, got %+v", got.DateTime)
	}
	if got.EndDateTime == nil || got.EndDateTime.Hour() != 18 {
		t.Fatalf("expected end hour 18, got %+v", got.EndDateTime)
	}
}

func TestValidate_EndVsStart_BareBisFillsEndOnly(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Geburtstagsfeier",
			Date:       strPtr("2026-08-03"),
			AllDay:     true,
			Confidence: 0.9,
		}},
		MessageText: "Die Feier geht bis 18 Uhr.",
		Zone:        "UTC",
	})
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	got := decisions[0].Appointment
	if got.DateTime != nil {
		t.Fatalf("expected no start datetime set, got %+v", got.DateTime)
	}
	if got.EndDateTime == nil || got.EndDateTime.Hour() != 18 {
		t.Fatalf("expected end hour 18, got %+v", got.EndDateTime)
	}
}

func TestValidate_PrepTaskSuppressedWhenRelatedExistingPresent(t *testing.T) {
	existingDT := dt(2026, 8, 4, 17, 0)
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Schwimmsachen einpacken",
			DateTime:   dt(2026, 8, 4, 8, 0),
			Confidence: 0.7,
		}},
		ExistingAppointments: []*appointment.Appointment{
			{ID: "a1", Title: "Schwimmtraining", DateTime: existingDT},
		},
		Zone: "UTC",
	})
	if len(decisions) != 0 {
		t.Fatalf("expected prep task to be suppressed, got %+v", decisions)
	}
}

func TestValidate_PrepTaskKeptWhenNoRelatedExisting(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Kuchen backen",
			DateTime:   dt(2026, 8, 4, 8, 0),
			Confidence: 0.7,
		}},
		Zone: "UTC",
	})
	if len(decisions) != 1 {
		t.Fatalf("expected unrelated prep task to survive, got %+v", decisions)
	}
}

func TestValidate_RelevanceInference_ChildForcesShared(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:       appointment.ActionCreate,
			Title:        "Training",
			DateTime:     dt(2026, 8, 4, 17, 0),
			Confidence:   0.9,
			Participants: []string{"anna"},
		}},
		DetectedPersons: []person.Person{{Key: "anna", Name: "Anna", Role: "child"}},
		Zone:            "UTC",
	})
	if decisions[0].Appointment.Relevance != appointment.RelevanceShared {
		t.Fatalf("expected shared relevance for child participant, got %s", decisions[0].Appointment.Relevance)
	}
}

func TestValidate_RelevanceInference_PartnerOnly(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:       appointment.ActionCreate,
			Title:        "Training",
			DateTime:     dt(2026, 8, 4, 17, 0),
			Confidence:   0.9,
			Participants: []string{"Sam"},
		}},
		UserName:    "Alex",
		PartnerName: "Sam",
		Zone:        "UTC",
	})
	if decisions[0].Appointment.Relevance != appointment.RelevancePartnerOnly {
		t.Fatalf("expected partner_only relevance, got %s", decisions[0].Appointment.Relevance)
	}
}

func TestValidate_DuplicateOrUpdate_HighScoreRewritesToUpdate(t *testing.T) {
	existingDT := dt(2026, 8, 4, 17, 0)
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Schwimmtraining am Hallenbad",
			DateTime:   dt(2026, 8, 4, 17, 10),
			Confidence: 0.9,
		}},
		ExistingAppointments: []*appointment.Appointment{
			{ID: "existing1", Title: "Schwimmtraining im Hallenbad", DateTime: existingDT},
		},
		Zone: "UTC",
	})
	if decisions[0].Kind != DecisionUpdate || decisions[0].TargetID != "existing1" {
		t.Fatalf("expected rewrite to update existing1, got %+v", decisions[0])
	}
}

func TestValidate_DuplicateOrUpdate_VeryHighScoreDrops(t *testing.T) {
	existingDT := dt(2026, 8, 4, 17, 0)
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:     appointment.ActionCreate,
			Title:      "Schwimmtraining",
			DateTime:   dt(2026, 8, 4, 17, 5),
			Confidence: 0.9,
		}},
		ExistingAppointments: []*appointment.Appointment{
			{ID: "existing1", Title: "Schwimmtraining", DateTime: existingDT},
		},
		Zone: "UTC",
	})
	if decisions[0].Kind != DecisionDrop {
		t.Fatalf("expected drop as near-identical duplicate, got %+v", decisions[0])
	}
}

func TestValidate_ConfidenceClamp_DefaultsWhenOmitted(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:   appointment.ActionCreate,
			Title:    "Training",
			DateTime: dt(2026, 8, 4, 17, 0),
		}},
		Zone: "UTC",
	})
	if decisions[0].Appointment.Confidence != 0.5 {
		t.Fatalf("expected default confidence 0.5, got %v", decisions[0].Appointment.Confidence)
	}
}

func TestValidate_ConfidenceClamp_FallbackCappedAt04(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{
			Action:                appointment.ActionCreate,
			Title:                 "Training",
			DateTime:              dt(2026, 8, 4, 17, 0),
			Confidence:            0.9,
			SynthesizedByFallback: true,
		}},
		Zone: "UTC",
	})
	if decisions[0].Appointment.Confidence != 0.4 {
		t.Fatalf("expected fallback confidence capped at 0.4, got %v", decisions[0].Appointment.Confidence)
	}
}

func TestValidate_UpdateActionRequiresTerminID(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{Action: appointment.ActionUpdate, Title: "Training"}},
		Zone:    "UTC",
	})
	if len(decisions) != 0 {
		t.Fatalf("expected update without updates_termin_id to be discarded, got %+v", decisions)
	}
}

func TestValidate_CancelActionPassesThrough(t *testing.T) {
	decisions := Validate(Input{
		Actions:              []appointment.Action{{Action: appointment.ActionCancel, UpdatesTerminID: "existing1"}},
		Zone:                 "UTC",
		ExistingAppointments: []*appointment.Appointment{{ID: "existing1"}},
	})
	if len(decisions) != 1 || decisions[0].Kind != DecisionCancel || decisions[0].TargetID != "existing1" {
		t.Fatalf("expected cancel decision for existing1, got %+v", decisions)
	}
}

func TestValidate_CancelActionWithUnknownTargetIsDropped(t *testing.T) {
	decisions := Validate(Input{
		Actions: []appointment.Action{{Action: appointment.ActionCancel, UpdatesTerminID: "ghost"}},
		Zone:    "UTC",
	})
	if len(decisions) != 1 || decisions[0].Kind != DecisionDrop {
		t.Fatalf("expected drop for unknown cancel target, got %+v", decisions)
	}
}

func strPtr(s string) *string { return &s }
