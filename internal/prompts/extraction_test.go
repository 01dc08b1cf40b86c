package prompts

import (
	"strings"
	"testing"
)

func TestExtractionSystemPrompt_ContainsSchemaAndDimensions(t *testing.T) {
	got := ExtractionSystemPrompt()

	phrases := []string{
		"family coordination appointment extractor",
		"\"actions\"",
		"updates_termin_id",
		"Time —", "Family —", "Action —", "Context —", "Plausibility —", "Intention —",
	}
	for _, p := range phrases {
		if !strings.Contains(got, p) {
			t.Errorf("system prompt missing expected phrase %q", p)
		}
	}
}

func TestExtractionUserPrompt_FixedOrderAndContent(t *testing.T) {
	got := ExtractionUserPrompt(
		"2026-07-31", "dienstag: 2026-08-04", "Mama, Papa, Lena",
		"### Lena\n", "recall: swim club meets Tuesdays\n",
		"- Zahnarzt (2026-08-01)", "[10:00] mama: hi", "edited appt_1: time changed",
		"Lena hat morgen Training",
	)

	order := []string{"2026-07-31", "dienstag: 2026-08-04", "Mama, Papa, Lena", "### Lena", "recall: swim club", "Zahnarzt", "[10:00] mama", "edited appt_1", "Lena hat morgen Training"}
	lastIdx := -1
	for _, s := range order {
		idx := strings.Index(got, s)
		if idx < 0 {
			t.Fatalf("expected prompt to contain %q", s)
		}
		if idx < lastIdx {
			t.Errorf("expected %q to appear after the previous section", s)
		}
		lastIdx = idx
	}
}

func TestExtractionUserPrompt_EmptySectionsGetPlaceholders(t *testing.T) {
	got := ExtractionUserPrompt("2026-07-31", "", "Mama, Papa", "", "", "", "", "", "Some message")

	if !strings.Contains(got, "no known people detected") {
		t.Error("expected placeholder for empty persons section")
	}
	if !strings.Contains(got, "(none in window)") {
		t.Error("expected placeholder for empty existing appointments")
	}
	if !strings.Contains(got, "(no prior messages)") {
		t.Error("expected placeholder for empty recent messages")
	}
}
