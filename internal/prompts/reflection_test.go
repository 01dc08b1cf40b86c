package prompts

import (
	"strings"
	"testing"
)

func TestPersonReflectionPrompt_EmptySections(t *testing.T) {
	got := PersonReflectionPrompt("", "", "")

	if !strings.Contains(got, "no messages in the last 24h") {
		t.Error("expected placeholder text for empty message window")
	}
	if !strings.Contains(got, "no person profiles exist yet") {
		t.Error("expected placeholder text for empty profile snapshot")
	}
	if !strings.Contains(got, "no appointments or feedback") {
		t.Error("expected placeholder text for empty history window")
	}
}

func TestPersonReflectionPrompt_WithContent(t *testing.T) {
	messages := "[10:03] mama: Lena has swim practice Tuesday at 5pm"
	profiles := "key: lena\nfacts: []"
	history := "feedback: edited appt_1 (time changed)"

	got := PersonReflectionPrompt(messages, profiles, history)

	for _, want := range []string{messages, profiles, history} {
		if !strings.Contains(got, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

func TestPersonReflectionPrompt_ContainsKeyPhrases(t *testing.T) {
	got := PersonReflectionPrompt("m", "p", "h")

	phrases := []string{
		"Periodic reflection",
		"confidence_notes",
		"Never invent a person_key",
		"gaps_identified",
		"new_facts",
	}
	for _, phrase := range phrases {
		if !strings.Contains(got, phrase) {
			t.Errorf("prompt missing expected phrase %q", phrase)
		}
	}
}
