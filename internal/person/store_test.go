package person

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, key, yamlBody string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}
}

func TestStore_LoadEmptyDir(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "missing"), nil)

	people, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(people) != 0 {
		t.Fatalf("expected no profiles, got %d", len(people))
	}
}

func TestStore_LoadParsesAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "zora", "key: zora\nname: Zora\n")
	writeProfile(t, dir, "anna", "key: anna\nname: Anna\n")

	s := NewStore(dir, nil)
	people, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(people))
	}
	if people[0].Key != "anna" || people[1].Key != "zora" {
		t.Fatalf("expected sorted order anna,zora; got %s,%s", people[0].Key, people[1].Key)
	}
}

func TestStore_ReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "anna", "key: anna\nname: Anna\n")

	s := NewStore(dir, nil)
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeProfile(t, dir, "ben", "key: ben\nname: Ben\n")

	people, err := s.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("expected 2 profiles after reload, got %d", len(people))
	}
}

func TestStore_Detect_WordBoundary(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "mo", "key: mo\nname: Mo\naliases:\n  - Moritz\n")
	s := NewStore(dir, nil)

	matches, err := s.Detect("Montag holt Moritz die Oma ab", nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (Moritz via alias), got %d: %+v", len(matches), matches)
	}

	noMatch, err := s.Detect("Montag ist frei", nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(noMatch) != 0 {
		t.Fatalf("expected no match for bare 'Montag' against alias 'Mo', got %+v", noMatch)
	}
}

func TestStore_Detect_ContextMessages(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "lena", "key: lena\nname: Lena\n")
	s := NewStore(dir, nil)

	matches, err := s.Detect("wann denn genau?", []string{"Lena hat morgen Training"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(matches) != 1 || matches[0].Key != "lena" {
		t.Fatalf("expected lena matched via context message, got %+v", matches)
	}
}

func TestStore_ApplyFeedback_AddsToUncertainNotFacts(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "anna", "key: anna\nname: Anna\n")
	s := NewStore(dir, nil)

	diff, err := s.ApplyFeedback(Feedback{
		PersonKey:   "anna",
		Action:      "edited",
		Observation: "hat dienstags Klavierunterricht",
	})
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if len(diff.UncertainAdded) != 1 {
		t.Fatalf("expected 1 uncertain addition, got %+v", diff)
	}

	p, ok, err := s.Get("anna")
	if err != nil || !ok {
		t.Fatalf("Get anna: ok=%v err=%v", ok, err)
	}
	if len(p.Facts) != 0 {
		t.Fatalf("expected Facts untouched, got %+v", p.Facts)
	}
	if len(p.Uncertain) != 1 || p.Uncertain[0] != "hat dienstags Klavierunterricht" {
		t.Fatalf("expected observation in Uncertain, got %+v", p.Uncertain)
	}
}

func TestStore_ApplyFeedback_DeduplicatesUncertain(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "anna", "key: anna\nname: Anna\nuncertain:\n  - schwimmt gern\n")
	s := NewStore(dir, nil)

	diff, err := s.ApplyFeedback(Feedback{PersonKey: "anna", Observation: "schwimmt gern"})
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if len(diff.UncertainAdded) != 0 {
		t.Fatalf("expected duplicate observation to be a no-op, got %+v", diff)
	}

	p, _, _ := s.Get("anna")
	if len(p.Uncertain) != 1 {
		t.Fatalf("expected Uncertain to stay deduplicated, got %+v", p.Uncertain)
	}
}

func TestStore_ApplyFeedback_SkipsAlreadyConfirmedFact(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "anna", "key: anna\nname: Anna\nfacts:\n  - mag Fussball\n")
	s := NewStore(dir, nil)

	diff, err := s.ApplyFeedback(Feedback{PersonKey: "anna", Observation: "mag Fussball"})
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if len(diff.UncertainAdded) != 0 {
		t.Fatalf("expected no-op when observation already a confirmed fact, got %+v", diff)
	}

	p, _, _ := s.Get("anna")
	if len(p.Uncertain) != 0 {
		t.Fatalf("expected Uncertain to stay empty, got %+v", p.Uncertain)
	}
}

func TestStore_ApplyReflection_NeverInventsPersons(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	diffs, err := s.ApplyReflection(map[string]ReflectionUpdate{
		"ghost": {NewFacts: []string{"taucht nirgends auf"}},
	})
	if err != nil {
		t.Fatalf("ApplyReflection: %v", err)
	}
	if len(diffs) != 0 {
		t.Fatalf("expected no diffs for unknown person, got %+v", diffs)
	}
}

func TestStore_ApplyReflection_AppendsWithoutOverwriting(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "anna", "key: anna\nname: Anna\nfacts:\n  - mag Fussball\n")
	s := NewStore(dir, nil)

	diffs, err := s.ApplyReflection(map[string]ReflectionUpdate{
		"anna": {
			NewFacts:        []string{"mag Fussball", "spielt Klavier"},
			NewTerminHints:  []string{"Training meist dienstags"},
			ConfidenceNotes: []string{"evtl. auch Schwimmen"},
		},
	})
	if err != nil {
		t.Fatalf("ApplyReflection: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %d", len(diffs))
	}
	if len(diffs[0].FactsAdded) != 1 || diffs[0].FactsAdded[0] != "spielt Klavier" {
		t.Fatalf("expected only the new fact to be added, got %+v", diffs[0].FactsAdded)
	}

	p, _, _ := s.Get("anna")
	if len(p.Facts) != 2 {
		t.Fatalf("expected existing fact preserved plus one new, got %+v", p.Facts)
	}
	if len(p.Uncertain) != 1 || p.Uncertain[0] != "evtl. auch Schwimmen" {
		t.Fatalf("expected confidence note appended to Uncertain, got %+v", p.Uncertain)
	}
}

func TestStore_Write_AtomicRename(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	if err := s.write(Person{Key: "anna", Name: "Anna"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".yaml" {
			t.Fatalf("expected only the final .yaml file to remain, found leftover %q", e.Name())
		}
	}
}
