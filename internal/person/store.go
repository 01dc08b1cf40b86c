package person

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store is the lazy-loaded singleton PersonStore described in spec.md
// §4.5. Snapshot returns an immutable copy so concurrent readers never
// observe a half-written profile; mutations go through ApplyFeedback /
// ApplyReflection, each serialized per profile key via fileLocks.
//
// The directory-of-files, sorted, cached loading shape mirrors
// internal/talents.Loader; writes are atomic (temp file + rename) since
// no library in the retrieved pack does atomic file replace.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot map[string]Person // key -> Person, populated by Load/Reload
	loaded   bool

	fileLocksMu sync.Mutex
	fileLocks   map[string]*sync.Mutex
}

// NewStore creates a PersonStore rooted at dir. Load() must be called
// (directly, or implicitly via Detect/Get) before the profiles are
// usable.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		logger:    logger.With("component", "person_store"),
		fileLocks: make(map[string]*sync.Mutex),
	}
}

// Load reads all profile files, parses them, caches the result, and
// returns an immutable snapshot. Idempotent: a second call without
// Reload returns the cached snapshot.
func (s *Store) Load() ([]Person, error) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return s.snapshotLocked(), nil
	}
	s.mu.RUnlock()

	return s.Reload()
}

// Reload invalidates the cache and reloads every profile file from
// disk.
func (s *Store) Reload() ([]Person, error) {
	people, err := s.readAll()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snapshot = people
	s.loaded = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return snap, nil
}

// snapshotLocked must be called with s.mu held (read or write).
func (s *Store) snapshotLocked() []Person {
	out := make([]Person, 0, len(s.snapshot))
	keys := make([]string, 0, len(s.snapshot))
	for k := range s.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, s.snapshot[k])
	}
	return out
}

func (s *Store) readAll() (map[string]Person, error) {
	people := make(map[string]Person)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return people, nil
		}
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		path := filepath.Join(s.dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", f, err)
		}

		var p Person
		if err := yaml.Unmarshal(data, &p); err != nil {
			s.logger.Warn("skipping unparsable profile", "file", f, "error", err)
			continue
		}
		if p.Key == "" {
			p.Key = strings.TrimSuffix(f, ".yaml")
		}
		people[p.Key] = p
	}

	return people, nil
}

// Get returns a single person by key from the cached snapshot. Loads
// the store first if it has never been loaded.
func (s *Store) Get(key string) (Person, bool, error) {
	snap, err := s.Load()
	if err != nil {
		return Person{}, false, err
	}
	for _, p := range snap {
		if p.Key == key {
			return p, true, nil
		}
	}
	return Person{}, false, nil
}

// lockFor returns the per-profile mutex for key, creating it on first
// use. Guarantees writes to the same profile are serialized even
// across concurrent FeedbackLoop/ReflectionAgent callers (spec.md §5).
func (s *Store) lockFor(key string) *sync.Mutex {
	s.fileLocksMu.Lock()
	defer s.fileLocksMu.Unlock()
	l, ok := s.fileLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.fileLocks[key] = l
	}
	return l
}

// write atomically persists a person profile: write to a temp file in
// the same directory, then rename into place. Rename within the same
// filesystem is atomic on POSIX systems, matching spec.md §4.5's
// "write is atomic per profile (rename-into-place)" invariant.
func (s *Store) write(p Person) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	finalPath := filepath.Join(s.dir, p.Key+".yaml")
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+p.Key+"-*")
	if err != nil {
		return fmt.Errorf("create temp profile file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp profile file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp profile file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename profile into place: %w", err)
	}

	s.mu.Lock()
	if s.snapshot == nil {
		s.snapshot = make(map[string]Person)
	}
	s.snapshot[p.Key] = p
	s.mu.Unlock()

	return nil
}

// now is overridable in tests.
var now = time.Now

// wordBoundaryRe builds a case-insensitive, word-boundary regex that
// matches name as a whole word. Compiled on demand since alias lists
// are small and per-call compilation cost is negligible against the
// LLM-cascade latency this result feeds into.
func wordBoundaryRe(name string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
}

// Detect returns every Person whose name or alias appears, as a whole
// word, in text or any of contextMessages. Matching is case-insensitive
// and word-boundary delimited so "Mo" does not match inside "Montag".
func (s *Store) Detect(text string, contextMessages []string) ([]Person, error) {
	people, err := s.Load()
	if err != nil {
		return nil, err
	}

	haystacks := make([]string, 0, 1+len(contextMessages))
	haystacks = append(haystacks, text)
	haystacks = append(haystacks, contextMessages...)

	var matched []Person
	for _, p := range people {
		names := append([]string{p.Name}, p.Aliases...)
		found := false
		for _, n := range names {
			if n == "" {
				continue
			}
			re, err := wordBoundaryRe(n)
			if err != nil {
				continue
			}
			for _, h := range haystacks {
				if re.MatchString(h) {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if found {
			matched = append(matched, p)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
	return matched, nil
}

// Feedback is the subset of a FeedbackRecord (internal/feedback) that
// PersonStore needs to translate user corrections into profile edits.
type Feedback struct {
	PersonKey   string // empty if the feedback could not be attributed to a known person
	Action      string // "confirmed", "rejected", "edited", "skipped"
	Correction  string // free-text correction supplied with an "edited" action
	Observation string // a single-message fact candidate, pushed to Uncertain
}

// Diff describes what changed on a profile as a result of
// apply_feedback/apply_reflection, for logging and test assertions.
type Diff struct {
	PersonKey       string
	FactsAdded      []string
	ActivitiesAdded []string
	HintsAdded      []string
	UncertainAdded  []string
}

// ApplyFeedback translates a user correction into a profile edit. It
// only appends: a fact observed from a single message goes to
// Uncertain, never directly to Facts, and duplicate Uncertain entries
// are deduplicated (spec.md §4.5).
func (s *Store) ApplyFeedback(fb Feedback) (Diff, error) {
	diff := Diff{PersonKey: fb.PersonKey}
	if fb.PersonKey == "" || fb.Observation == "" {
		return diff, nil
	}

	lock := s.lockFor(fb.PersonKey)
	lock.Lock()
	defer lock.Unlock()

	p, ok, err := s.Get(fb.PersonKey)
	if err != nil {
		return diff, err
	}
	if !ok {
		p = Person{Key: fb.PersonKey, Name: fb.PersonKey}
	}

	before := len(p.Uncertain)
	p.Uncertain = pushUncertain(p.Uncertain, p.Facts, fb.Observation)
	if len(p.Uncertain) > before {
		diff.UncertainAdded = append(diff.UncertainAdded, fb.Observation)
	}
	p.UpdatedAt = now()

	if err := s.write(p); err != nil {
		return diff, err
	}
	return diff, nil
}

// ReflectionUpdate is one person_key entry of the ReflectionAgent's
// {updates: {...}} output document (spec.md §4.10).
type ReflectionUpdate struct {
	NewFacts        []string
	NewActivities   map[string]Activity
	NewTerminHints  []string
	ConfidenceNotes []string // appended to Uncertain, per the humility constraint
}

// ApplyReflection applies a ReflectionAgent diff document. It never
// invents persons (an update for an unknown key is skipped), never
// overwrites existing facts, and never removes
// uncertain entries (only the ring-buffer policy ages them out).
func (s *Store) ApplyReflection(updates map[string]ReflectionUpdate) ([]Diff, error) {
	var diffs []Diff

	for key, u := range updates {
		p, ok, err := s.Get(key)
		if err != nil {
			return diffs, err
		}
		if !ok {
			// Never invents persons.
			continue
		}

		lock := s.lockFor(key)
		lock.Lock()

		diff := Diff{PersonKey: key}

		for _, f := range u.NewFacts {
			if !contains(p.Facts, f) {
				p.Facts = append(p.Facts, f)
				diff.FactsAdded = append(diff.FactsAdded, f)
			}
		}

		if len(u.NewActivities) > 0 && p.Activities == nil {
			p.Activities = make(map[string]Activity)
		}
		for name, act := range u.NewActivities {
			if _, exists := p.Activities[name]; !exists {
				p.Activities[name] = act
				diff.ActivitiesAdded = append(diff.ActivitiesAdded, name)
			}
		}

		for _, h := range u.NewTerminHints {
			if !contains(p.TerminHints, h) {
				p.TerminHints = append(p.TerminHints, h)
				diff.HintsAdded = append(diff.HintsAdded, h)
			}
		}

		for _, note := range u.ConfidenceNotes {
			before := len(p.Uncertain)
			p.Uncertain = pushUncertain(p.Uncertain, p.Facts, note)
			if len(p.Uncertain) > before {
				diff.UncertainAdded = append(diff.UncertainAdded, note)
			}
		}

		p.UpdatedAt = now()
		err = s.write(p)
		lock.Unlock()
		if err != nil {
			return diffs, err
		}

		diffs = append(diffs, diff)
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].PersonKey < diffs[j].PersonKey })
	return diffs, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
