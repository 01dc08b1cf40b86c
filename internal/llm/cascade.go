package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
)

// ExtractionResult is the LLMCascade's output: a validated-shape (not
// yet business-rule-validated — that is internal/validator's job) list
// of actions plus the model's free-text reasoning.
type ExtractionResult struct {
	Actions   []appointment.Action
	Reasoning string
}

// Provider pairs a Client with the model name and per-attempt timeout
// the cascade uses for it.
type Provider struct {
	Name    string
	Client  Client
	Model   string
	Timeout time.Duration
}

// Cascade implements the ordered [Primary, Fallback] provider policy of
// spec.md §4.3: MultiClient's model-name → provider routing
// (clientFor) is replaced here by straight-line advance-on-failure,
// since extraction always wants the same logical call attempted
// against each provider in turn rather than routed by model name.
type Cascade struct {
	providers []Provider
	logger    *slog.Logger
}

// NewCascade builds a cascade from an ordered provider list. providers
// must be non-empty; extraction with zero providers always returns an
// empty result.
func NewCascade(logger *slog.Logger, providers ...Provider) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{providers: providers, logger: logger.With("component", "llm_cascade")}
}

// Extract runs systemPrompt/userPrompt through each provider in order
// until one yields a parseable extraction. Per spec.md §4.3 it never
// returns a Go error for a recoverable failure — only an empty result.
func (c *Cascade) Extract(ctx context.Context, systemPrompt, userPrompt string) ExtractionResult {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	for _, p := range c.providers {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		resp, err := p.Client.Chat(attemptCtx, p.Model, messages, nil)
		cancel()

		if err != nil {
			kind := Classify(err)
			c.logger.Warn("provider failed, advancing cascade",
				"provider", p.Name, "kind", kind, "error", err)
			continue
		}

		result, ok := parseExtraction(resp.Message.Content)
		if !ok {
			c.logger.Warn("provider response unparseable, advancing cascade", "provider", p.Name)
			continue
		}
		return result
	}

	return ExtractionResult{}
}

// ProviderHealth reports one cascade provider's configured name, model,
// and whether Ping succeeded, for the status endpoint.
type ProviderHealth struct {
	Name      string
	Model     string
	Reachable bool
}

// Health pings every configured provider in order. Unlike Extract it
// does not stop at the first success — a status endpoint wants to know
// about a dead fallback even while the primary is healthy.
func (c *Cascade) Health(ctx context.Context) []ProviderHealth {
	out := make([]ProviderHealth, 0, len(c.providers))
	for _, p := range c.providers {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := p.Client.Ping(pingCtx)
		cancel()
		out = append(out, ProviderHealth{Name: p.Name, Model: p.Model, Reachable: err == nil})
	}
	return out
}

// extractionWire is the {actions, reasoning} schema of spec.md §4.3.
type extractionWire struct {
	Actions []struct {
		Action          string   `json:"action"`
		UpdatesTerminID string   `json:"updates_termin_id"`
		Title           string   `json:"title"`
		DateTime        *string  `json:"datetime"`
		Date            *string  `json:"date"`
		AllDay          bool     `json:"all_day"`
		EndDateTime     *string  `json:"end_datetime"`
		Participants    []string `json:"participants"`
		Category        string   `json:"category"`
		Relevance       string   `json:"relevance"`
		Confidence      *float64 `json:"confidence"`
		SourceMessageID []string `json:"source_message_ids"`
		Reasoning       string   `json:"reasoning"`
	} `json:"actions"`
	Reasoning string `json:"reasoning"`
}

// parseExtraction applies the four resilient parsing strategies of
// spec.md §4.3 in order until one succeeds.
func parseExtraction(content string) (ExtractionResult, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return ExtractionResult{}, false
	}

	if wire, ok := tryUnmarshalExtraction(content); ok {
		return toExtractionResult(wire), true
	}

	if obj := extractBalancedObject(content); obj != "" {
		if wire, ok := tryUnmarshalExtraction(obj); ok {
			return toExtractionResult(wire), true
		}
	}

	if fenced := extractFencedBlock(content); fenced != "" {
		if wire, ok := tryUnmarshalExtraction(fenced); ok {
			return toExtractionResult(wire), true
		}
		if obj := extractBalancedObject(fenced); obj != "" {
			if wire, ok := tryUnmarshalExtraction(obj); ok {
				return toExtractionResult(wire), true
			}
		}
	}

	if result, ok := naturalLanguageFallback(content); ok {
		return result, true
	}

	return ExtractionResult{}, false
}

func tryUnmarshalExtraction(s string) (extractionWire, bool) {
	var wire extractionWire
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return extractionWire{}, false
	}
	return wire, true
}

// extractBalancedObject finds the first balanced {...} substring,
// matching the teacher's brace-counting approach in
// parseTextToolCalls's "tool_name {json_args}" branch.
func extractBalancedObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func extractFencedBlock(s string) string {
	m := fencedBlockRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var (
	fallbackTimeRe = regexp.MustCompile(`\b\d{1,2}:\d{2}\b|\b\d{1,2}\s?(?:Uhr|uhr)\b`)
	fallbackDateRe = regexp.MustCompile(`\b\d{1,2}\.\s?\d{1,2}\.(\s?\d{2,4})?\b`)
	fallbackNounRe = regexp.MustCompile(`(?i)\b(termin|training|schule|geburtstag|arzttermin|elternabend|treffen|party|ausflug|wettkampf|konzert|meeting)\b`)
)

// naturalLanguageFallback is strategy 4: synthesize a single
// low-confidence action when the response has neither actions[] nor
// valid JSON but does contain time/date signal plus an event noun.
func naturalLanguageFallback(content string) (ExtractionResult, bool) {
	hasTime := fallbackTimeRe.MatchString(content) || fallbackDateRe.MatchString(content)
	hasNoun := fallbackNounRe.MatchString(content)
	if !hasTime || !hasNoun {
		return ExtractionResult{}, false
	}

	title := capitalizeFirst(strings.ToLower(fallbackNounRe.FindString(content)))
	return ExtractionResult{
		Actions: []appointment.Action{{
			Action:                appointment.ActionCreate,
			Title:                 title,
			Confidence:            0.4,
			Reasoning:             "synthesized from unparseable model output via natural-language fallback",
			SynthesizedByFallback: true,
		}},
		Reasoning: "fallback parse",
	}, true
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

func toExtractionResult(wire extractionWire) ExtractionResult {
	actions := make([]appointment.Action, 0, len(wire.Actions))
	for _, a := range wire.Actions {
		action := appointment.Action{
			Action:           appointment.ActionKind(a.Action),
			UpdatesTerminID:  a.UpdatesTerminID,
			Title:            a.Title,
			AllDay:           a.AllDay,
			Participants:     a.Participants,
			Category:         appointment.Category(a.Category),
			Relevance:        appointment.Relevance(a.Relevance),
			SourceMessageIDs: a.SourceMessageID,
			Reasoning:        a.Reasoning,
		}
		if a.Confidence != nil {
			action.Confidence = *a.Confidence
		}
		if a.DateTime != nil {
			if t, err := time.Parse(time.RFC3339, *a.DateTime); err == nil {
				action.DateTime = &t
			} else if t, err := time.Parse("2006-01-02T15:04:05", *a.DateTime); err == nil {
				action.DateTime = &t
			}
		}
		if a.EndDateTime != nil {
			if t, err := time.Parse(time.RFC3339, *a.EndDateTime); err == nil {
				action.EndDateTime = &t
			} else if t, err := time.Parse("2006-01-02T15:04:05", *a.EndDateTime); err == nil {
				action.EndDateTime = &t
			}
		}
		if a.Date != nil {
			action.Date = a.Date
		}
		actions = append(actions, action)
	}
	return ExtractionResult{Actions: actions, Reasoning: wire.Reasoning}
}
