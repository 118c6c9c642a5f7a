package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/design4music/sni-platform/pkg/config"
	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/models"
)

const reduceSystemTemplate = `You are a strategic news analyst. You receive the titles of one semantic incident and produce a single Event Family: a classified, durable description of the underlying strategic event.

Classify with EXACTLY one token from each closed vocabulary. Do not invent tokens.

theater — one of: %s
event_type — one of: %s

Reply with a JSON object only, no prose:
{
  "theater": "TOKEN",
  "event_type": "TOKEN",
  "headline": "short headline for the event family",
  "summary": "2-4 sentence prose summary",
  "actors": ["normalized actor token", ...],
  "tags": ["tag", ...],
  "timeline": [
    {"timestamp": "RFC3339 UTC", "description": "what happened", "source_title_ids": ["id", ...]}
  ],
  "confidence": 0.0
}
Every source_title_id must come from the provided titles. Timeline entries must be in chronological order.`

// BuildReduceRequest renders the Reduce prompt for one incident's titles.
// The closed vocabularies are embedded verbatim.
func BuildReduceRequest(titles []*models.Title, theaters, eventTypes *config.Vocabulary) llm.Request {
	system := fmt.Sprintf(reduceSystemTemplate,
		strings.Join(theaters.Tokens(), ", "),
		strings.Join(eventTypes.Tokens(), ", "))

	var b strings.Builder
	fmt.Fprintf(&b, "Produce the Event Family for this incident of %d title(s).\n\n", len(titles))
	for _, t := range titles {
		fmt.Fprintf(&b, "- id: %s | %s | %s | %s\n",
			t.ID, t.PublishedAt.UTC().Format(time.RFC3339), t.Publisher, t.Text)
	}
	return llm.Request{System: system, User: b.String()}
}

// ReduceResult is the validated shape of a Reduce reply. Theater and
// EventType are passed through as emitted — the reducer applies the
// vocabulary fallback and confidence penalty.
type ReduceResult struct {
	Theater    string
	EventType  string
	Headline   string
	Summary    string
	Actors     []string
	Tags       []string
	Timeline   []models.TimelineEntry
	Confidence float64
}

type reducePayload struct {
	Theater   string   `json:"theater"`
	EventType string   `json:"event_type"`
	Headline  string   `json:"headline"`
	Summary   string   `json:"summary"`
	Actors    []string `json:"actors"`
	Tags      []string `json:"tags"`
	Timeline  []struct {
		Timestamp      string   `json:"timestamp"`
		Description    string   `json:"description"`
		SourceTitleIDs []string `json:"source_title_ids"`
	} `json:"timeline"`
	Confidence float64 `json:"confidence"`
}

// ParseReduceResponse validates a Reduce reply against the incident's
// titles. Structural failures (missing fields, bad timestamps, foreign
// title ids) are malformed and retryable; vocabulary misses are NOT an
// error here — the reducer downgrades them.
func ParseReduceResponse(raw string, titles []*models.Title) (*ReduceResult, error) {
	doc, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var p reducePayload
	dec := json.NewDecoder(strings.NewReader(doc))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrMalformed, err)
	}

	if p.Theater == "" || p.EventType == "" {
		return nil, fmt.Errorf("%w: missing theater or event_type", llm.ErrMalformed)
	}
	if p.Headline == "" || p.Summary == "" {
		return nil, fmt.Errorf("%w: missing headline or summary", llm.ErrMalformed)
	}

	inIncident := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		inIncident[t.ID] = struct{}{}
	}

	timeline := make([]models.TimelineEntry, 0, len(p.Timeline))
	for _, e := range p.Timeline {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timeline timestamp %q", llm.ErrMalformed, e.Timestamp)
		}
		if e.Description == "" {
			return nil, fmt.Errorf("%w: timeline entry without description", llm.ErrMalformed)
		}
		sources := make([]string, 0, len(e.SourceTitleIDs))
		for _, id := range e.SourceTitleIDs {
			if _, ok := inIncident[id]; !ok {
				return nil, fmt.Errorf("%w: timeline references foreign title %q", llm.ErrMalformed, id)
			}
			sources = append(sources, id)
		}
		timeline = append(timeline, models.TimelineEntry{
			Timestamp:      ts.UTC(),
			Description:    e.Description,
			SourceTitleIDs: sources,
		})
	}

	return &ReduceResult{
		Theater:    strings.ToUpper(strings.TrimSpace(p.Theater)),
		EventType:  strings.ToUpper(strings.TrimSpace(p.EventType)),
		Headline:   p.Headline,
		Summary:    p.Summary,
		Actors:     p.Actors,
		Tags:       p.Tags,
		Timeline:   timeline,
		Confidence: clamp01(p.Confidence),
	}, nil
}
