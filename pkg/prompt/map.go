package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/models"
)

const mapSystemPrompt = `You are a strategic news analyst. You group news titles into semantic incidents: sets of titles that describe one and the same real-world strategic event.

Group titles together only when ALL of these hold:
1. Temporal proximity: the titles were published within roughly 48 hours of each other.
2. Causal or consequential linkage: the titles report an event, its direct causes, or its direct consequences.
3. Unified narrative thread: the same actors in the same situation.

Titles that do not clearly belong to any incident must be left out. Never invent title ids. A title belongs to at most one incident.

Reply with a JSON array only, no prose:
[
  {"title_ids": ["id", ...], "rationale": "one sentence", "confidence": 0.0}
]
An empty array is a valid reply when no titles group together.`

// BuildMapRequest renders the Map shard prompt: one line per title with
// its id, UTC timestamp, publisher and text.
func BuildMapRequest(shard []*models.Title) llm.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Group the following %d titles into semantic incidents.\n\n", len(shard))
	for _, t := range shard {
		fmt.Fprintf(&b, "- id: %s | %s | %s | %s\n",
			t.ID, t.PublishedAt.UTC().Format(time.RFC3339), t.Publisher, t.Text)
	}
	return llm.Request{System: mapSystemPrompt, User: b.String()}
}

// mapIncidentPayload is the wire shape of one proposed incident.
type mapIncidentPayload struct {
	TitleIDs   []string `json:"title_ids"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
}

// ParseMapResponse validates a Map reply against its shard: unknown ids
// are rejected, ids already claimed by an earlier incident are dropped
// (first seen wins), incidents left without a valid title are dropped.
// The returned incidents reference only titles from the shard.
func ParseMapResponse(raw, shardID string, shard []*models.Title) ([]*models.Incident, error) {
	doc, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var payload []mapIncidentPayload
	dec := json.NewDecoder(strings.NewReader(doc))
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrMalformed, err)
	}

	inShard := make(map[string]struct{}, len(shard))
	for _, t := range shard {
		inShard[t.ID] = struct{}{}
	}

	claimed := make(map[string]struct{})
	incidents := make([]*models.Incident, 0, len(payload))
	for i, p := range payload {
		valid := make([]string, 0, len(p.TitleIDs))
		for _, id := range p.TitleIDs {
			if _, ok := inShard[id]; !ok {
				// Hallucinated or cross-shard id: reject the id, keep
				// the incident's remaining titles.
				continue
			}
			if _, dup := claimed[id]; dup {
				continue
			}
			claimed[id] = struct{}{}
			valid = append(valid, id)
		}
		if len(valid) == 0 {
			continue
		}
		incidents = append(incidents, &models.Incident{
			ID:         fmt.Sprintf("%s-inc-%d", shardID, i),
			TitleIDs:   valid,
			Rationale:  p.Rationale,
			Confidence: clamp01(p.Confidence),
		})
	}
	return incidents, nil
}
