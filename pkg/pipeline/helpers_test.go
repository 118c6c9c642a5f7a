package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/design4music/sni-platform/pkg/config"
	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/merge"
	"github.com/design4music/sni-platform/pkg/models"
	"github.com/design4music/sni-platform/pkg/services"
)

// testConfig returns a config with tight limits and no LLM retries so
// failure-path tests stay fast.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			MaxTitles:                50,
			MapBatchSize:             5,
			MapConcurrency:           2,
			ReduceConcurrency:        4,
			ConfidenceUnknownPenalty: 0.15,
			PhaseTimeouts: config.PhaseTimeouts{
				Select:  5 * time.Second,
				Map:     5 * time.Second,
				Reduce:  5 * time.Second,
				Merge:   5 * time.Second,
				Persist: 5 * time.Second,
			},
		},
		LLM: config.LLMConfig{
			Model:      "scripted",
			MaxRetries: 0,
		},
		Theaters:   config.NewVocabulary(config.DefaultTheaters),
		EventTypes: config.NewVocabulary(config.DefaultEventTypes),
	}
	return cfg
}

func makeTitles(n int) []*models.Title {
	base := time.Date(2025, 5, 30, 12, 0, 0, 0, time.UTC)
	titles := make([]*models.Title, n)
	for i := range titles {
		titles[i] = &models.Title{
			ID:          fmt.Sprintf("t%d", i+1),
			Text:        fmt.Sprintf("headline number %d", i+1),
			Publisher:   "reuters",
			PublishedAt: base.Add(-time.Duration(i) * time.Hour),
			Language:    "en",
			GateKeep:    true,
		}
	}
	return titles
}

// ────────────────────────────────────────────────────────────
// Scripted LLM client
// ────────────────────────────────────────────────────────────

// llmRule pairs a request predicate with a scripted outcome. Rules are
// matched in order; routing by predicate (not sequence) keeps scripts
// valid under the stages' non-deterministic call order.
type llmRule struct {
	match func(llm.Request) bool
	reply string
	err   error
}

// scriptedLLM implements llm.Client from a rule list.
type scriptedLLM struct {
	mu    sync.Mutex
	rules []llmRule
	calls []llm.Request
}

func newScriptedLLM() *scriptedLLM { return &scriptedLLM{} }

func (s *scriptedLLM) respond(match func(llm.Request) bool, reply string) {
	s.rules = append(s.rules, llmRule{match: match, reply: reply})
}

func (s *scriptedLLM) fail(match func(llm.Request) bool, err error) {
	s.rules = append(s.rules, llmRule{match: match, err: err})
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	for _, r := range s.rules {
		if r.match(req) {
			if r.err != nil {
				return "", r.err
			}
			return r.reply, nil
		}
	}
	return "", fmt.Errorf("scripted LLM: no rule matches request: %.80s", req.User)
}

func (s *scriptedLLM) Close() error { return nil }

// Request predicates.

func isMapCall(req llm.Request) bool {
	return strings.Contains(req.System, "semantic incidents")
}

func isReduceCall(req llm.Request) bool {
	return strings.Contains(req.System, "Event Family")
}

func mentionsAll(ids ...string) func(llm.Request) bool {
	return func(req llm.Request) bool {
		for _, id := range ids {
			if !strings.Contains(req.User, "id: "+id+" ") {
				return false
			}
		}
		return true
	}
}

func and(preds ...func(llm.Request) bool) func(llm.Request) bool {
	return func(req llm.Request) bool {
		for _, p := range preds {
			if !p(req) {
				return false
			}
		}
		return true
	}
}

// Reply builders.

func mapReply(incidents ...[]string) string {
	var parts []string
	for _, ids := range incidents {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		parts = append(parts, fmt.Sprintf(
			`{"title_ids": [%s], "rationale": "scripted", "confidence": 0.9}`,
			strings.Join(quoted, ", ")))
	}
	return "[" + strings.Join(parts, ",\n") + "]"
}

func reduceReply(theater, eventType string) string {
	return fmt.Sprintf(`{
		"theater": %q,
		"event_type": %q,
		"headline": "scripted headline",
		"summary": "scripted summary",
		"actors": ["actor-a"],
		"tags": ["tag-a"],
		"timeline": [],
		"confidence": 0.8
	}`, theater, eventType)
}

// ────────────────────────────────────────────────────────────
// Fake stores
// ────────────────────────────────────────────────────────────

// fakeTitleSource serves a fixed batch regardless of assignment state,
// which lets idempotency tests replay the same batch.
type fakeTitleSource struct {
	batch []*models.Title
	err   error
}

func (f *fakeTitleSource) NextBatch(_ context.Context, limit int) ([]*models.Title, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batch) > limit {
		return f.batch[:limit], nil
	}
	return f.batch, nil
}

// fakeEFStore mimics the persistence adapter's semantics in memory:
// per-EF commits, idempotent assignment, conflict on foreign ownership.
type fakeEFStore struct {
	mu          sync.Mutex
	efs         map[string]*models.EventFamily // by ef_id
	assignments map[string]string              // title_id → ef_id
	nextID      int

	// conflictsLeft injects ConflictingAssignment errors for the first
	// N commits, simulating a concurrent writer.
	conflictsLeft int
}

func newFakeEFStore() *fakeEFStore {
	return &fakeEFStore{
		efs:         make(map[string]*models.EventFamily),
		assignments: make(map[string]string),
	}
}

func (f *fakeEFStore) ActiveByKeys(_ context.Context, keys []string) (map[string][]*models.EventFamily, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	out := make(map[string][]*models.EventFamily)
	for _, ef := range f.efs {
		if ef.Status != models.EFStatusActive {
			continue
		}
		if _, ok := want[ef.Key]; ok {
			out[ef.Key] = append(out[ef.Key], ef.Clone())
		}
	}
	return out, nil
}

func (f *fakeEFStore) Commit(_ context.Context, sv *merge.Survivor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return &services.ConflictingAssignmentError{
			TitleID:    sv.TitlesToAssign[0],
			AssignedTo: "ef-foreign",
			Target:     sv.EF.ID,
		}
	}

	ef := sv.EF
	if ef.ID == "" {
		f.nextID++
		ef.ID = fmt.Sprintf("ef-%d", f.nextID)
	}
	for _, id := range sv.TitlesToAssign {
		if owner, ok := f.assignments[id]; ok && owner != ef.ID {
			return &services.ConflictingAssignmentError{
				TitleID:    id,
				AssignedTo: owner,
				Target:     ef.ID,
			}
		}
	}
	for _, id := range sv.TitlesToAssign {
		f.assignments[id] = ef.ID
	}
	f.efs[ef.ID] = ef.Clone()
	return nil
}

func (f *fakeEFStore) active() []*models.EventFamily {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventFamily
	for _, ef := range f.efs {
		if ef.Status == models.EFStatusActive {
			out = append(out, ef.Clone())
		}
	}
	return out
}

func (f *fakeEFStore) seed(ef *models.EventFamily) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.efs[ef.ID] = ef.Clone()
	for _, id := range ef.TitleIDs {
		f.assignments[id] = ef.ID
	}
}
