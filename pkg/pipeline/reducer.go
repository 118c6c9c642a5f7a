package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/design4music/sni-platform/pkg/config"
	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/merge"
	"github.com/design4music/sni-platform/pkg/models"
	"github.com/design4music/sni-platform/pkg/prompt"
)

// Reducer assembles candidate EFs: one classification call per incident,
// vocabulary enforcement with fallback, deterministic key computation.
// Orphans enter as singleton incidents; failed multi-title incidents get
// a second pass as singletons; singletons that still fail are dropped
// from the run (their titles stay unassigned for the next run).
type Reducer struct {
	client llm.Client
	cfg    *config.Config
}

// NewReducer creates a Reducer.
func NewReducer(client llm.Client, cfg *config.Config) *Reducer {
	return &Reducer{client: client, cfg: cfg}
}

// ReduceOutput carries the run's candidate EFs plus the titles dropped
// after the singleton retry also failed.
type ReduceOutput struct {
	Candidates      []*models.EventFamily
	DroppedTitleIDs []string
}

// Run processes incidents and orphans. Orphan titles are wrapped as
// degenerate singleton incidents so they share the Reduce path, the
// vocabularies, and the key computation with clustered titles.
func (r *Reducer) Run(ctx context.Context, incidents []*models.Incident, orphanIDs []string, byID map[string]*models.Title) *ReduceOutput {
	work := make([]*models.Incident, 0, len(incidents)+len(orphanIDs))
	work = append(work, incidents...)
	for i, id := range orphanIDs {
		work = append(work, &models.Incident{
			ID:         fmt.Sprintf("orphan-%d", i),
			TitleIDs:   []string{id},
			Rationale:  "unclustered strategic title",
			Confidence: 1,
		})
	}

	log := slog.With("stage", "reduce", "incidents", len(incidents), "orphans", len(orphanIDs))
	log.Info("Reduce stage started")

	candidates, failed := r.reducePass(ctx, work, byID)

	// Failed incidents fall apart into singletons for a second pass;
	// failed singletons have no fallback left.
	var retries []*models.Incident
	var dropped []string
	for _, inc := range failed {
		if inc.Singleton() {
			dropped = append(dropped, inc.TitleIDs...)
			continue
		}
		for i, id := range inc.TitleIDs {
			retries = append(retries, &models.Incident{
				ID:         fmt.Sprintf("%s-retry-%d", inc.ID, i),
				TitleIDs:   []string{id},
				Rationale:  "singleton retry after incident reduce failure",
				Confidence: inc.Confidence,
			})
		}
	}
	if len(retries) > 0 {
		log.Warn("Retrying failed incidents as singletons", "singletons", len(retries))
		retried, retryFailed := r.reducePass(ctx, retries, byID)
		candidates = append(candidates, retried...)
		for _, inc := range retryFailed {
			dropped = append(dropped, inc.TitleIDs...)
		}
	}

	if len(dropped) > 0 {
		// Not fatal: the titles stay unassigned and are selected again
		// next run.
		log.Error("Reduce exhausted for titles, leaving them for the next run",
			"dropped", len(dropped))
	}
	log.Info("Reduce stage complete", "candidates", len(candidates), "dropped", len(dropped))
	return &ReduceOutput{Candidates: candidates, DroppedTitleIDs: dropped}
}

// reducePass runs one bounded-parallel pass over incidents, returning
// candidates and the incidents whose calls were exhausted.
func (r *Reducer) reducePass(ctx context.Context, incidents []*models.Incident, byID map[string]*models.Title) ([]*models.EventFamily, []*models.Incident) {
	results := make([]*models.EventFamily, len(incidents))
	failures := make([]*models.Incident, len(incidents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Pipeline.ReduceConcurrency)
	for i, inc := range incidents {
		i, inc := i, inc
		g.Go(func() error {
			candidate, err := r.reduceIncident(gctx, inc, byID)
			if err != nil {
				slog.Warn("Reduce failed for incident",
					"incident", inc.ID, "titles", len(inc.TitleIDs), "error", err)
				failures[i] = inc
				return nil
			}
			results[i] = candidate
			return nil
		})
	}
	_ = g.Wait() // reduce tasks never return errors

	var candidates []*models.EventFamily
	var failed []*models.Incident
	for i := range incidents {
		switch {
		case results[i] != nil:
			candidates = append(candidates, results[i])
		case failures[i] != nil:
			failed = append(failed, failures[i])
		default:
			// Neither ran: the pass was cancelled before this incident
			// started. Treated like a failure so the titles survive.
			failed = append(failed, incidents[i])
		}
	}
	return candidates, failed
}

// reduceIncident issues the classification call with retries and builds
// the validated candidate EF.
func (r *Reducer) reduceIncident(ctx context.Context, inc *models.Incident, byID map[string]*models.Title) (*models.EventFamily, error) {
	titles := make([]*models.Title, 0, len(inc.TitleIDs))
	for _, id := range inc.TitleIDs {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("incident %s references unknown title %s", inc.ID, id)
		}
		titles = append(titles, t)
	}

	req := prompt.BuildReduceRequest(titles, r.cfg.Theaters, r.cfg.EventTypes)

	var parsed *prompt.ReduceResult
	err := llm.Retry(ctx, r.cfg.LLM.MaxRetries, func(ctx context.Context) error {
		raw, err := r.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		parsed, err = prompt.ParseReduceResponse(raw, titles)
		return err
	})
	if err != nil {
		return nil, err
	}

	return r.buildCandidate(inc, titles, parsed), nil
}

// buildCandidate enforces the closed vocabularies (fallback + penalty),
// computes the classification key, and normalizes the timeline.
func (r *Reducer) buildCandidate(inc *models.Incident, titles []*models.Title, parsed *prompt.ReduceResult) *models.EventFamily {
	theater := parsed.Theater
	eventType := parsed.EventType
	confidence := parsed.Confidence

	if !r.cfg.Theaters.Contains(theater) {
		slog.Warn("Unknown theater from LLM, falling back",
			"incident", inc.ID, "theater", theater, "fallback", config.FallbackTheater)
		theater = config.FallbackTheater
		confidence -= r.cfg.Pipeline.ConfidenceUnknownPenalty
	}
	if !r.cfg.EventTypes.Contains(eventType) {
		slog.Warn("Unknown event type from LLM, falling back",
			"incident", inc.ID, "event_type", eventType, "fallback", config.FallbackEventType)
		eventType = config.FallbackEventType
		confidence -= r.cfg.Pipeline.ConfidenceUnknownPenalty
	}
	if confidence < 0 {
		confidence = 0
	}

	timeline := make([]models.TimelineEntry, len(parsed.Timeline))
	copy(timeline, parsed.Timeline)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	var earliest time.Time
	titleIDs := make([]string, len(titles))
	for i, t := range titles {
		titleIDs[i] = t.ID
		if earliest.IsZero() || t.PublishedAt.Before(earliest) {
			earliest = t.PublishedAt
		}
	}

	return &models.EventFamily{
		Theater:             theater,
		EventType:           eventType,
		Key:                 merge.ComputeKey(theater, eventType),
		TitleIDs:            titleIDs,
		TitleCount:          len(titleIDs),
		Headline:            parsed.Headline,
		Summary:             parsed.Summary,
		Tags:                parsed.Tags,
		Actors:              parsed.Actors,
		Timeline:            timeline,
		Confidence:          confidence,
		Status:              models.EFStatusActive,
		EarliestPublishedAt: earliest,
	}
}
