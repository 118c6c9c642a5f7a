package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/design4music/sni-platform/pkg/config"
	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/merge"
	"github.com/design4music/sni-platform/pkg/models"
	"github.com/design4music/sni-platform/pkg/services"
)

// Orchestrator sequences one run: Select → Map → Reduce+Orphans →
// Merge → Persist, with a deadline per phase. Partial progress is
// normal; an aborted run never leaves a partial commit behind because
// every EF commit is its own transaction.
type Orchestrator struct {
	cfg    *config.Config
	titles TitleSource
	store  EFStore
	client llm.Client

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewOrchestrator wires a run. All collaborators are injected; the
// orchestrator holds no global state.
func NewOrchestrator(cfg *config.Config, titles TitleSource, store EFStore, client llm.Client) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		titles: titles,
		store:  store,
		client: client,
		now:    time.Now,
	}
}

// WithClock overrides the orchestrator's clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run executes one end-to-end run and reports what happened. The
// returned error is an *AbortError when the run aborted.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{State: StateIdle}
	timeouts := o.cfg.Pipeline.PhaseTimeouts
	started := o.now()
	slog.Info("Run started", "max_titles", o.cfg.Pipeline.MaxTitles)

	// Select
	report.State = StateSelecting
	batch, err := o.selectPhase(ctx, timeouts.Select)
	if err != nil {
		report.State = StateAborted
		return report, Abort(CategoryStore, err)
	}
	report.Selected = len(batch)
	if len(batch) == 0 {
		report.State = StateDone
		slog.Info("Run complete: no titles to process")
		return report, nil
	}
	byID := models.TitlesByID(batch)

	// Map
	report.State = StateMapping
	mapCtx, cancelMap := context.WithTimeout(ctx, timeouts.Map)
	mapped := NewMapper(o.client, o.cfg).Run(mapCtx, batch)
	cancelMap()
	report.Shards = mapped.Shards
	report.Incidents = len(mapped.Incidents)
	report.Orphans = len(mapped.OrphanTitleIDs)

	// Reduce (incidents and orphans share the path)
	report.State = StateReducing
	reduceCtx, cancelReduce := context.WithTimeout(ctx, timeouts.Reduce)
	reduced := NewReducer(o.client, o.cfg).Run(reduceCtx, mapped.Incidents, mapped.OrphanTitleIDs, byID)
	cancelReduce()
	report.Candidates = len(reduced.Candidates)
	report.Dropped = len(reduced.DroppedTitleIDs)

	if len(reduced.Candidates) == 0 {
		report.State = StateDone
		slog.Info("Run complete: no candidates survived reduce",
			"selected", report.Selected, "dropped", report.Dropped)
		return report, nil
	}

	// Merge + Persist, with one re-run on assignment conflict.
	if err := o.mergeAndPersist(ctx, report, reduced.Candidates); err != nil {
		report.State = StateAborted
		return report, err
	}

	report.State = StateDone
	slog.Info("Run complete",
		"duration", o.now().Sub(started).Round(time.Millisecond),
		"selected", report.Selected,
		"incidents", report.Incidents,
		"orphans", report.Orphans,
		"candidates", report.Candidates,
		"new_efs", report.NewEFs,
		"merged_efs", report.MergedEFs,
		"persisted", report.Persisted,
		"dropped", report.Dropped)
	return report, nil
}

func (o *Orchestrator) selectPhase(ctx context.Context, timeout time.Duration) ([]*models.Title, error) {
	selectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	batch, err := o.titles.NextBatch(selectCtx, o.cfg.Pipeline.MaxTitles)
	if err != nil {
		return nil, fmt.Errorf("title selection failed: %w", err)
	}
	slog.Info("Selected title batch", "titles", len(batch))
	return batch, nil
}

// mergeAndPersist folds candidates against the store and commits the
// survivors. A ConflictingAssignment means another writer moved a title
// between our read and our commit: re-read the store, re-fold the
// original candidates, and try once more. A second conflict is an
// invariant violation.
func (o *Orchestrator) mergeAndPersist(ctx context.Context, report *RunReport, candidates []*models.EventFamily) error {
	const maxMergeAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxMergeAttempts; attempt++ {
		report.State = StateMerging
		// Fold mutates its inputs; each attempt works on fresh copies.
		survivors, err := o.mergePhase(ctx, models.CloneAll(candidates))
		if err != nil {
			return err
		}

		report.NewEFs, report.MergedEFs = 0, 0
		for _, sv := range survivors {
			if sv.IsNew {
				report.NewEFs++
			} else if sv.Changed {
				report.MergedEFs++
			}
		}

		report.State = StatePersisting
		err = o.persistPhase(ctx, report, survivors)
		if err == nil {
			return nil
		}
		if !errors.Is(err, services.ErrConflictingAssignment) {
			return err
		}
		lastErr = err
		slog.Warn("Assignment conflict during persist, re-running merge",
			"attempt", attempt, "error", err)
	}

	return Abort(CategoryInvariant,
		fmt.Errorf("assignment conflict persisted across merge re-run: %w", lastErr))
}

func (o *Orchestrator) mergePhase(ctx context.Context, candidates []*models.EventFamily) ([]*merge.Survivor, error) {
	mergeCtx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.PhaseTimeouts.Merge)
	defer cancel()

	keys := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.Key]; ok {
			continue
		}
		seen[c.Key] = struct{}{}
		keys = append(keys, c.Key)
	}

	stored, err := o.store.ActiveByKeys(mergeCtx, keys)
	if err != nil {
		return nil, Abort(CategoryStore, fmt.Errorf("reading active EFs for merge: %w", err))
	}

	survivors, err := merge.Fold(candidates, stored, o.now().UTC())
	if err != nil {
		var iv *merge.InvariantViolationError
		if errors.As(err, &iv) {
			return nil, Abort(CategoryInvariant, err)
		}
		return nil, Abort(CategoryInvariant, fmt.Errorf("merge failed: %w", err))
	}
	return survivors, nil
}

// persistPhase commits each survivor in its own transaction. All
// non-conflicting survivors are committed even when one hits a
// ConflictingAssignment; the conflict is returned last so the caller
// can re-run merge against the updated store.
func (o *Orchestrator) persistPhase(ctx context.Context, report *RunReport, survivors []*merge.Survivor) error {
	persistCtx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.PhaseTimeouts.Persist)
	defer cancel()

	report.Persisted = 0
	var conflict error
	for _, sv := range survivors {
		if err := o.store.Commit(persistCtx, sv); err != nil {
			if errors.Is(err, services.ErrConflictingAssignment) {
				conflict = err
				continue
			}
			return Abort(CategoryStore, fmt.Errorf("committing EF (key %s): %w", sv.EF.Key, err))
		}
		report.Persisted++
	}
	return conflict
}
