// Package pipeline implements the incident-first EF generation run:
// Select → Map → Reduce+Orphans → Merge → Persist. The stages talk to
// the LLM through llm.Client and to the store through narrow interfaces
// so tests can inject fakes.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/design4music/sni-platform/pkg/merge"
	"github.com/design4music/sni-platform/pkg/models"
)

// TitleSource yields the next batch of unassigned strategic titles.
// Implemented by services.TitleService.
type TitleSource interface {
	NextBatch(ctx context.Context, limit int) ([]*models.Title, error)
}

// EFStore is the persisted EF state the run folds into and commits to.
// Implemented by services.EFService.
type EFStore interface {
	ActiveByKeys(ctx context.Context, keys []string) (map[string][]*models.EventFamily, error)
	Commit(ctx context.Context, sv *merge.Survivor) error
}

// RunState is the orchestrator's state machine position.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateSelecting  RunState = "selecting"
	StateMapping    RunState = "mapping"
	StateReducing   RunState = "reducing"
	StateMerging    RunState = "merging"
	StatePersisting RunState = "persisting"
	StateDone       RunState = "done"
	StateAborted    RunState = "aborted"
)

// AbortCategory classifies run aborts for the CLI exit code.
type AbortCategory string

const (
	CategoryConfig    AbortCategory = "config"
	CategoryStore     AbortCategory = "store"
	CategoryLLM       AbortCategory = "llm"
	CategoryInvariant AbortCategory = "invariant"
)

// AbortError wraps the failure that aborted a run with its category.
type AbortError struct {
	Category AbortCategory
	Err      error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("run aborted (%s): %v", e.Category, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Abort builds an AbortError.
func Abort(category AbortCategory, err error) *AbortError {
	return &AbortError{Category: category, Err: err}
}

// CategoryOf extracts the abort category from err, or empty.
func CategoryOf(err error) AbortCategory {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// RunReport summarizes one run for logging and the CLI.
type RunReport struct {
	State RunState `json:"state"`

	Selected   int `json:"selected"`
	Shards     int `json:"shards"`
	Incidents  int `json:"incidents"`
	Orphans    int `json:"orphans"`
	Candidates int `json:"candidates"`
	Dropped    int `json:"dropped"`

	NewEFs    int `json:"new_efs"`
	MergedEFs int `json:"merged_efs"`
	Persisted int `json:"persisted"`
}
