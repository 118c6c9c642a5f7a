package models

import (
	"sort"
	"time"
)

// EFStatus is the lifecycle state of an Event Family.
type EFStatus string

const (
	// EFStatusActive marks an EF that is the current home of its titles.
	EFStatusActive EFStatus = "active"
	// EFStatusMerged marks an EF that was folded into another EF.
	// MergedInto carries the survivor's id.
	EFStatusMerged EFStatus = "merged"
)

// TimelineEntry is one event in an EF's chronological narrative.
type TimelineEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	SourceTitleIDs []string  `json:"source_title_ids,omitempty"`
}

// MergeRecord documents one merge folded into an EF's lineage.
type MergeRecord struct {
	// MergedEFID is the id of the absorbed EF when it was already
	// persisted; empty for run-local candidates that never got an id.
	MergedEFID string    `json:"merged_ef_id,omitempty"`
	TitleCount int       `json:"title_count"`
	MergedAt   time.Time `json:"merged_at"`
	Reason     string    `json:"reason"`
}

// EventFamily is the durable output of the pipeline: a strategically
// coherent narrative unit spanning multiple titles and, over time,
// multiple batches.
type EventFamily struct {
	// ID is empty for run-local candidates; assigned at first persist.
	ID        string `json:"ef_id,omitempty"`
	Theater   string `json:"theater"`
	EventType string `json:"event_type"`

	// Key is the hex-encoded classification hash of (theater, event_type);
	// the merge equivalence class. See merge.ComputeKey.
	Key string `json:"ef_key"`

	TitleIDs   []string `json:"title_ids"`
	TitleCount int      `json:"title_count"`

	Headline   string          `json:"headline"`
	Summary    string          `json:"summary"`
	Tags       []string        `json:"tags,omitempty"`
	Actors     []string        `json:"actors,omitempty"`
	Timeline   []TimelineEntry `json:"timeline,omitempty"`
	Confidence float64         `json:"confidence"`

	Status     EFStatus `json:"status"`
	MergedInto string   `json:"merged_into,omitempty"`

	// ParentEFID is reserved for split lineage. The merge engine consults
	// it: siblings sharing a parent never re-merge.
	ParentEFID *string `json:"parent_ef_id,omitempty"`

	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
	Lineage       []MergeRecord `json:"lineage,omitempty"`

	// EarliestPublishedAt is the min published_at over the EF's titles,
	// carried for the deterministic intra-run merge ordering. Not persisted.
	EarliestPublishedAt time.Time `json:"-"`
}

// HasTitle reports whether the EF's title set contains id.
func (ef *EventFamily) HasTitle(id string) bool {
	for _, t := range ef.TitleIDs {
		if t == id {
			return true
		}
	}
	return false
}

// SortedTitleIDs returns a sorted copy of the title id set.
func (ef *EventFamily) SortedTitleIDs() []string {
	ids := make([]string, len(ef.TitleIDs))
	copy(ids, ef.TitleIDs)
	sort.Strings(ids)
	return ids
}
