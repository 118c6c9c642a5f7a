package merge

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/design4music/sni-platform/pkg/models"
)

// Sentinel errors for merge operations.
var (
	// ErrKeyNotUnique reports more than one active stored EF for a key
	// outside the sibling-split exception. Fatal: no silent repair.
	ErrKeyNotUnique = errors.New("ef_key not unique among active EFs")
)

// InvariantViolationError carries the detail of a detected invariant breach.
type InvariantViolationError struct {
	Key    string
	EFIDs  []string
	Reason error
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on ef_key %s (efs %v): %v", e.Key, e.EFIDs, e.Reason)
}

func (e *InvariantViolationError) Unwrap() error { return e.Reason }

// Survivor is one post-merge EF the persistence phase must commit.
type Survivor struct {
	EF *models.EventFamily

	// IsNew is true when no stored EF matched the key: the EF gets an id
	// at persist time.
	IsNew bool

	// Changed is false when a cross-batch fold added nothing new; the
	// commit is then a pure assignment no-op.
	Changed bool

	// TitlesToAssign is the EF's full title set. Assignment is
	// idempotent, so re-pointing an already-owned title is a no-op.
	TitlesToAssign []string
}

// Fold groups run candidates by key, merges within each group in
// deterministic order, then folds each group survivor into the stored
// active EF with the same key (if any). stored maps ef_key to the active
// EFs currently persisted under that key; now stamps merge records.
//
// The result is a function of (candidates, stored, now) only: feeding
// the same sets in any order yields the same survivors.
func Fold(candidates []*models.EventFamily, stored map[string][]*models.EventFamily, now time.Time) ([]*Survivor, error) {
	groups := make(map[string][]*models.EventFamily)
	keys := make([]string, 0, len(groups))
	for _, c := range candidates {
		if _, seen := groups[c.Key]; !seen {
			keys = append(keys, c.Key)
		}
		groups[c.Key] = append(groups[c.Key], c)
	}
	sort.Strings(keys)

	survivors := make([]*Survivor, 0, len(keys))
	for _, key := range keys {
		group := groups[key]

		// Intra-run fold: deterministic order, first is the base.
		orderEFs(group)
		base := group[0]
		for _, c := range group[1:] {
			Apply(base, c, now, "intra-run")
		}

		sv, err := foldIntoStore(base, stored[key], now)
		if err != nil {
			return nil, err
		}
		survivors = append(survivors, sv)
	}
	return survivors, nil
}

// foldIntoStore merges one run survivor against the stored active EFs
// sharing its key. More than one stored hit is legal only for siblings
// of a common parent (split lineage); anything else is an invariant
// violation.
func foldIntoStore(candidate *models.EventFamily, hits []*models.EventFamily, now time.Time) (*Survivor, error) {
	switch {
	case len(hits) == 0:
		candidate.Status = models.EFStatusActive
		candidate.LastUpdatedAt = now
		if candidate.FirstSeenAt.IsZero() {
			candidate.FirstSeenAt = now
		}
		return &Survivor{
			EF:             candidate,
			IsNew:          true,
			Changed:        true,
			TitlesToAssign: candidate.SortedTitleIDs(),
		}, nil

	case len(hits) > 1 && !siblings(hits):
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		return nil, &InvariantViolationError{Key: candidate.Key, EFIDs: ids, Reason: ErrKeyNotUnique}
	}

	// One hit, or a sibling set: pick the survivor deterministically,
	// skipping any stored EF that shares a parent with the candidate.
	ordered := make([]*models.EventFamily, len(hits))
	copy(ordered, hits)
	orderEFs(ordered)

	var target *models.EventFamily
	for _, h := range ordered {
		if sameParent(h, candidate) {
			continue
		}
		target = h
		break
	}
	if target == nil {
		// Every stored hit is a sibling of the candidate; the candidate
		// stands alone as a new active EF next to its siblings.
		candidate.Status = models.EFStatusActive
		candidate.LastUpdatedAt = now
		if candidate.FirstSeenAt.IsZero() {
			candidate.FirstSeenAt = now
		}
		return &Survivor{
			EF:             candidate,
			IsNew:          true,
			Changed:        true,
			TitlesToAssign: candidate.SortedTitleIDs(),
		}, nil
	}

	// Self-merge prevention: a candidate re-read from the store folds
	// into itself as a no-op.
	if candidate.ID != "" && candidate.ID == target.ID {
		return &Survivor{
			EF:             target,
			Changed:        false,
			TitlesToAssign: target.SortedTitleIDs(),
		}, nil
	}

	added := Apply(target, candidate, now, "cross-batch")
	return &Survivor{
		EF:             target,
		Changed:        added > 0,
		TitlesToAssign: target.SortedTitleIDs(),
	}, nil
}

// Apply folds candidate c into survivor s per the merge operation:
// title set union, ordered-unique actors and tags, stable timeline
// merge, prose preference, weighted confidence, lineage append.
// Returns the number of titles newly added to s.
//
// A fold that adds nothing is a no-op: no lineage entry, no prose or
// confidence update. Re-running a batch against an unchanged store
// therefore leaves survivors byte-identical.
func Apply(s, c *models.EventFamily, now time.Time, reason string) int {
	added := 0
	for _, id := range c.SortedTitleIDs() {
		if !s.HasTitle(id) {
			s.TitleIDs = append(s.TitleIDs, id)
			added++
		}
	}
	if added == 0 {
		return 0
	}

	// Prose: the survivor keeps its own headline and summary unless it
	// was a singleton absorbing a multi-title candidate, whose longer
	// context produced better prose.
	if s.TitleCount == 1 && len(c.TitleIDs) > 1 {
		s.Headline = c.Headline
		s.Summary = c.Summary
	}

	s.Actors = orderedUnique(s.Actors, c.Actors)
	s.Tags = orderedUnique(s.Tags, c.Tags)
	s.Timeline = mergeTimelines(s.Timeline, c.Timeline)

	// Confidence: weighted average by pre-merge title counts.
	sw, cw := float64(s.TitleCount), float64(len(c.TitleIDs))
	if sw+cw > 0 {
		s.Confidence = (s.Confidence*sw + c.Confidence*cw) / (sw + cw)
	}

	s.TitleCount = len(s.TitleIDs)
	s.LastUpdatedAt = now
	if !c.EarliestPublishedAt.IsZero() &&
		(s.EarliestPublishedAt.IsZero() || c.EarliestPublishedAt.Before(s.EarliestPublishedAt)) {
		s.EarliestPublishedAt = c.EarliestPublishedAt
	}
	s.Lineage = append(s.Lineage, models.MergeRecord{
		MergedEFID: c.ID,
		TitleCount: added,
		MergedAt:   now,
		Reason:     reason,
	})

	// An absorbed persisted EF is retired; its titles now point at s.
	if c.ID != "" {
		c.Status = models.EFStatusMerged
		c.MergedInto = s.ID
		c.TitleIDs = nil
		c.TitleCount = 0
		c.LastUpdatedAt = now
	}
	return added
}

// siblings reports whether every EF in the set carries the same non-nil
// parent. Split siblings legitimately share a key and must not re-merge.
func siblings(efs []*models.EventFamily) bool {
	if len(efs) < 2 {
		return false
	}
	first := efs[0].ParentEFID
	if first == nil {
		return false
	}
	for _, ef := range efs[1:] {
		if ef.ParentEFID == nil || *ef.ParentEFID != *first {
			return false
		}
	}
	return true
}

// sameParent reports whether both EFs carry the same non-nil parent.
func sameParent(a, b *models.EventFamily) bool {
	return a.ParentEFID != nil && b.ParentEFID != nil && *a.ParentEFID == *b.ParentEFID
}

// orderedUnique appends extra to base, preserving first-seen order and
// dropping duplicates.
func orderedUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, lists := range [][]string{base, extra} {
		for _, v := range lists {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// mergeTimelines stable-merges two ascending timelines and drops entries
// whose (timestamp, description) pair repeats.
func mergeTimelines(a, b []models.TimelineEntry) []models.TimelineEntry {
	merged := make([]models.TimelineEntry, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	type entryKey struct {
		ts   int64
		desc string
	}
	seen := make(map[entryKey]struct{}, len(merged))
	out := merged[:0]
	for _, e := range merged {
		k := entryKey{ts: e.Timestamp.UnixNano(), desc: e.Description}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
