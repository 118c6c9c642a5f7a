package models

// Clone returns a deep copy of the EF. The merge engine mutates
// survivors in place, so callers that may need to re-fold (e.g. after an
// assignment conflict) work on copies.
func (ef *EventFamily) Clone() *EventFamily {
	cp := *ef
	cp.TitleIDs = append([]string(nil), ef.TitleIDs...)
	cp.Tags = append([]string(nil), ef.Tags...)
	cp.Actors = append([]string(nil), ef.Actors...)
	cp.Lineage = append([]MergeRecord(nil), ef.Lineage...)
	if ef.ParentEFID != nil {
		parent := *ef.ParentEFID
		cp.ParentEFID = &parent
	}
	cp.Timeline = make([]TimelineEntry, len(ef.Timeline))
	for i, e := range ef.Timeline {
		e.SourceTitleIDs = append([]string(nil), e.SourceTitleIDs...)
		cp.Timeline[i] = e
	}
	return &cp
}

// CloneAll deep-copies a candidate set.
func CloneAll(efs []*EventFamily) []*EventFamily {
	out := make([]*EventFamily, len(efs))
	for i, ef := range efs {
		out[i] = ef.Clone()
	}
	return out
}
