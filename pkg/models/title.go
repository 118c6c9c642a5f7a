// Package models defines the core data types of the Event Family
// generation pipeline: titles, incidents, and Event Families.
// Pure data — no I/O, no LLM, no database access.
package models

import "time"

// Title is a gate-approved news headline. Immutable for this core except
// for EventFamilyID, which the pipeline assigns at persist time.
type Title struct {
	ID          string    `json:"title_id"`
	Text        string    `json:"text"`
	Publisher   string    `json:"publisher"`
	PublishedAt time.Time `json:"published_at"`
	Language    string    `json:"language"`
	GateKeep    bool      `json:"gate_keep"`
	Entities    []string  `json:"entities,omitempty"`

	// EventFamilyID is nil until the title is absorbed into a persisted EF.
	EventFamilyID *string `json:"event_family_id,omitempty"`
}

// TitlesByID builds a lookup map from a title slice.
func TitlesByID(titles []*Title) map[string]*Title {
	byID := make(map[string]*Title, len(titles))
	for _, t := range titles {
		byID[t.ID] = t
	}
	return byID
}
