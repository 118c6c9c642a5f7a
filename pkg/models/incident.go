package models

// Incident is a run-scoped clustering hypothesis proposed by the Map stage:
// a set of titles believed to describe one strategic event. Incidents are
// never persisted — they survive only until Reduce consumes them.
type Incident struct {
	// ID is run-local (e.g. "shard-2-inc-0"); it carries no meaning
	// outside the run that produced it.
	ID         string   `json:"incident_id"`
	TitleIDs   []string `json:"title_ids"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
}

// Singleton reports whether the incident holds exactly one title.
// Orphan-absorbed titles flow through Reduce as singleton incidents.
func (i *Incident) Singleton() bool {
	return len(i.TitleIDs) == 1
}
