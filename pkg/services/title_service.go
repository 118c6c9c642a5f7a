package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/design4music/sni-platform/pkg/database"
	"github.com/design4music/sni-platform/pkg/models"
)

// TitleService reads gate-approved titles from the titles table.
type TitleService struct {
	db *database.Client
}

// NewTitleService creates a TitleService.
func NewTitleService(db *database.Client) *TitleService {
	return &TitleService{db: db}
}

// NextBatch returns up to limit unassigned strategic titles, newest
// first. This is the Title Selector of the pipeline.
func (s *TitleService) NextBatch(ctx context.Context, limit int) ([]*models.Title, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT title_id, text, publisher, published_at, language, gate_keep, entities, event_family_id
		FROM titles
		WHERE gate_keep = TRUE AND event_family_id IS NULL
		ORDER BY published_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting title batch: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var titles []*models.Title
	for rows.Next() {
		var (
			t        models.Title
			entities []byte
		)
		if err := rows.Scan(&t.ID, &t.Text, &t.Publisher, &t.PublishedAt,
			&t.Language, &t.GateKeep, &entities, &t.EventFamilyID); err != nil {
			return nil, fmt.Errorf("%w: scanning title row: %v", ErrStoreUnavailable, err)
		}
		if len(entities) > 0 {
			if err := json.Unmarshal(entities, &t.Entities); err != nil {
				return nil, fmt.Errorf("title %s has corrupt entities payload: %w", t.ID, err)
			}
		}
		titles = append(titles, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading title batch: %v", ErrStoreUnavailable, err)
	}
	return titles, nil
}

// AssignedEF returns the EF id a title currently points at, or nil.
func (s *TitleService) AssignedEF(ctx context.Context, titleID string) (*string, error) {
	var efID *string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT event_family_id FROM titles WHERE title_id = $1`, titleID).Scan(&efID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading title %s: %v", ErrStoreUnavailable, titleID, err)
	}
	return efID, nil
}
