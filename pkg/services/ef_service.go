package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/design4music/sni-platform/pkg/database"
	"github.com/design4music/sni-platform/pkg/merge"
	"github.com/design4music/sni-platform/pkg/models"
)

// EFService persists Event Families and title assignments. Each commit
// is one transaction: EF upsert plus title re-pointing, all or nothing.
type EFService struct {
	db *database.Client
}

// NewEFService creates an EFService.
func NewEFService(db *database.Client) *EFService {
	return &EFService{db: db}
}

const efColumns = `ef_id, theater, event_type, ef_key, title_ids, title_count,
	headline, summary, tags, actors, timeline, confidence,
	status, merged_into, parent_ef_id, first_seen_at, last_updated_at, lineage`

// ActiveByKeys returns the active EFs for each requested key. The map
// holds only keys with at least one hit. Values may hold more than one
// EF for a key only in the split-sibling case; the merge engine decides
// whether that is legal.
func (s *EFService) ActiveByKeys(ctx context.Context, keys []string) (map[string][]*models.EventFamily, error) {
	if len(keys) == 0 {
		return map[string][]*models.EventFamily{}, nil
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+efColumns+`
		FROM event_families
		WHERE status = 'active' AND ef_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: querying active EFs: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make(map[string][]*models.EventFamily)
	for rows.Next() {
		ef, err := scanEF(rows)
		if err != nil {
			return nil, err
		}
		out[ef.Key] = append(out[ef.Key], ef)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading active EFs: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// Get returns one EF by id.
func (s *EFService) Get(ctx context.Context, efID string) (*models.EventFamily, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT `+efColumns+`
		FROM event_families WHERE ef_id = $1`, efID)
	ef, err := scanEF(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: EF %s", ErrNotFound, efID)
		}
		return nil, err
	}
	return ef, nil
}

// Commit persists one post-merge survivor: upsert the EF row and point
// every absorbed title at it, atomically. A title already owned by a
// different EF fails the whole transaction with ConflictingAssignment.
// Re-committing the same survivor with the same title set is a no-op.
func (s *EFService) Commit(ctx context.Context, sv *merge.Survivor) error {
	ef := sv.EF
	if ef.ID == "" {
		ef.ID = uuid.NewString()
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: starting commit transaction: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertEF(ctx, tx, ef); err != nil {
		return err
	}

	if len(sv.TitlesToAssign) > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE titles SET event_family_id = $1
			WHERE title_id = ANY($2)
			  AND (event_family_id IS NULL OR event_family_id = $1)`,
			ef.ID, sv.TitlesToAssign)
		if err != nil {
			return fmt.Errorf("%w: assigning titles to EF %s: %v", ErrStoreUnavailable, ef.ID, err)
		}
		if int(tag.RowsAffected()) != len(sv.TitlesToAssign) {
			return findConflict(ctx, tx, ef.ID, sv.TitlesToAssign)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing EF %s: %v", ErrStoreUnavailable, ef.ID, err)
	}
	return nil
}

func upsertEF(ctx context.Context, tx pgx.Tx, ef *models.EventFamily) error {
	titleIDs, err := json.Marshal(ef.SortedTitleIDs())
	if err != nil {
		return fmt.Errorf("marshaling title ids for EF %s: %w", ef.ID, err)
	}
	tags, err := json.Marshal(emptyIfNil(ef.Tags))
	if err != nil {
		return fmt.Errorf("marshaling tags for EF %s: %w", ef.ID, err)
	}
	actors, err := json.Marshal(emptyIfNil(ef.Actors))
	if err != nil {
		return fmt.Errorf("marshaling actors for EF %s: %w", ef.ID, err)
	}
	efTimeline := ef.Timeline
	if efTimeline == nil {
		efTimeline = []models.TimelineEntry{}
	}
	timeline, err := json.Marshal(efTimeline)
	if err != nil {
		return fmt.Errorf("marshaling timeline for EF %s: %w", ef.ID, err)
	}
	efLineage := ef.Lineage
	if efLineage == nil {
		efLineage = []models.MergeRecord{}
	}
	lineage, err := json.Marshal(efLineage)
	if err != nil {
		return fmt.Errorf("marshaling lineage for EF %s: %w", ef.ID, err)
	}

	var mergedInto *string
	if ef.MergedInto != "" {
		mergedInto = &ef.MergedInto
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_families (`+efColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (ef_id) DO UPDATE SET
			theater = EXCLUDED.theater,
			event_type = EXCLUDED.event_type,
			ef_key = EXCLUDED.ef_key,
			title_ids = EXCLUDED.title_ids,
			title_count = EXCLUDED.title_count,
			headline = EXCLUDED.headline,
			summary = EXCLUDED.summary,
			tags = EXCLUDED.tags,
			actors = EXCLUDED.actors,
			timeline = EXCLUDED.timeline,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			merged_into = EXCLUDED.merged_into,
			parent_ef_id = EXCLUDED.parent_ef_id,
			last_updated_at = EXCLUDED.last_updated_at,
			lineage = EXCLUDED.lineage`,
		ef.ID, ef.Theater, ef.EventType, ef.Key, titleIDs, ef.TitleCount,
		ef.Headline, ef.Summary, tags, actors, timeline, ef.Confidence,
		string(ef.Status), mergedInto, ef.ParentEFID, ef.FirstSeenAt, ef.LastUpdatedAt, lineage)
	if err != nil {
		return fmt.Errorf("%w: upserting EF %s: %v", ErrStoreUnavailable, ef.ID, err)
	}
	return nil
}

// findConflict identifies which title blocked the assignment. Always
// returns a non-nil error: the conflict itself, a missing-title error,
// or a store failure.
func findConflict(ctx context.Context, tx pgx.Tx, efID string, titleIDs []string) error {
	rows, err := tx.Query(ctx, `
		SELECT title_id, event_family_id FROM titles
		WHERE title_id = ANY($2)
		  AND event_family_id IS NOT NULL
		  AND event_family_id <> $1
		LIMIT 1`, efID, titleIDs)
	if err != nil {
		return fmt.Errorf("%w: locating assignment conflict: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	if rows.Next() {
		var titleID, assignedTo string
		if err := rows.Scan(&titleID, &assignedTo); err != nil {
			return fmt.Errorf("%w: scanning assignment conflict: %v", ErrStoreUnavailable, err)
		}
		return &ConflictingAssignmentError{TitleID: titleID, AssignedTo: assignedTo, Target: efID}
	}
	// No foreign assignment: some title rows are simply missing.
	return fmt.Errorf("%w: titles missing during assignment to EF %s", ErrNotFound, efID)
}

// scanEF reads one event_families row.
func scanEF(row pgx.Row) (*models.EventFamily, error) {
	var (
		ef         models.EventFamily
		titleIDs   []byte
		tags       []byte
		actors     []byte
		timeline   []byte
		lineage    []byte
		status     string
		mergedInto *string
		firstSeen  time.Time
		updated    time.Time
	)
	err := row.Scan(&ef.ID, &ef.Theater, &ef.EventType, &ef.Key, &titleIDs, &ef.TitleCount,
		&ef.Headline, &ef.Summary, &tags, &actors, &timeline, &ef.Confidence,
		&status, &mergedInto, &ef.ParentEFID, &firstSeen, &updated, &lineage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning EF row: %v", ErrStoreUnavailable, err)
	}

	ef.Status = models.EFStatus(status)
	if mergedInto != nil {
		ef.MergedInto = *mergedInto
	}
	ef.FirstSeenAt = firstSeen
	ef.LastUpdatedAt = updated

	for name, pair := range map[string]struct {
		raw []byte
		dst any
	}{
		"title_ids": {titleIDs, &ef.TitleIDs},
		"tags":      {tags, &ef.Tags},
		"actors":    {actors, &ef.Actors},
		"timeline":  {timeline, &ef.Timeline},
		"lineage":   {lineage, &ef.Lineage},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("EF %s has corrupt %s payload: %w", ef.ID, name, err)
		}
	}
	return &ef, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
