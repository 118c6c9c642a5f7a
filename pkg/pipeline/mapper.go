package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/design4music/sni-platform/pkg/config"
	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/models"
	"github.com/design4music/sni-platform/pkg/prompt"
)

// Mapper is the semantic incident clusterer: it shards the batch, asks
// the LLM to group each shard, and validates the proposals. Shards never
// cross-talk — cross-shard unification happens downstream via ef_key.
type Mapper struct {
	client llm.Client
	cfg    *config.Config
}

// NewMapper creates a Mapper.
func NewMapper(client llm.Client, cfg *config.Config) *Mapper {
	return &Mapper{client: client, cfg: cfg}
}

// MapResult covers the batch exactly: every input title is in one
// incident or in the orphan set, never both, never neither.
type MapResult struct {
	Incidents      []*models.Incident
	OrphanTitleIDs []string
	Shards         int
}

// Run partitions the batch into semantic incidents. Shard failures
// (after retries) and cancellation never drop titles — they roll into
// the orphan set.
func (m *Mapper) Run(ctx context.Context, titles []*models.Title) *MapResult {
	shards := shardTitles(titles, m.cfg.Pipeline.MapBatchSize)
	log := slog.With("stage", "map", "titles", len(titles), "shards", len(shards))
	log.Info("Map stage started")

	perShard := make([][]*models.Incident, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Pipeline.MapConcurrency)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			incidents, err := m.mapShard(gctx, i, shard)
			if err != nil {
				// The shard's titles become orphans; nothing is lost.
				slog.Warn("Map shard failed, titles roll to orphans",
					"shard", i, "titles", len(shard), "error", err)
				return nil
			}
			perShard[i] = incidents
			return nil
		})
	}
	_ = g.Wait() // shard tasks never return errors

	result := &MapResult{Shards: len(shards)}
	placed := make(map[string]struct{})
	for _, incidents := range perShard {
		for _, inc := range incidents {
			result.Incidents = append(result.Incidents, inc)
			for _, id := range inc.TitleIDs {
				placed[id] = struct{}{}
			}
		}
	}
	for _, t := range titles {
		if _, ok := placed[t.ID]; !ok {
			result.OrphanTitleIDs = append(result.OrphanTitleIDs, t.ID)
		}
	}

	log.Info("Map stage complete",
		"incidents", len(result.Incidents), "orphans", len(result.OrphanTitleIDs))
	return result
}

// mapShard issues one clustering call with retries and validates the
// reply against the shard.
func (m *Mapper) mapShard(ctx context.Context, idx int, shard []*models.Title) ([]*models.Incident, error) {
	shardID := fmt.Sprintf("shard-%d", idx)
	req := prompt.BuildMapRequest(shard)

	var incidents []*models.Incident
	err := llm.Retry(ctx, m.cfg.LLM.MaxRetries, func(ctx context.Context) error {
		raw, err := m.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		incidents, err = prompt.ParseMapResponse(raw, shardID, shard)
		return err
	})
	if err != nil {
		return nil, err
	}
	return incidents, nil
}

// shardTitles chunks the batch preserving order.
func shardTitles(titles []*models.Title, size int) [][]*models.Title {
	if size < 1 {
		size = 1
	}
	var shards [][]*models.Title
	for start := 0; start < len(titles); start += size {
		end := start + size
		if end > len(titles) {
			end = len(titles)
		}
		shards = append(shards, titles[start:end])
	}
	return shards
}
