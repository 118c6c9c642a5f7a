package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardTitlesPreservesOrder(t *testing.T) {
	titles := makeTitles(12)
	shards := shardTitles(titles, 5)

	require.Len(t, shards, 3)
	assert.Len(t, shards[0], 5)
	assert.Len(t, shards[1], 5)
	assert.Len(t, shards[2], 2)
	assert.Equal(t, "t1", shards[0][0].ID)
	assert.Equal(t, "t6", shards[1][0].ID)
	assert.Equal(t, "t12", shards[2][1].ID)
}

func TestShardTitlesEmptyBatch(t *testing.T) {
	assert.Empty(t, shardTitles(nil, 5))
}

func TestMapperClustersShards(t *testing.T) {
	titles := makeTitles(10) // map_batch_size 5 → shards t1–t5, t6–t10
	script := newScriptedLLM()
	script.respond(and(isMapCall, mentionsAll("t1")), mapReply([]string{"t1", "t2", "t3"}))
	script.respond(and(isMapCall, mentionsAll("t6")), mapReply([]string{"t6", "t7"}))

	mapper := NewMapper(script, testConfig(t))
	result := mapper.Run(context.Background(), titles)

	assert.Equal(t, 2, result.Shards)
	require.Len(t, result.Incidents, 2)
	assert.ElementsMatch(t,
		[]string{"t4", "t5", "t8", "t9", "t10"},
		result.OrphanTitleIDs)
}

func TestMapperCoversBatchExactly(t *testing.T) {
	titles := makeTitles(7)
	script := newScriptedLLM()
	script.respond(and(isMapCall, mentionsAll("t1")), mapReply([]string{"t2", "t4"}))
	script.respond(and(isMapCall, mentionsAll("t6")), mapReply())

	mapper := NewMapper(script, testConfig(t))
	result := mapper.Run(context.Background(), titles)

	placed := map[string]int{}
	for _, inc := range result.Incidents {
		for _, id := range inc.TitleIDs {
			placed[id]++
		}
	}
	for _, id := range result.OrphanTitleIDs {
		placed[id]++
	}
	require.Len(t, placed, 7, "incidents plus orphans must cover the batch")
	for id, n := range placed {
		assert.Equal(t, 1, n, "title %s placed %d times", id, n)
	}
}

func TestMapperShardFailureRollsTitlesToOrphans(t *testing.T) {
	titles := makeTitles(10)
	script := newScriptedLLM()
	script.respond(and(isMapCall, mentionsAll("t1")), mapReply([]string{"t1", "t2", "t3", "t4", "t5"}))
	script.fail(and(isMapCall, mentionsAll("t6")), errors.New("permanently down"))

	mapper := NewMapper(script, testConfig(t))
	result := mapper.Run(context.Background(), titles)

	require.Len(t, result.Incidents, 1)
	assert.ElementsMatch(t,
		[]string{"t6", "t7", "t8", "t9", "t10"},
		result.OrphanTitleIDs,
		"failed shard contributes all its titles to orphans")
}

func TestMapperMalformedShardBecomesOrphans(t *testing.T) {
	titles := makeTitles(3)
	script := newScriptedLLM()
	script.respond(isMapCall, "I cannot produce JSON today.")

	mapper := NewMapper(script, testConfig(t))
	result := mapper.Run(context.Background(), titles)

	assert.Empty(t, result.Incidents)
	assert.Len(t, result.OrphanTitleIDs, 3)
}

func TestMapperCancelledContextKeepsTitles(t *testing.T) {
	titles := makeTitles(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := newScriptedLLM()
	script.respond(isMapCall, mapReply([]string{"t1"}))

	mapper := NewMapper(script, testConfig(t))
	result := mapper.Run(ctx, titles)

	total := len(result.OrphanTitleIDs)
	for _, inc := range result.Incidents {
		total += len(inc.TitleIDs)
	}
	assert.Equal(t, 5, total, "cancellation must not drop titles")
}
