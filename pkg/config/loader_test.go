package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
	return dir
}

const minimalYAML = `
llm:
  base_url: https://api.example.com/v1
`

func TestInitializeDefaultsApply(t *testing.T) {
	cfg, err := Initialize(writeConfig(t, minimalYAML))

	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Pipeline.MaxTitles)
	assert.Equal(t, 25, cfg.Pipeline.MapBatchSize)
	assert.Equal(t, 4, cfg.Pipeline.MapConcurrency)
	assert.Equal(t, 6, cfg.Pipeline.ReduceConcurrency)
	assert.Equal(t, 0.15, cfg.Pipeline.ConfidenceUnknownPenalty)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.PhaseTimeouts.Map)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, "https://api.example.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, 10, cfg.GlobalLLMInFlight())

	require.NotNil(t, cfg.Theaters)
	assert.True(t, cfg.Theaters.Contains("EUROPE"))
	assert.True(t, cfg.Theaters.Contains(FallbackTheater))
	assert.True(t, cfg.EventTypes.Contains(FallbackEventType))
}

func TestInitializeUserOverrides(t *testing.T) {
	cfg, err := Initialize(writeConfig(t, `
pipeline:
  max_titles: 40
  map_batch_size: 8
  map_concurrency: 2
  reduce_concurrency: 3
llm:
  base_url: https://api.example.com/v1
  model: gpt-4o-mini
  timeout: 30s
`))

	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Pipeline.MaxTitles)
	assert.Equal(t, 8, cfg.Pipeline.MapBatchSize)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	// Untouched fields keep defaults.
	assert.Equal(t, 0.15, cfg.Pipeline.ConfidenceUnknownPenalty)
}

func TestInitializeExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_SNI_BASE_URL", "https://expanded.example.com/v1")
	cfg, err := Initialize(writeConfig(t, `
llm:
  base_url: ${TEST_SNI_BASE_URL}
`))
	require.NoError(t, err)
	assert.Equal(t, "https://expanded.example.com/v1", cfg.LLM.BaseURL)
}

func TestInitializeMissingFileUsesDefaultsButFailsValidation(t *testing.T) {
	// No file means no base_url, which validation requires.
	_, err := Initialize(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestInitializeCustomVocab(t *testing.T) {
	cfg, err := Initialize(writeConfig(t, `
llm:
  base_url: https://api.example.com/v1
vocab:
  theaters: [ARCTIC, GLOBAL]
  event_types: [SHIPPING, OTHER]
`))
	require.NoError(t, err)
	assert.True(t, cfg.Theaters.Contains("ARCTIC"))
	assert.False(t, cfg.Theaters.Contains("EUROPE"))
	assert.Equal(t, 2, cfg.EventTypes.Len())
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"negative concurrency": `
pipeline:
  map_concurrency: -1
llm:
  base_url: https://api.example.com/v1
`,
		"penalty above one": `
pipeline:
  confidence_unknown_penalty: 1.5
llm:
  base_url: https://api.example.com/v1
`,
		"vocab without fallback": `
llm:
  base_url: https://api.example.com/v1
vocab:
  theaters: [EUROPE, MIDEAST]
`,
		"vocab with lowercase token": `
llm:
  base_url: https://api.example.com/v1
vocab:
  event_types: [other, OTHER]
`,
		"vocab with duplicate": `
llm:
  base_url: https://api.example.com/v1
vocab:
  event_types: [OTHER, OTHER]
`,
		"broken yaml": `llm: [`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Initialize(writeConfig(t, content))
			require.Error(t, err)
		})
	}
}

func TestVocabulary(t *testing.T) {
	v := NewVocabulary([]string{"A", "B"})
	assert.True(t, v.Contains("A"))
	assert.False(t, v.Contains("C"))
	assert.Equal(t, []string{"A", "B"}, v.Tokens())
	assert.Equal(t, 2, v.Len())

	// Tokens returns a copy; mutating it must not affect the vocabulary.
	v.Tokens()[0] = "Z"
	assert.True(t, v.Contains("A"))
}
