// Package config loads and validates the pipeline configuration:
// batch sizing, concurrency limits, phase deadlines, LLM provider
// settings, and the closed classification vocabularies.
package config

import (
	"time"
)

// Config is the umbrella configuration object returned by Initialize()
// and passed (immutable, by value semantics) into every component.
type Config struct {
	configDir string

	Pipeline PipelineConfig `yaml:"pipeline"`
	LLM      LLMConfig      `yaml:"llm"`
	Vocab    VocabConfig    `yaml:"vocab"`

	// Built from Vocab during Initialize; nil until then.
	Theaters   *Vocabulary `yaml:"-"`
	EventTypes *Vocabulary `yaml:"-"`
}

// PipelineConfig bounds a single run.
type PipelineConfig struct {
	// MaxTitles is the upper bound of titles selected per run.
	MaxTitles int `yaml:"max_titles"`

	// MapBatchSize is the number of titles per Map shard prompt.
	MapBatchSize int `yaml:"map_batch_size"`

	// MapConcurrency / ReduceConcurrency cap in-flight LLM calls per stage.
	MapConcurrency    int `yaml:"map_concurrency"`
	ReduceConcurrency int `yaml:"reduce_concurrency"`

	// ConfidenceUnknownPenalty is subtracted from a candidate's confidence
	// when the LLM emits a theater or event type outside the vocabulary.
	ConfidenceUnknownPenalty float64 `yaml:"confidence_unknown_penalty"`

	PhaseTimeouts PhaseTimeouts `yaml:"phase_timeouts"`
}

// PhaseTimeouts carries the per-phase deadlines of a run.
type PhaseTimeouts struct {
	Select  time.Duration `yaml:"select"`
	Map     time.Duration `yaml:"map"`
	Reduce  time.Duration `yaml:"reduce"`
	Merge   time.Duration `yaml:"merge"`
	Persist time.Duration `yaml:"persist"`
}

// LLMConfig describes the chat-completion endpoint.
type LLMConfig struct {
	// BaseURL of the chat-completion service, e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"base_url"`

	// Model name sent with every request.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in configuration files.
	APIKeyEnv string `yaml:"api_key_env"`

	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	MaxTokens  int           `yaml:"max_tokens"`

	Temperature float64 `yaml:"temperature"`
}

// VocabConfig lets deployments override the built-in vocabularies.
// Changing these lists is a breaking change: persisted ef_keys are
// derived from them.
type VocabConfig struct {
	Theaters   []string `yaml:"theaters,omitempty"`
	EventTypes []string `yaml:"event_types,omitempty"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GlobalLLMInFlight is the cap on concurrent LLM requests across all
// stages: the sum of the two pool capacities.
func (c *Config) GlobalLLMInFlight() int {
	return c.Pipeline.MapConcurrency + c.Pipeline.ReduceConcurrency
}
