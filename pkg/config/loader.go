package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the pipeline configuration file looked up in the
// configuration directory.
const ConfigFileName = "sni.yaml"

// defaults returns the built-in configuration. User YAML overrides these
// field by field.
func defaults() Config {
	return Config{
		Pipeline: PipelineConfig{
			MaxTitles:                200,
			MapBatchSize:             25,
			MapConcurrency:           4,
			ReduceConcurrency:        6,
			ConfidenceUnknownPenalty: 0.15,
			PhaseTimeouts: PhaseTimeouts{
				Select:  30 * time.Second,
				Map:     5 * time.Minute,
				Reduce:  10 * time.Minute,
				Merge:   time.Minute,
				Persist: 2 * time.Minute,
			},
		},
		LLM: LLMConfig{
			Model:       "deepseek-chat",
			APIKeyEnv:   "LLM_API_KEY",
			Timeout:     90 * time.Second,
			MaxRetries:  3,
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Vocab: VocabConfig{
			Theaters:   DefaultTheaters,
			EventTypes: DefaultEventTypes,
		},
	}
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. A missing sni.yaml is not a load error: the built-in
// defaults apply, and validation then fails because they carry no
// llm.base_url.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	cfg.Theaters = NewVocabulary(cfg.Vocab.Theaters)
	cfg.EventTypes = NewVocabulary(cfg.Vocab.EventTypes)

	log.Info("Configuration initialized",
		"max_titles", cfg.Pipeline.MaxTitles,
		"map_batch_size", cfg.Pipeline.MapBatchSize,
		"map_concurrency", cfg.Pipeline.MapConcurrency,
		"reduce_concurrency", cfg.Pipeline.ReduceConcurrency,
		"llm_model", cfg.LLM.Model,
		"theaters", cfg.Theaters.Len(),
		"event_types", cfg.EventTypes.Len())

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := defaults()
	cfg.configDir = configDir

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Warn("No configuration file found, using built-in defaults", "path", path)
		return &cfg, nil
	}
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	// Expand ${VAR} / $VAR before parsing. Missing variables expand to
	// empty strings; validation catches required fields left empty.
	data = []byte(os.ExpandEnv(string(data)))

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// User values override defaults field by field; zero values keep defaults.
	if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	return &cfg, nil
}
