package config

import (
	"fmt"
	"regexp"
	"time"
)

// vocabTokenRe matches the upper-snake tokens the vocabularies are made of.
var vocabTokenRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Validate checks the full configuration for internal consistency.
func (c *Config) Validate() error {
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if err := c.LLM.validate(); err != nil {
		return err
	}
	if err := validateVocab("vocab.theaters", c.Vocab.Theaters, FallbackTheater); err != nil {
		return err
	}
	return validateVocab("vocab.event_types", c.Vocab.EventTypes, FallbackEventType)
}

func (p *PipelineConfig) validate() error {
	if p.MaxTitles < 1 {
		return &ValidationError{Field: "pipeline.max_titles", Err: fmt.Errorf("%w: must be >= 1", ErrInvalidValue)}
	}
	if p.MapBatchSize < 1 {
		return &ValidationError{Field: "pipeline.map_batch_size", Err: fmt.Errorf("%w: must be >= 1", ErrInvalidValue)}
	}
	if p.MapConcurrency < 1 {
		return &ValidationError{Field: "pipeline.map_concurrency", Err: fmt.Errorf("%w: must be >= 1", ErrInvalidValue)}
	}
	if p.ReduceConcurrency < 1 {
		return &ValidationError{Field: "pipeline.reduce_concurrency", Err: fmt.Errorf("%w: must be >= 1", ErrInvalidValue)}
	}
	if p.ConfidenceUnknownPenalty < 0 || p.ConfidenceUnknownPenalty > 1 {
		return &ValidationError{Field: "pipeline.confidence_unknown_penalty", Err: fmt.Errorf("%w: must be within [0, 1]", ErrInvalidValue)}
	}
	phases := map[string]time.Duration{
		"pipeline.phase_timeouts.select":  p.PhaseTimeouts.Select,
		"pipeline.phase_timeouts.map":     p.PhaseTimeouts.Map,
		"pipeline.phase_timeouts.reduce":  p.PhaseTimeouts.Reduce,
		"pipeline.phase_timeouts.merge":   p.PhaseTimeouts.Merge,
		"pipeline.phase_timeouts.persist": p.PhaseTimeouts.Persist,
	}
	for field, d := range phases {
		if d <= 0 {
			return &ValidationError{Field: field, Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
		}
	}
	return nil
}

func (l *LLMConfig) validate() error {
	if l.BaseURL == "" {
		return &ValidationError{Field: "llm.base_url", Err: ErrMissingRequiredField}
	}
	if l.Model == "" {
		return &ValidationError{Field: "llm.model", Err: ErrMissingRequiredField}
	}
	if l.APIKeyEnv == "" {
		return &ValidationError{Field: "llm.api_key_env", Err: ErrMissingRequiredField}
	}
	if l.Timeout <= 0 {
		return &ValidationError{Field: "llm.timeout", Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if l.MaxRetries < 0 {
		return &ValidationError{Field: "llm.max_retries", Err: fmt.Errorf("%w: cannot be negative", ErrInvalidValue)}
	}
	if l.MaxTokens < 1 {
		return &ValidationError{Field: "llm.max_tokens", Err: fmt.Errorf("%w: must be >= 1", ErrInvalidValue)}
	}
	return nil
}

func validateVocab(field string, tokens []string, fallback string) error {
	if len(tokens) == 0 {
		return &ValidationError{Field: field, Err: fmt.Errorf("%w: vocabulary cannot be empty", ErrInvalidValue)}
	}
	seen := make(map[string]struct{}, len(tokens))
	hasFallback := false
	for _, t := range tokens {
		if !vocabTokenRe.MatchString(t) {
			return &ValidationError{Field: field, Err: fmt.Errorf("%w: token %q is not upper-snake", ErrInvalidValue, t)}
		}
		if _, dup := seen[t]; dup {
			return &ValidationError{Field: field, Err: fmt.Errorf("%w: duplicate token %q", ErrInvalidValue, t)}
		}
		seen[t] = struct{}{}
		if t == fallback {
			hasFallback = true
		}
	}
	if !hasFallback {
		return &ValidationError{Field: field, Err: fmt.Errorf("%w: fallback token %q must be present", ErrInvalidValue, fallback)}
	}
	return nil
}
