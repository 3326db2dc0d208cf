package model

import (
	"fmt"
	"time"
)

// ================ Config ================

// ChainStepConfig configures one stage's call to the generation endpoint.
type ChainStepConfig struct {
	Model        string        `split_words:"true"`
	Temperature  *float32      `split_words:"true"`
	MaxTokens    int           `split_words:"true"`
	SystemPrompt string        `split_words:"true"` // prompt library reference
	Timeout      time.Duration `split_words:"true"`
}

// ChainConfig is the immutable pipeline configuration shared by every run.
type ChainConfig struct {
	ModelName  string `split_words:"true" default:"promptchain-1"`
	Analyze    ChainStepConfig
	Process    ChainStepConfig
	Synthesize ChainStepConfig
}

type BreakerConfig struct {
	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"3"`
	Timeout          time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	HalfOpenAttempts int           `envconfig:"BREAKER_HALF_OPEN_ATTEMPTS" default:"1"`
}

type UsageStoreConfig struct {
	Backend    string        `envconfig:"USAGE_STORE" default:"redis"` // redis | sqlite | memory | none
	SQLitePath string        `envconfig:"USAGE_SQLITE_PATH" default:"promptchain.db"`
	TTL        time.Duration `envconfig:"USAGE_TTL" default:"720h"`
}

var stepDefaults = map[StageName]ChainStepConfig{
	StageAnalyze: {
		Model:        "gemini-2.5-flash-lite",
		Temperature:  ptr(float32(0.1)),
		MaxTokens:    1024,
		SystemPrompt: "analyze.v1",
		Timeout:      30 * time.Second,
	},
	StageProcess: {
		Model:        "gemini-2.5-flash-lite",
		Temperature:  ptr(float32(0.2)),
		MaxTokens:    1536,
		SystemPrompt: "process.v1",
		Timeout:      30 * time.Second,
	},
	StageSynthesize: {
		Model:        "gemini-2.5-flash",
		Temperature:  ptr(float32(0.5)),
		MaxTokens:    2048,
		SystemPrompt: "synthesize.v1",
		Timeout:      60 * time.Second,
	},
}

// DefaultChainConfig returns the configuration used when nothing is overridden.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{ModelName: "promptchain-1"}.WithDefaults()
}

// WithDefaults fills zero-valued step fields from the per-stage defaults.
func (c ChainConfig) WithDefaults() ChainConfig {
	c.Analyze = c.Analyze.withDefaults(stepDefaults[StageAnalyze])
	c.Process = c.Process.withDefaults(stepDefaults[StageProcess])
	c.Synthesize = c.Synthesize.withDefaults(stepDefaults[StageSynthesize])
	return c
}

// Step returns the configuration for the named stage.
func (c ChainConfig) Step(stage StageName) ChainStepConfig {
	switch stage {
	case StageAnalyze:
		return c.Analyze
	case StageProcess:
		return c.Process
	default:
		return c.Synthesize
	}
}

// Validate checks the configuration once at startup.
func (c ChainConfig) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("chain model name is empty")
	}
	for _, stage := range Stages {
		s := c.Step(stage)
		if s.Model == "" {
			return fmt.Errorf("%s: model is empty", stage)
		}
		if s.MaxTokens <= 0 {
			return fmt.Errorf("%s: max tokens must be positive", stage)
		}
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			return fmt.Errorf("%s: temperature %.2f out of range [0,2]", stage, *s.Temperature)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("%s: timeout must be positive", stage)
		}
		if s.SystemPrompt == "" {
			return fmt.Errorf("%s: system prompt reference is empty", stage)
		}
	}
	return nil
}

func (s ChainStepConfig) withDefaults(d ChainStepConfig) ChainStepConfig {
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.Temperature == nil {
		s.Temperature = d.Temperature
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = d.MaxTokens
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = d.SystemPrompt
	}
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	return s
}

func ptr[T any](v T) *T {
	return &v
}
