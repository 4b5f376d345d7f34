package tools

import (
	"time"

	"github.com/mb0/glob"
)

type ErrorHandling string

const (
	// ErrorContinue records the failure on the individual call and
	// lets the rest of the turn proceed.
	ErrorContinue ErrorHandling = "continue"
	ErrorAbort    ErrorHandling = "abort"
	ErrorRetry    ErrorHandling = "retry"
)

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// Config controls tool execution for one generation run.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	MaxIterations    int           `yaml:"max_iterations"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
	// AllowedTools holds glob patterns; empty means every registered
	// tool is allowed.
	AllowedTools  []string      `yaml:"allowed_tools"`
	ErrorHandling ErrorHandling `yaml:"error_handling"`
	// ValidateArgs checks call arguments against the tool's JSON
	// schema before execution.
	ValidateArgs bool        `yaml:"validate_args"`
	Retry        RetryConfig `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxIterations:    5,
		ExecutionTimeout: 30 * time.Second,
		MaxParallelTools: 1,
		ErrorHandling:    ErrorContinue,
		ValidateArgs:     true,
		Retry: RetryConfig{
			MaxRetries:    0,
			BackoffBase:   500 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	}
}

// IsToolAllowed matches the tool name against the allow-list globs.
func (c Config) IsToolAllowed(name string) bool {
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, pattern := range c.AllowedTools {
		if ok, err := glob.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// FilterTools returns the subset of defs allowed by the config.
func (c Config) FilterTools(defs []Definition) []Definition {
	if len(c.AllowedTools) == 0 {
		return defs
	}
	filtered := make([]Definition, 0, len(defs))
	for _, def := range defs {
		if c.IsToolAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}
