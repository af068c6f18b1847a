package config

import (
	"time"

	"github.com/lucasnoah/votesql/internal/sqlexec"
)

// PipelineConfig is the top-level configuration structure parsed from pipeline YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full pipeline: metadata, defaults, the ordered
// stages and the final selection step.
type Pipeline struct {
	Name        string          `yaml:"name"`
	MaxRetries  int             `yaml:"max_retries"`
	Concurrency int             `yaml:"concurrency"`
	Templates   string          `yaml:"templates"`
	Defaults    StageDefaults   `yaml:"defaults"`
	Generator   GeneratorConfig `yaml:"generator"`
	Executor    ExecutorConfig  `yaml:"executor"`
	Voting      VotingConfig    `yaml:"voting"`
	Stages      []Stage         `yaml:"stages"`
	Select      SelectConfig    `yaml:"select"`
}

// StageDefaults holds default values applied to stages that don't specify their own.
type StageDefaults struct {
	Model             string    `yaml:"model"`
	Timeout           string    `yaml:"timeout"`
	GenerationTimeout string    `yaml:"generation_timeout"`
	Samples           int       `yaml:"samples"`
	Temperatures      []float64 `yaml:"temperatures"`
	Parallel          int       `yaml:"parallel"`
	RetryOn           []string  `yaml:"retry_on"`
}

// GeneratorConfig selects the generation provider.
type GeneratorConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxSendRetries    int     `yaml:"max_send_retries"`
}

// ExecutorConfig tunes candidate execution.
type ExecutorConfig struct {
	SQLiteDriver string `yaml:"sqlite_driver"`
	Timeout      string `yaml:"timeout"`
	Grace        string `yaml:"grace"`
	PreviewRows  int    `yaml:"preview_rows"`
}

// VotingConfig tunes the final vote.
type VotingConfig struct {
	Mode        string `yaml:"mode"`
	Workers     int    `yaml:"workers"`
	Timeout     string `yaml:"timeout"`
	OnAllFailed string `yaml:"on_all_failed"`
	Seed        uint64 `yaml:"seed"`
}

// SelectConfig names the stages whose candidates enter the final vote.
type SelectConfig struct {
	Pool []string `yaml:"pool"`
}

// Stage kinds.
const (
	KindSample = "sample"
	KindRefine = "refine"
)

// Stage defines one candidate-producing step.
type Stage struct {
	ID                string    `yaml:"id"`
	Kind              string    `yaml:"kind"`
	Template          string    `yaml:"template"`
	System            string    `yaml:"system"`
	Model             string    `yaml:"model"`
	Schema            string    `yaml:"schema"`
	PruneSchema       bool      `yaml:"prune_schema"`
	Inputs            []string  `yaml:"inputs"`
	Samples           int       `yaml:"samples"`
	Temperatures      []float64 `yaml:"temperatures"`
	MaxRetries        int       `yaml:"max_retries"`
	Timeout           string    `yaml:"timeout"`
	GenerationTimeout string    `yaml:"generation_timeout"`
	Parallel          int       `yaml:"parallel"`
	RetryOn           []string  `yaml:"retry_on"`
	SkipWhenAgreed    bool      `yaml:"skip_when_agreed"`
	ExtractRules      bool      `yaml:"extract_rules"`
	ToolIterations    int       `yaml:"tool_iterations"`
}

// ExecTimeout is the per-execution budget for this stage's candidates.
func (s Stage) ExecTimeout() time.Duration {
	return parseDuration(s.Timeout, sqlexec.DefaultTimeout)
}

// GenTimeout bounds a single generation call.
func (s Stage) GenTimeout() time.Duration {
	return parseDuration(s.GenerationTimeout, DefaultGenerationTimeout)
}

// Retryable reports whether an execution with status st is retried.
func (s Stage) Retryable(st sqlexec.Status) bool {
	for _, name := range s.RetryOn {
		if parsed, err := sqlexec.ParseStatus(name); err == nil && parsed == st {
			return true
		}
	}
	return false
}

// Temperature returns the temperature for sample k.
func (s Stage) Temperature(k int) float64 {
	if len(s.Temperatures) == 0 {
		return 0
	}
	return s.Temperatures[k%len(s.Temperatures)]
}

// Stage returns the stage with the given id.
func (p *Pipeline) Stage(id string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// ExecTimeout is the executor's default budget.
func (e ExecutorConfig) ExecTimeout() time.Duration {
	return parseDuration(e.Timeout, sqlexec.DefaultTimeout)
}

// GraceDuration is how long a timed-out statement gets to clean up.
func (e ExecutorConfig) GraceDuration() time.Duration {
	return parseDuration(e.Grace, sqlexec.DefaultGrace)
}

// TimeoutDuration is the per-dispatch voting budget.
func (v VotingConfig) TimeoutDuration() time.Duration {
	return parseDuration(v.Timeout, DefaultVotingTimeout)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
