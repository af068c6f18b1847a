package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxRetries        = 3
	DefaultSamples           = 1
	DefaultParallel          = 4
	DefaultConcurrency       = 4
	DefaultGenerationTimeout = 2 * time.Minute
	DefaultVotingTimeout     = 5 * time.Second
	DefaultVotingWorkers     = 20
	DefaultSchema            = "desc"
)

// defaultRetryOn lists the statuses retried when neither the stage nor the
// pipeline defaults say otherwise.
var defaultRetryOn = []string{"failed", "timed_out"}

// Load reads and parses a pipeline configuration from the given YAML file path.
// After parsing, it applies defaults to stages that don't specify their own values.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Pipeline.Templates != "" && !filepath.IsAbs(cfg.Pipeline.Templates) {
		cfg.Pipeline.Templates = filepath.Join(filepath.Dir(path), cfg.Pipeline.Templates)
	}
	return cfg, nil
}

// Parse decodes pipeline YAML and applies defaults.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a pipeline config in standard locations and loads the
// first one found. Search order: ./pipeline.yaml, ~/.votesql/config.yaml
func LoadDefault() (*PipelineConfig, error) {
	candidates := []string{"pipeline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".votesql", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// Default returns the built-in pipeline.
func Default() *PipelineConfig {
	cfg, err := Parse([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in pipeline: %v", err))
	}
	return cfg
}

// applyDefaults merges pipeline-level defaults into stages that don't set
// their own values and fills in the executor, voting and selection settings.
func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultConcurrency
	}
	if p.Generator.Provider == "" {
		p.Generator.Provider = "openai"
	}
	if p.Executor.SQLiteDriver == "" {
		p.Executor.SQLiteDriver = "sqlite3"
	}
	if p.Voting.Mode == "" {
		p.Voting.Mode = "exact"
	}
	if p.Voting.Workers <= 0 {
		p.Voting.Workers = DefaultVotingWorkers
	}
	if p.Voting.OnAllFailed == "" {
		p.Voting.OnAllFailed = "random"
	}

	for i := range p.Stages {
		s := &p.Stages[i]

		if s.Kind == "" {
			if len(s.Inputs) > 0 {
				s.Kind = KindRefine
			} else {
				s.Kind = KindSample
			}
		}
		if s.Template == "" && s.ID != "" {
			s.Template = s.ID + ".md"
		}
		if s.Model == "" {
			s.Model = p.Defaults.Model
		}
		if s.Model == "" {
			s.Model = p.Generator.Model
		}
		if s.Schema == "" {
			s.Schema = DefaultSchema
		}
		if s.Timeout == "" {
			s.Timeout = p.Defaults.Timeout
		}
		if s.Timeout == "" {
			s.Timeout = p.Executor.Timeout
		}
		if s.GenerationTimeout == "" {
			s.GenerationTimeout = p.Defaults.GenerationTimeout
		}
		if s.Samples <= 0 {
			s.Samples = p.Defaults.Samples
		}
		if s.Samples <= 0 {
			s.Samples = DefaultSamples
		}
		if len(s.Temperatures) == 0 {
			s.Temperatures = p.Defaults.Temperatures
		}
		if len(s.Temperatures) == 0 {
			s.Temperatures = []float64{0}
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = p.MaxRetries
		}
		if s.Parallel <= 0 {
			s.Parallel = p.Defaults.Parallel
		}
		if s.Parallel <= 0 {
			s.Parallel = DefaultParallel
		}
		if len(s.RetryOn) == 0 {
			s.RetryOn = p.Defaults.RetryOn
		}
		if len(s.RetryOn) == 0 {
			s.RetryOn = defaultRetryOn
		}
	}

	if len(p.Select.Pool) == 0 && len(p.Stages) > 0 {
		p.Select.Pool = []string{p.Stages[len(p.Stages)-1].ID}
	}
}

// DefaultYAML is the built-in pipeline: two schema-linking sample stages,
// a generation stage that refines each linked candidate with tool access
// over the schema pruned to that candidate's tables, then style and output
// refinement. `votesql config init` writes it out.
const DefaultYAML = `pipeline:
  name: votesql-default
  max_retries: 3
  concurrency: 4
  defaults:
    timeout: 30s
    generation_timeout: 2m
    parallel: 4
  generator:
    provider: openai
    model: gpt-4o-mini
    requests_per_second: 5
  executor:
    sqlite_driver: sqlite3
    timeout: 30s
    preview_rows: 8
  voting:
    mode: exact
    workers: 20
    timeout: 5s
    on_all_failed: random
    seed: 42
  stages:
    - id: link
      kind: sample
      template: link.md
      schema: desc
      samples: 1
    - id: link_info
      kind: sample
      template: link.md
      schema: info
      samples: 1
    - id: generate
      kind: refine
      template: generate.md
      schema: info
      prune_schema: true
      inputs: [link, link_info]
      temperatures: [0.0, 0.7]
      skip_when_agreed: true
      extract_rules: true
      tool_iterations: 6
    - id: style
      kind: refine
      template: style.md
      inputs: [generate]
    - id: output
      kind: refine
      template: output.md
      inputs: [style]
  select:
    pool: [output]
`
