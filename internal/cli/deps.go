package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/votesql/internal/config"
	"github.com/lucasnoah/votesql/internal/db"
	"github.com/lucasnoah/votesql/internal/llm"
	"github.com/lucasnoah/votesql/internal/pipeline"
	"github.com/lucasnoah/votesql/internal/sqlexec"
	"github.com/lucasnoah/votesql/internal/vote"
)

// loadConfig resolves the pipeline file, overlays per-machine settings and
// rejects an invalid result.
func loadConfig() (*config.PipelineConfig, error) {
	cfg, err := loadConfigUnchecked()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid pipeline config:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

// loadConfigUnchecked is loadConfig without validation. When no file is
// named and none is found in the standard locations, the built-in pipeline
// is used.
func loadConfigUnchecked() (*config.PipelineConfig, error) {
	var cfg *config.PipelineConfig
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
		if err != nil {
			logger.Debug("no pipeline file found, using built-in pipeline")
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if settings != nil {
		settings.Apply(cfg)
	}
	return cfg, nil
}

func newExecutor(cfg *config.PipelineConfig) *sqlexec.Executor {
	e := cfg.Pipeline.Executor
	exec := sqlexec.New(sqlexec.Config{
		SQLiteDriver: e.SQLiteDriver,
		Timeout:      e.ExecTimeout(),
		Grace:        e.GraceDuration(),
		PreviewRows:  e.PreviewRows,
	})
	exec.SetLogger(logger.Named("sqlexec"))
	return exec
}

func newVoter(cfg *config.PipelineConfig, exec vote.Executor) *vote.Engine {
	v := cfg.Pipeline.Voting
	voter := vote.NewEngine(exec, vote.Config{
		Mode:        vote.Mode(v.Mode),
		Workers:     v.Workers,
		Timeout:     v.TimeoutDuration(),
		OnAllFailed: vote.Fallback(v.OnAllFailed),
		Seed:        v.Seed,
	})
	voter.SetLogger(logger.Named("vote"))
	return voter
}

func newGenerator(ctx context.Context, cfg *config.PipelineConfig) (llm.Generator, error) {
	g := cfg.Pipeline.Generator
	gen, err := llm.New(ctx, llm.Config{
		Provider:          g.Provider,
		APIKey:            settings.APIKey,
		BaseURL:           g.BaseURL,
		Model:             g.Model,
		RequestsPerSecond: g.RequestsPerSecond,
		MaxSendRetries:    g.MaxSendRetries,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := gen.(*llm.OpenAIClient); ok {
		c.SetLogger(logger.Named("llm"))
	}
	return gen, nil
}

// usageOf reports accumulated token usage when the generator tracks it.
func usageOf(gen llm.Generator) (llm.UsageSnapshot, bool) {
	u, ok := gen.(interface{ Usage() llm.UsageSnapshot })
	if !ok {
		return llm.UsageSnapshot{}, false
	}
	return u.Usage(), true
}

// openRunLog opens and migrates the run log database.
func openRunLog() (*db.DB, error) {
	database, err := db.Open(settings.RunLog)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func newStore() *pipeline.Store {
	return pipeline.NewStore(settings.Results)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
