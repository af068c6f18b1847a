package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/votesql/internal/sqlexec"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedKinds     = map[string]bool{KindSample: true, KindRefine: true}
	recognizedSchemas   = map[string]bool{"desc": true, "info": true}
	recognizedModes     = map[string]bool{"exact": true, "soft": true}
	recognizedFallbacks = map[string]bool{"random": true, "sentinel": true}
	recognizedProviders = map[string]bool{"openai": true, "gemini": true}
)

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *PipelineConfig) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	p := cfg.Pipeline

	if p.Name == "" {
		add("pipeline.name", "is required")
	}
	if len(p.Stages) == 0 {
		add("pipeline.stages", "at least one stage is required")
	}

	if !recognizedProviders[p.Generator.Provider] {
		add("pipeline.generator.provider", "unrecognized provider %q", p.Generator.Provider)
	}
	if p.Generator.RequestsPerSecond < 0 {
		add("pipeline.generator.requests_per_second", "must not be negative")
	}
	if !sqlexec.ValidSQLiteDriver(p.Executor.SQLiteDriver) {
		add("pipeline.executor.sqlite_driver", "must be %q or %q, got %q", sqlexec.DriverSQLite3, sqlexec.DriverSQLite, p.Executor.SQLiteDriver)
	}
	validateDuration("pipeline.executor.timeout", p.Executor.Timeout, &errs)
	validateDuration("pipeline.executor.grace", p.Executor.Grace, &errs)
	validateDuration("pipeline.defaults.timeout", p.Defaults.Timeout, &errs)
	validateDuration("pipeline.defaults.generation_timeout", p.Defaults.GenerationTimeout, &errs)
	if !recognizedModes[p.Voting.Mode] {
		add("pipeline.voting.mode", "unrecognized mode %q", p.Voting.Mode)
	}
	if !recognizedFallbacks[p.Voting.OnAllFailed] {
		add("pipeline.voting.on_all_failed", "unrecognized policy %q", p.Voting.OnAllFailed)
	}
	validateDuration("pipeline.voting.timeout", p.Voting.Timeout, &errs)

	// Stages may only read candidates from stages that run before them.
	earlier := make(map[string]bool)
	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)
		if s.ID == "" {
			add(prefix+".id", "is required")
			continue
		}
		if earlier[s.ID] {
			add(prefix+".id", "duplicate stage ID %q", s.ID)
		}

		if !recognizedKinds[s.Kind] {
			add(prefix+".kind", "unrecognized kind %q", s.Kind)
		}
		switch s.Kind {
		case KindSample:
			if len(s.Inputs) > 0 {
				add(prefix+".inputs", "sample stage takes no inputs")
			}
			if s.SkipWhenAgreed {
				add(prefix+".skip_when_agreed", "only applies to refine stages")
			}
			if s.PruneSchema {
				add(prefix+".prune_schema", "only applies to refine stages")
			}
		case KindRefine:
			if len(s.Inputs) == 0 {
				add(prefix+".inputs", "refine stage needs at least one input stage")
			}
		}
		for _, in := range s.Inputs {
			if !earlier[in] {
				add(prefix+".inputs", "references stage %q that does not run before %q", in, s.ID)
			}
		}

		if !recognizedSchemas[s.Schema] {
			add(prefix+".schema", "must be \"desc\" or \"info\", got %q", s.Schema)
		}
		for _, temp := range s.Temperatures {
			if temp < 0 || temp > 2 {
				add(prefix+".temperatures", "temperature %g out of range [0, 2]", temp)
			}
		}
		for _, st := range s.RetryOn {
			if _, err := sqlexec.ParseStatus(st); err != nil {
				add(prefix+".retry_on", "%v", err)
			} else if st == string(sqlexec.StatusSuccess) {
				add(prefix+".retry_on", "success is never retried")
			}
		}
		if s.ToolIterations < 0 {
			add(prefix+".tool_iterations", "must not be negative")
		}
		validateDuration(prefix+".timeout", s.Timeout, &errs)
		validateDuration(prefix+".generation_timeout", s.GenerationTimeout, &errs)

		earlier[s.ID] = true
	}

	for _, id := range p.Select.Pool {
		if !earlier[id] {
			add("pipeline.select.pool", "references undefined stage %q", id)
		}
	}

	return errs
}

// ValidateTemplates reports stages whose templates cannot be resolved.
func ValidateTemplates(cfg *PipelineConfig, exists func(name string) bool) []ValidationError {
	var errs []ValidationError
	for i, s := range cfg.Pipeline.Stages {
		if !exists(s.Template) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].template", i),
				Message: fmt.Sprintf("template %q not found", s.Template),
			})
		}
		if s.System != "" && !exists(s.System) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].system", i),
				Message: fmt.Sprintf("template %q not found", s.System),
			})
		}
	}
	return errs
}

func validateDuration(field, value string, errs *[]ValidationError) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be positive"})
	}
}
