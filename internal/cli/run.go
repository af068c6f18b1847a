package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/votesql/internal/orchestrator"
	"github.com/lucasnoah/votesql/internal/pipeline"
	"github.com/lucasnoah/votesql/internal/prompt"
	"github.com/lucasnoah/votesql/internal/stage"
	"github.com/lucasnoah/votesql/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Answer every question in a dataset",
	Long: `Run loads a dataset, drives each question through the pipeline stages and
the final vote, and writes one record per question plus per-stage aggregates
and predictions under <results>/<run-id>/. Interrupting the run finishes the
questions in flight and marks the run cancelled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataset, _ := cmd.Flags().GetString("dataset")
		dbRoot, _ := cmd.Flags().GetString("db-root")
		ids, _ := cmd.Flags().GetIntSlice("ids")
		limit, _ := cmd.Flags().GetInt("limit")
		runID, _ := cmd.Flags().GetString("run-id")
		quiet, _ := cmd.Flags().GetBool("quiet")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		loader := prompt.NewLoader(cfg.Pipeline.Templates)
		if errs := templateErrors(cfg, loader); len(errs) > 0 {
			return fmt.Errorf("missing templates: %v", errs)
		}

		tasks, err := task.LoadDataset(dataset, dbRoot)
		if err != nil {
			return err
		}
		tasks = task.Filter(tasks, ids)
		if limit > 0 && len(tasks) > limit {
			tasks = tasks[:limit]
		}
		if len(tasks) == 0 {
			return fmt.Errorf("no questions selected from %s", dataset)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gen, err := newGenerator(ctx, cfg)
		if err != nil {
			return err
		}
		exec := newExecutor(cfg)
		engine := stage.NewEngine(gen, exec, cfg, loader)
		engine.SetLogger(logger.Named("stage"))

		database, err := openRunLog()
		if err != nil {
			return err
		}
		defer database.Close()
		store := newStore()

		orch := orchestrator.NewOrchestrator(cfg, engine, newVoter(cfg, exec), store, database)
		orch.SetLogger(logger.Named("orchestrator"))
		if !quiet {
			orch.SetProgress(cmd.ErrOrStderr())
			if verbose {
				engine.SetProgress(cmd.ErrOrStderr())
			}
		}

		raw, _ := yaml.Marshal(cfg)
		runArgs := &pipeline.RunArgs{
			RunID:      runID,
			Pipeline:   cfg.Pipeline.Name,
			Dataset:    dataset,
			DBRoot:     dbRoot,
			Questions:  len(tasks),
			Stages:     stageIDs(cfg.Pipeline.Stages),
			Pool:       cfg.Pipeline.Select.Pool,
			Model:      cfg.Pipeline.Generator.Model,
			Provider:   cfg.Pipeline.Generator.Provider,
			VoteMode:   cfg.Pipeline.Voting.Mode,
			ConfigYAML: string(raw),
		}
		if err := orch.Begin(runArgs); err != nil {
			return err
		}

		records, runErr := orch.RunBatch(ctx, tasks)
		printRunSummary(cmd, runArgs.RunID, store.RunDir(runArgs.RunID), records)
		if u, ok := usageOf(gen); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "  Generation: %d calls, %d input / %d output tokens, $%.4f\n",
				u.Calls, u.InputTokens, u.OutputTokens, u.Cost)
		}
		if runErr != nil && ctx.Err() != nil {
			return fmt.Errorf("run %s interrupted", runArgs.RunID)
		}
		return runErr
	},
}

func printRunSummary(cmd *cobra.Command, runID, dir string, records []*pipeline.QuestionRecord) {
	var degraded, fallbacks int
	for _, r := range records {
		if r.Degraded {
			degraded++
		} else if r.Selection.Fallback {
			fallbacks++
		}
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s\n", runID)
	fmt.Fprintf(w, "  Questions:  %d\n", len(records))
	fmt.Fprintf(w, "  Degraded:   %d\n", degraded)
	fmt.Fprintf(w, "  Fallbacks:  %d\n", fallbacks)
	fmt.Fprintf(w, "  Results:    %s\n", dir)
}

func init() {
	runCmd.Flags().String("dataset", "", "dataset JSON file")
	runCmd.Flags().String("db-root", "", "directory holding <db_id>/<db_id>.sqlite targets")
	runCmd.Flags().IntSlice("ids", nil, "only answer these question ids")
	runCmd.Flags().Int("limit", 0, "answer at most this many questions")
	runCmd.Flags().String("run-id", "", "run id (default: a new uuid)")
	runCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
	_ = runCmd.MarkFlagRequired("dataset")
}
