package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/votesql/internal/evaluate"
	"github.com/lucasnoah/votesql/internal/pipeline"
	"github.com/lucasnoah/votesql/internal/task"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score predictions against gold SQL by execution",
	Long: `Eval executes each predicted query and its gold query against the
question's database and counts a prediction correct when both return the
same set of rows. Predictions come from a finished run (--run) or from a
JSON file mapping question id to SQL (--predictions). With --run the
dataset and database root default to the ones the run used, and the report
is saved as -eval.json in the run directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run")
		predFile, _ := cmd.Flags().GetString("predictions")
		dataset, _ := cmd.Flags().GetString("dataset")
		dbRoot, _ := cmd.Flags().GetString("db-root")
		format, _ := cmd.Flags().GetString("format")
		workers, _ := cmd.Flags().GetInt("workers")

		if (runID == "") == (predFile == "") {
			return fmt.Errorf("exactly one of --run or --predictions is required")
		}

		store := newStore()
		var predictions map[int]string
		if runID != "" {
			runArgs, err := store.GetArgs(runID)
			if err != nil {
				return err
			}
			if dataset == "" {
				dataset = runArgs.Dataset
			}
			if dbRoot == "" {
				dbRoot = runArgs.DBRoot
			}
			if predictions, err = store.Predictions(runID); err != nil {
				return err
			}
		} else if err := pipeline.ReadJSON(predFile, &predictions); err != nil {
			return fmt.Errorf("read predictions: %w", err)
		}
		if dataset == "" {
			return fmt.Errorf("--dataset is required")
		}

		tasks, err := task.LoadDataset(dataset, dbRoot)
		if err != nil {
			return err
		}
		items := evaluate.Items(tasks, predictions)
		if len(items) == 0 {
			return fmt.Errorf("no questions with gold SQL in %s", dataset)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ev := evaluate.New(newExecutor(cfg), evaluate.Config{
			Workers: workers,
			Timeout: cfg.Pipeline.Executor.ExecTimeout(),
		})
		ev.SetLogger(logger.Named("evaluate"))

		report, err := ev.Evaluate(cmd.Context(), items)
		if err != nil {
			return err
		}
		if runID != "" {
			if err := pipeline.WriteJSON(filepath.Join(store.RunDir(runID), "-eval.json"), report); err != nil {
				return err
			}
		}

		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd, report)
		return nil
	},
}

func printReport(cmd *cobra.Command, r *evaluate.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-12s %6s %8s %9s\n", "DIFFICULTY", "TOTAL", "CORRECT", "ACCURACY")
	for _, b := range r.ByDifficulty {
		fmt.Fprintf(w, "%-12s %6d %8d %8.1f%%\n", b.Difficulty, b.Total, b.Correct, b.Accuracy*100)
	}
	fmt.Fprintf(w, "%-12s %6d %8d %8.1f%%\n", "all", r.Total, r.Correct, r.Accuracy*100)
	if r.GoldFailures > 0 {
		fmt.Fprintf(w, "\n%d gold quer(ies) failed to execute.\n", r.GoldFailures)
	}
}

func init() {
	evalCmd.Flags().String("run", "", "run id whose predictions to score")
	evalCmd.Flags().String("predictions", "", "JSON file mapping question id to SQL")
	evalCmd.Flags().String("dataset", "", "dataset JSON file with gold SQL")
	evalCmd.Flags().String("db-root", "", "directory holding <db_id>/<db_id>.sqlite targets")
	evalCmd.Flags().String("format", "text", "output format: text or json")
	evalCmd.Flags().Int("workers", 0, "concurrent executions (default 8)")
}
