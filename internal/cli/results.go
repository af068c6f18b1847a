package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect run result directories",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := newStore().List()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s %-20s %-9s %-20s %s\n", "RUN", "STARTED", "QUESTIONS", "PIPELINE", "DATASET")
		fmt.Fprintf(w, "%-36s %-20s %-9s %-20s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 20),
			strings.Repeat("-", 9),
			strings.Repeat("-", 20),
			strings.Repeat("-", 7))
		for _, r := range runs {
			fmt.Fprintf(w, "%-36s %-20s %4d/%-4d %-20s %s\n",
				r.ID, r.Args.StartedAt, r.Questions, r.Args.Questions, r.Args.Pipeline, r.Args.Dataset)
		}
		return nil
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <run-id> [question-id]",
	Short: "Show a run, or one question's stages and vote",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := newStore()
		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		if len(args) == 2 {
			qid, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid question id: %s", args[1])
			}
			rec, err := store.GetQuestion(args[0], qid)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(w, rec)
			}

			fmt.Fprintf(w, "Question %d (%s): %s\n", rec.QuestionID, rec.DBID, rec.Question)
			for _, st := range rec.Stages {
				switch {
				case st.Error != "":
					fmt.Fprintf(w, "  %s: error: %s\n", st.Stage, st.Error)
					continue
				case st.Skipped:
					fmt.Fprintf(w, "  %s: skipped (inputs agreed)\n", st.Stage)
				default:
					fmt.Fprintf(w, "  %s (%s):\n", st.Stage, st.Duration)
				}
				for i, c := range st.Candidates {
					mark := ""
					if c.Exhausted {
						mark = " exhausted"
					}
					fmt.Fprintf(w, "    [%d] %s rows=%d attempts=%d%s\n        %s\n",
						i, c.Status, c.RowCount, c.Attempts, mark, oneLine(c.SQL))
				}
			}
			sel := rec.Selection
			fmt.Fprintf(w, "  vote (%s over %s): winner %d, %d vote(s), %d distinct result(s)\n",
				sel.Mode, strings.Join(sel.Pool, ","), sel.Index, sel.Votes, sel.Distinct)
			if rec.Degraded {
				fmt.Fprintln(w, "  DEGRADED")
			}
			if rec.Error != "" {
				fmt.Fprintf(w, "  error: %s\n", rec.Error)
			}
			fmt.Fprintf(w, "  answer: %s\n", oneLine(rec.SQL))
			return nil
		}

		runArgs, err := store.GetArgs(args[0])
		if err != nil {
			return err
		}
		recs, err := store.ListQuestions(args[0])
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(w, runArgs)
		}

		var degraded, fallbacks int
		for _, r := range recs {
			if r.Degraded {
				degraded++
			} else if r.Selection.Fallback {
				fallbacks++
			}
		}
		fmt.Fprintf(w, "Run %s\n", runArgs.RunID)
		fmt.Fprintf(w, "  Pipeline:   %s (%s)\n", runArgs.Pipeline, strings.Join(runArgs.Stages, " -> "))
		fmt.Fprintf(w, "  Vote:       %s over %s\n", runArgs.VoteMode, strings.Join(runArgs.Pool, ","))
		fmt.Fprintf(w, "  Model:      %s/%s\n", runArgs.Provider, runArgs.Model)
		fmt.Fprintf(w, "  Dataset:    %s\n", runArgs.Dataset)
		fmt.Fprintf(w, "  Started:    %s\n", runArgs.StartedAt)
		fmt.Fprintf(w, "  Questions:  %d of %d\n", len(recs), runArgs.Questions)
		fmt.Fprintf(w, "  Degraded:   %d\n", degraded)
		fmt.Fprintf(w, "  Fallbacks:  %d\n", fallbacks)
		return nil
	},
}

var resultsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run's results and its run log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newStore().Delete(args[0]); err != nil {
			return err
		}
		database, err := openRunLog()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.DeleteRun(args[0]); err != nil {
			return err
		}
		cmd.Printf("Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	resultsShowCmd.Flags().String("format", "text", "output format: text or json")

	resultsCmd.AddCommand(resultsListCmd)
	resultsCmd.AddCommand(resultsShowCmd)
	resultsCmd.AddCommand(resultsDeleteCmd)
}
