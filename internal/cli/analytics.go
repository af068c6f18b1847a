package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/votesql/internal/analytics"
	"github.com/lucasnoah/votesql/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query run log analytics",
	Long: `Analytics summarises the run log. Queries cover the latest run unless
--run names another one or --all is set; --since further restricts them to
events at or after a timestamp ("YYYY-MM-DD HH:MM:SS").`,
}

var analyticsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Final execution status of candidates per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalytics(cmd, func(database *db.DB, f analytics.Filter, format string) error {
			rows, err := analytics.QueryStatusDistribution(database, f)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-14s %6s %8s %6s %5s %7s %9s %9s\n",
				"STAGE", "TOTAL", "SUCCESS", "EMPTY", "NULL", "FAILED", "TIMED_OUT", "SUCCESS%")
			for _, r := range rows {
				fmt.Fprintf(w, "%-14s %6d %8d %6d %5d %7d %9d %8.1f%%\n",
					r.Stage, r.Total, r.Success, r.Empty, r.NullResult, r.Failed, r.TimedOut, r.SuccessPct)
			}
			return nil
		})
	},
}

var analyticsStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Skip rate, exhaustion, attempts and durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalytics(cmd, func(database *db.DB, f analytics.Filter, format string) error {
			rows, err := analytics.QueryStageStats(database, f)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-14s %5s %7s %10s %10s %6s %8s %7s %7s\n",
				"STAGE", "RUNS", "SKIP%", "CANDIDATES", "EXHAUSTED%", "ERRORS", "ATTEMPTS", "P50(s)", "P95(s)")
			for _, r := range rows {
				fmt.Fprintf(w, "%-14s %5d %6.1f%% %10d %9.1f%% %6d %8.2f %7.1f %7.1f\n",
					r.Stage, r.Runs, r.SkipPct, r.Candidates, r.ExhaustedPct, r.Errors, r.MeanAttempts, r.P50Seconds, r.P95Seconds)
			}
			return nil
		})
	},
}

var analyticsVotesCmd = &cobra.Command{
	Use:   "votes",
	Short: "How final votes went",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalytics(cmd, func(database *db.DB, f analytics.Filter, format string) error {
			s, err := analytics.QueryVoteSummary(database, f)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Questions:        %d\n", s.Questions)
			fmt.Fprintf(w, "Degraded:         %d (%.1f%%)\n", s.Degraded, s.DegradedPct)
			fmt.Fprintf(w, "Random fallbacks: %d\n", s.Fallbacks)
			fmt.Fprintf(w, "Unanimous:        %d (%.1f%%)\n", s.Unanimous, s.UnanimousPct)
			fmt.Fprintf(w, "Mean distinct:    %.2f\n", s.MeanDistinct)
			fmt.Fprintf(w, "Mean vote share:  %.1f%%\n", s.MeanVoteShare)
			return nil
		})
	},
}

var analyticsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Most frequent failure messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withAnalytics(cmd, func(database *db.DB, f analytics.Filter, format string) error {
			rows, err := analytics.QueryTopFailures(database, f, limit)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			w := cmd.OutOrStdout()
			for _, r := range rows {
				fmt.Fprintf(w, "%5d  %-10s %-10s %s\n", r.Count, r.Stage, r.Status, oneLine(r.Message))
			}
			return nil
		})
	},
}

// withAnalytics opens the run log, resolves the filter flags and calls fn.
func withAnalytics(cmd *cobra.Command, fn func(*db.DB, analytics.Filter, string) error) error {
	runID, _ := cmd.Flags().GetString("run")
	all, _ := cmd.Flags().GetBool("all")
	since, _ := cmd.Flags().GetString("since")
	format, _ := cmd.Flags().GetString("format")

	database, err := openRunLog()
	if err != nil {
		return err
	}
	defer database.Close()

	if runID == "" && !all {
		if runID, err = database.LatestRunID(); err != nil {
			return err
		}
		if runID == "" {
			cmd.Println("No runs recorded.")
			return nil
		}
	}
	return fn(database, analytics.Filter{RunID: runID, Since: since}, format)
}

func init() {
	analyticsCmd.PersistentFlags().String("run", "", "run id (default: latest run)")
	analyticsCmd.PersistentFlags().Bool("all", false, "query every run")
	analyticsCmd.PersistentFlags().String("since", "", `only events at or after this time ("YYYY-MM-DD HH:MM:SS")`)
	analyticsCmd.PersistentFlags().String("format", "text", "output format: text or json")
	analyticsFailuresCmd.Flags().Int("limit", 10, "maximum messages to list")

	analyticsCmd.AddCommand(analyticsStatusCmd)
	analyticsCmd.AddCommand(analyticsStagesCmd)
	analyticsCmd.AddCommand(analyticsVotesCmd)
	analyticsCmd.AddCommand(analyticsFailuresCmd)
}
