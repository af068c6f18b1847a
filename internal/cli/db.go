package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/votesql/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply run log schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openRunLog()
		if err != nil {
			return err
		}
		defer database.Close()

		v, err := database.Version()
		if err != nil {
			return err
		}
		cmd.Printf("Run log %s at schema version %d\n", database.Path(), v)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every run log table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset %s without --yes", settings.RunLog)
		}
		database, err := db.Open(settings.RunLog)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(); err != nil {
			return err
		}
		cmd.Printf("Reset run log %s\n", database.Path())
		return nil
	},
}

var dbVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the run log schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(settings.RunLog)
		if err != nil {
			return err
		}
		defer database.Close()

		v, err := database.Version()
		if err != nil {
			return err
		}
		cmd.Println(v)
		return nil
	},
}

var dbRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs recorded in the run log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		database, err := openRunLog()
		if err != nil {
			return err
		}
		defer database.Close()

		runs, err := database.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			cmd.Println("No runs recorded.")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s %-10s %-9s %-20s %s\n", "RUN", "STATUS", "QUESTIONS", "STARTED", "PIPELINE")
		for _, r := range runs {
			fmt.Fprintf(w, "%-36s %-10s %-9d %-20s %s\n", r.ID, r.Status, r.Questions, r.StartedAt, r.Pipeline)
		}
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbRunsCmd.Flags().Int("limit", 20, "maximum runs to list")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbVersionCmd)
	dbCmd.AddCommand(dbRunsCmd)
}
