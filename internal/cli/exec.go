package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/votesql/internal/sqlexec"
)

var execCmd = &cobra.Command{
	Use:   "exec <sql>",
	Short: "Execute one read-only query and classify its outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("db")
		format, _ := cmd.Flags().GetString("format")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		maxRows, _ := cmd.Flags().GetInt("rows")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if timeout <= 0 {
			timeout = cfg.Pipeline.Executor.ExecTimeout()
		}

		out := newExecutor(cfg).Execute(cmd.Context(), args[0], target, timeout)
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), struct {
				sqlexec.Outcome
				Rows [][]any `json:"rows,omitempty"`
			}{out, out.Rows})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Status:   %s\n", out.Status)
		fmt.Fprintf(w, "Rows:     %d\n", out.RowCount)
		fmt.Fprintf(w, "Duration: %s\n", out.Duration)
		if out.Digest != "" {
			fmt.Fprintf(w, "Digest:   %s\n", out.Digest)
		}
		if out.Message != "" {
			fmt.Fprintf(w, "Message:  %s\n", out.Message)
		}
		if len(out.Columns) > 0 {
			fmt.Fprintf(w, "\n%s\n", strings.Join(out.Columns, " | "))
			for i, row := range out.Rows {
				if i == maxRows {
					fmt.Fprintf(w, "... %d more row(s)\n", len(out.Rows)-maxRows)
					break
				}
				fmt.Fprintln(w, strings.Trim(sqlexec.FormatRows([][]any{row}), "[]"))
			}
		}
		return nil
	},
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func init() {
	execCmd.Flags().String("db", "", "target database (SQLite/DuckDB file path or postgres:// URL)")
	execCmd.Flags().String("format", "text", "output format: text or json")
	execCmd.Flags().Duration("timeout", 0, "execution budget (default: executor.timeout)")
	execCmd.Flags().Int("rows", 20, "rows to print in text format")
	_ = execCmd.MarkFlagRequired("db")
}
