package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/votesql/internal/vote"
)

// voteInput is the on-disk shape read by `votesql vote --file`: one target
// per candidate, consecutive groups of group-size candidates per question.
type voteInput struct {
	Targets    []string `json:"targets"`
	Candidates []string `json:"candidates"`
	GroupSize  int      `json:"group_size,omitempty"`
}

var voteCmd = &cobra.Command{
	Use:   "vote [sql...]",
	Short: "Execute candidate queries and pick the majority result",
	Long: `Vote executes candidate SQL and returns, per group, the candidate whose
result set the most candidates agree on.

Candidates come either from --file (JSON with "targets" and "candidates"
arrays of equal length, split into consecutive groups of --group-size) or
from the arguments, all run against --db as a single group.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		target, _ := cmd.Flags().GetString("db")
		groupSize, _ := cmd.Flags().GetInt("group-size")
		explain, _ := cmd.Flags().GetBool("explain")

		in, err := readVoteInput(cmd.InOrStdin(), file, target, args)
		if err != nil {
			return err
		}
		if groupSize <= 0 {
			groupSize = in.GroupSize
		}
		if groupSize <= 0 {
			groupSize = len(in.Candidates)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		voter := newVoter(cfg, newExecutor(cfg))

		if !explain {
			winners, err := voter.Vote(cmd.Context(), in.Targets, in.Candidates, groupSize)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), winners)
		}

		results, err := voter.Execute(cmd.Context(), in.Targets, in.Candidates)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for g, group := range vote.Groups(results, groupSize) {
			sel := voter.Select(group)
			fmt.Fprintf(w, "Group %d: %d candidate(s)\n", g, len(group))
			for _, r := range group {
				fmt.Fprintf(w, "  [%d] %-11s rows=%-4d %s\n", r.Index, r.Outcome.Status, r.Outcome.RowCount, oneLine(r.SQL))
				if r.Outcome.Message != "" {
					fmt.Fprintf(w, "       %s\n", oneLine(r.Outcome.Message))
				}
			}
			for _, e := range vote.Tally(group) {
				fmt.Fprintf(w, "  result of [%d]: %d vote(s), %d row(s)\n", e.First, e.Votes, e.Rows)
			}
			switch {
			case sel.Index < 0:
				fmt.Fprintln(w, "  winner: none (no candidate succeeded)")
			case sel.Fallback:
				fmt.Fprintf(w, "  winner: [%d] (fallback, no candidate succeeded)\n", group[sel.Index].Index)
			default:
				fmt.Fprintf(w, "  winner: [%d] with %d of %d vote(s)\n", group[sel.Index].Index, sel.Votes, len(group))
			}
		}
		return nil
	},
}

func readVoteInput(stdin io.Reader, file, target string, args []string) (*voteInput, error) {
	if file == "" {
		if target == "" || len(args) == 0 {
			return nil, fmt.Errorf("either --file, or --db with one or more SQL arguments, is required")
		}
		in := &voteInput{Candidates: args, Targets: make([]string, len(args))}
		for i := range in.Targets {
			in.Targets[i] = target
		}
		return in, nil
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	var in voteInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse candidates: %w", err)
	}
	if len(in.Targets) != len(in.Candidates) {
		return nil, fmt.Errorf("%d targets for %d candidates", len(in.Targets), len(in.Candidates))
	}
	if len(in.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in %s", file)
	}
	return &in, nil
}

func init() {
	voteCmd.Flags().StringP("file", "f", "", `JSON file with "targets" and "candidates" ("-" for stdin)`)
	voteCmd.Flags().String("db", "", "target database for SQL arguments")
	voteCmd.Flags().Int("group-size", 0, "candidates per question (default: all candidates form one group)")
	voteCmd.Flags().Bool("explain", false, "print every candidate's outcome and the tally per group")
}
