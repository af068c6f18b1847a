package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lucasnoah/votesql/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	envFile    string
	verbose    bool

	logger   = zap.NewNop()
	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "votesql",
	Short: "Execution-guided text-to-SQL with consistency voting",
	Long: `votesql answers natural-language questions over relational databases.
Each question flows through configured stages that sample candidate SQL from a
language model, execute it, and retry with execution feedback. The surviving
candidates are executed once more and the answer is chosen by majority vote
over their results.

Per-machine settings (API keys, endpoints) come from .env and VOTESQL_*
variables; the pipeline itself is a YAML file (see 'votesql config init').`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(verbose)
		if err != nil {
			return err
		}
		logger = l

		s, err := config.LoadSettings(envFile)
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// newLogger builds a production logger writing to stderr; verbose lowers
// the level to debug.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to pipeline config file (default ./pipeline.yaml, ~/.votesql/config.yaml, then built-in)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with VOTESQL_* settings")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(analyticsCmd)
}
