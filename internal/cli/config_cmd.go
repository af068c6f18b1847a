package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/votesql/internal/config"
	"github.com/lucasnoah/votesql/internal/pipeline"
	"github.com/lucasnoah/votesql/internal/prompt"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect pipeline configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the pipeline configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigUnchecked()
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		errs = append(errs, templateErrors(cfg, prompt.NewLoader(cfg.Pipeline.Templates))...)
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigUnchecked()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the built-in pipeline to a file (default pipeline.yaml)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "pipeline.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		templates, _ := cmd.Flags().GetString("templates")

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := pipeline.WriteAtomic(path, []byte(config.DefaultYAML)); err != nil {
			return err
		}
		cmd.Printf("Wrote %s\n", path)

		if templates != "" {
			dir := templates
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(filepath.Dir(path), dir)
			}
			written, err := prompt.InstallBuiltinTemplates(dir)
			if err != nil {
				return err
			}
			cmd.Printf("Installed %d template(s) into %s\n", len(written), dir)
			cmd.Printf("Set pipeline.templates: %s to use them.\n", templates)
		}
		return nil
	},
}

var configTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List built-in prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range prompt.BuiltinNames() {
			cmd.Println(name)
		}
		return nil
	},
}

// templateErrors checks that every template the pipeline names resolves.
func templateErrors(cfg *config.PipelineConfig, loader *prompt.Loader) []config.ValidationError {
	return config.ValidateTemplates(cfg, loader.Exists)
}

func stageIDs(stages []config.Stage) []string {
	ids := make([]string, len(stages))
	for i, st := range stages {
		ids[i] = st.ID
	}
	return ids
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().String("templates", "", "also install the built-in templates into this directory")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configTemplatesCmd)
}
