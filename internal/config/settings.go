package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read into Settings.
const EnvPrefix = "VOTESQL_"

// Settings holds per-machine values that do not belong in a shared
// pipeline file: credentials, endpoints and local paths.
type Settings struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	Home     string `mapstructure:"home"`
	RunLog   string `mapstructure:"run_log"`
	Results  string `mapstructure:"results"`
}

// LoadSettings reads settings from an optional dotenv file and VOTESQL_*
// environment variables, environment taking precedence. When no API key is
// set, OPENAI_API_KEY or GEMINI_API_KEY is used depending on the provider.
func LoadSettings(envFile string) (*Settings, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading %s: %w", envFile, err)
			}
		}
	}

	// Dotenv keys arrive lower-cased with their prefix, e.g. votesql_api_key.
	lowerPrefix := strings.ToLower(EnvPrefix)
	for _, key := range v.AllKeys() {
		if strings.HasPrefix(key, lowerPrefix) {
			v.Set(strings.TrimPrefix(key, lowerPrefix), v.Get(key))
		}
	}
	for _, envStr := range os.Environ() {
		key, value, ok := strings.Cut(envStr, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		v.Set(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if s.APIKey == "" {
		name := "openai_api_key"
		if s.Provider == "gemini" {
			name = "gemini_api_key"
		}
		s.APIKey = os.Getenv(strings.ToUpper(name))
		if s.APIKey == "" {
			s.APIKey = v.GetString(name)
		}
	}

	if s.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		s.Home = filepath.Join(home, ".votesql")
	}
	if s.RunLog == "" {
		s.RunLog = filepath.Join(s.Home, "runs.db")
	}
	if s.Results == "" {
		s.Results = "results"
	}
	return &s, nil
}

// Apply overlays settings onto the pipeline's generator section. Settings
// win only where they are set.
func (s *Settings) Apply(cfg *PipelineConfig) {
	g := &cfg.Pipeline.Generator
	if s.Provider != "" {
		g.Provider = s.Provider
	}
	if s.BaseURL != "" {
		g.BaseURL = s.BaseURL
	}
	if s.Model != "" {
		// Stages that inherited the generator model follow the override.
		old := g.Model
		g.Model = s.Model
		for i := range cfg.Pipeline.Stages {
			if m := cfg.Pipeline.Stages[i].Model; m == "" || m == old {
				cfg.Pipeline.Stages[i].Model = s.Model
			}
		}
	}
}
