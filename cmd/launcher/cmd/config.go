package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the effective supervisor configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Prints the configuration the supervisor would run with, after merging
the config file, environment variables and defaults.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", "yaml",
		"Output format: yaml, json")
}

// EffectiveConfig mirrors the config file schema
type EffectiveConfig struct {
	Command               string   `json:"command" yaml:"command"`
	Args                  []string `json:"args,omitempty" yaml:"args,omitempty"`
	Precondition          string   `json:"precondition,omitempty" yaml:"precondition,omitempty"`
	PreconditionRetries   int      `json:"precondition_retries" yaml:"precondition_retries"`
	Backoff               string   `json:"backoff" yaml:"backoff"`
	GracePeriod           string   `json:"grace_period" yaml:"grace_period"`
	ImmediateRestartCodes []int    `json:"immediate_restart_codes" yaml:"immediate_restart_codes"`
	MetricsListen         string   `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`
	LogLevel              string   `json:"log_level" yaml:"log_level"`
	LogJSON               bool     `json:"log_json" yaml:"log_json"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := EffectiveConfig{
		Command:               viper.GetString("command"),
		Args:                  viper.GetStringSlice("args"),
		Precondition:          viper.GetString("precondition"),
		PreconditionRetries:   viper.GetInt("precondition_retries"),
		Backoff:               viper.GetDuration("backoff").String(),
		GracePeriod:           viper.GetDuration("grace_period").String(),
		ImmediateRestartCodes: viper.GetIntSlice("immediate_restart_codes"),
		MetricsListen:         viper.GetString("metrics_listen"),
		LogLevel:              logLevel,
		LogJSON:               logJSON,
	}

	switch configOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", configOutput)
	}
}
