package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "launcher",
	Short: "Process supervisor for the backend server",
	Long: `launcher keeps a server process alive: it runs a one-shot setup
command, then launches the configured server command in a loop,
restarting it immediately on a clean exit and after a backoff delay on
crashes, until the supervisor itself is told to stop.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.launcher/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON format")
}

// setConfigDefaults installs the stock values used whenever neither a
// flag, an environment variable nor the config file sets a key
func setConfigDefaults() {
	viper.SetDefault("backoff", "5s")
	viper.SetDefault("grace_period", "5s")
	viper.SetDefault("immediate_restart_codes", []int{0})
	viper.SetDefault("precondition_retries", 0)
	viper.SetDefault("metrics_listen", "")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".launcher/config"
		configDir := filepath.Join(home, ".launcher")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("launcher")
	viper.AutomaticEnv() // read in environment variables that match

	setConfigDefaults()

	// Config file is optional, flags and env cover everything
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("log_level") != "" && !rootCmd.PersistentFlags().Changed("log-level") {
			logLevel = viper.GetString("log_level")
		}
		if viper.GetBool("log_json") && !rootCmd.PersistentFlags().Changed("log-json") {
			logJSON = true
		}
	}
}
