// Package cmd provides the previewd command line.
//
// Configuration is read from, highest priority first:
//  1. command-line flags (--port, --mode, ...)
//  2. PREVIEWD_<SECTION>_<KEY> environment variables
//  3. the file named by --config or PREVIEWD_CONFIG_FILE
//  4. .previewd.yml in the current directory
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/previewd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "previewd",
	Short: "Live compilation and sandboxed preview for UI components",
	Long: `previewd compiles a single component source as you type and shows it
in an isolated browser sandbox, with compile and runtime errors surfaced
next to the editor.

Quick Start:
  previewd serve                   Start the preview server
  previewd serve --file app.jsx    Preview and watch a file on disk
  previewd compile app.jsx         Transform a file once and print the result
  previewd bundle app.jsx          Bundle a file for the sandbox
  previewd doctor                  Check configuration and compiler`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .previewd.yml, can also use PREVIEWD_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig selects the config file and enables environment overrides.
// A missing file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".previewd")
	}

	config.ConfigureEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
