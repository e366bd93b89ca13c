// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/flowtrack/internal/config"
	"firestige.xyz/flowtrack/internal/log"
)

// Global flags
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowtrack",
	Short: "flowtrack - L3/L4 stream tracking over expiring cuckoo tables",
	Long: `flowtrack decodes captured packets, reassembles IPv4 fragments and
tracks bidirectional L4 streams in per-worker expiring flow tables.
Finished streams are exported to the console or to Kafka.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(validateCmd)
}

// setup loads the configuration and installs the global logger. The closer
// releases the log file.
func setup() (*config.GlobalConfig, io.Closer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	closer, err := log.Init(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, closer, nil
}
