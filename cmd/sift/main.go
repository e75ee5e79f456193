package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuemby/sift/internal/config"
	"github.com/cuemby/sift/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfg     config.Config
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "sift - embedded full-text search engine",
	Long: `sift is a single-node full-text search engine: documents, settings and
administrative operations are enqueued as asynchronous tasks, processed
through a transactional batch executor, and served back through a ranked
search query pipeline.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sift version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to sift.toml")
	rootCmd.PersistentFlags().String("db-path", "", "Database root directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(documentCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	v := viper.New()
	loaded, err := config.Load(cfgFile, v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if dbPath, _ := rootCmd.PersistentFlags().GetString("db-path"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel, _ := rootCmd.PersistentFlags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json"); logJSON {
		cfg.LogJSON = true
	}
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sift configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init PATH",
	Short: "Write a commented example sift.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteExample(args[0]); err != nil {
			return fmt.Errorf("writing example config: %w", err)
		}
		fmt.Printf("Wrote example configuration to %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
