package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/octaskly/octaskly/pkg/config"
	"github.com/octaskly/octaskly/pkg/dispatcher"
	"github.com/octaskly/octaskly/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dispatcher",
	Short:   "Octaskly dispatcher - LAN-scoped distributed compute coordinator",
	Version: Version,
	RunE:    runDispatcher,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dispatcher version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().Int("api-port", 0, "REST API port serving both clients and workers (0 uses the configured default)")
	rootCmd.Flags().String("db-path", "", "Durable store directory (empty uses the configured default)")
	rootCmd.Flags().String("secret-key", "", "Symmetric key for bearer-token verification")
	rootCmd.Flags().String("config", "", "Optional YAML configuration file")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if apiPort, _ := cmd.Flags().GetInt("api-port"); apiPort != 0 {
		cfg.APIPort = apiPort
	}
	if dbPath, _ := cmd.Flags().GetString("db-path"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if secretKey, _ := cmd.Flags().GetString("secret-key"); secretKey != "" {
		cfg.SecretKey = secretKey
	}
	if cfg.SecretKey == "" {
		return fmt.Errorf("secret key is required: set --secret-key or OCTASKLY_SECRET_KEY")
	}

	d, err := dispatcher.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize dispatcher: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Logger.Info().Int("api_port", cfg.APIPort).Str("db_path", cfg.DBPath).Msg("dispatcher starting")

	return d.Run(ctx)
}
