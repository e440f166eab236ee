package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/maritimecloud/idreg/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "idregca",
	Short: "idregca is the maritime identity registry certificate authority",
	Long: `Issues, revokes and validates X.509 identities for organizations, users,
devices, services and vessels of the maritime identity registry.

Configuration is read from --config (YAML). IDREG_* environment variables,
optionally loaded from --env-file, override file settings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		logger = cfg.Logging.NewLogger(cmd.ErrOrStderr())
		slog.SetDefault(logger)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// The version needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "idregca %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.AddCommand(versionCmd)
}
