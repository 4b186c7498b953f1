package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/pkg/config"
)

const cliExecutable = "voxlane"

// NewCommand constructs the top-level voxlane CLI command, wiring global
// flags, configuration loading and log verbosity.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		dataDir        string
		verbosityCount int
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Voxlane is a self-hosted audio transcription service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager := config.NewManager()
			if err := manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := manager.Get()
			if dataDir != "" {
				cfg.Storage.WorkspaceRoot = dataDir
			}

			// Configure global log level based on verbosity flags
			// If explicit --verbose is set, show debug and above
			// Else use -v count: 0=>Error, 1=>Info, 2+=>Debug
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				switch {
				case verbosityCount <= 0:
					zerolog.SetGlobalLevel(zerolog.ErrorLevel)
				case verbosityCount == 1:
					zerolog.SetGlobalLevel(zerolog.InfoLevel)
				default:
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
			}

			ctx := config.IntoContext(cmd.Context(), cfg)
			cmd.SetContext(ctx)
			if root := cmd.Root(); root != nil && root != cmd {
				root.SetContext(ctx)
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory (history, uploads, logs)")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (shows service layer logs)")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands"})
	cmd.AddGroup(&cobra.Group{ID: "service", Title: "Service Commands"})

	cmd.AddCommand(RunCmd)
	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
