package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vazmin/combinecache/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample combinectl configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/combinectl/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  combinectl init

  # Initialize with custom path
  combinectl init --config /etc/combinectl/config.yaml

  # Force overwrite existing config
  combinectl init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if err := config.WriteSample(configPath, initForce); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", configPath)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Edit the configuration file to customize your setup")
	cmd.Println("  2. Start the cache with: combinectl start")
	cmd.Printf("  3. Or specify custom config: combinectl start --config %s\n", configPath)
	return nil
}
