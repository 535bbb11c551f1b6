package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vazmin/combinecache/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect combinectl configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective, fully-resolved configuration",
	Long: `Load configuration the same way "combinectl start" does - file,
then COMBINE_* environment overrides, then built-in defaults - and
print the fully-resolved result as YAML.`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	cmd.Print(string(out))
	return nil
}
