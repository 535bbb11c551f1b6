package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vazmin/combinecache/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a configuration is present and valid",
	Long: `Check whether a combinectl configuration file exists and validates,
without starting the cache process.

combinectl has no daemon mode of its own: "status" reports on
configuration readiness, not on a running process. Pair it with your
process supervisor's own status command (systemctl status, etc.) to
check whether the process itself is up.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !config.DefaultConfigExists() && GetConfigFile() == "" {
		cmd.Printf("no configuration file found at %s\n", path)
		cmd.Println("run \"combinectl init\" to create one")
		return nil
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		cmd.Printf("configuration at %s is invalid:\n  %v\n", path, err)
		return fmt.Errorf("invalid configuration")
	}

	cmd.Printf("configuration OK: %s\n", path)
	cmd.Printf("  storage backend:     %s\n", cfg.Storage.Backend)
	cmd.Printf("  otid/obid shards:    %d / %d\n", cfg.Shards.OTIDShardCount, cfg.Shards.OBIDShardCount)
	cmd.Printf("  data threads:        %d master, %d slave\n", cfg.DataThreads.Master, cfg.DataThreads.Slave)
	cmd.Printf("  binlog dir:          %s\n", cfg.Binlog.Dir)
	cmd.Printf("  metrics:             enabled=%t addr=%s\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
	return nil
}
