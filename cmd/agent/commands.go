package agent

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/inventory"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/registers"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check config, credentials and inventory without polling | 校验配置与设备清单",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		log := zap.NewNop()
		creds, err := registers.Credentials(cfg.Credentials)
		if err != nil {
			return err
		}
		reg, err := registers.Drivers(cfg.Drivers, creds, log)
		if err != nil {
			return err
		}
		devices, err := inventory.Load(cfg.Inventory.Path, cfg.Inventory.DelimiterRune(), log)
		if err != nil {
			return &config.Error{Op: "inventory", Err: err}
		}

		var errs []error
		for _, d := range devices {
			if _, err := reg.Resolve(d.Platform); err != nil {
				errs = append(errs, fmt.Errorf("device %s: %w", d.Host, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d devices, %d exporters\n", len(devices), len(cfg.Exporters))
		return nil
	},
}

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List platforms the configured drivers accept | 列出支持的平台",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		creds, err := registers.Credentials(cfg.Credentials)
		if err != nil {
			return err
		}
		reg, err := registers.Drivers(cfg.Drivers, creds, zap.NewNop())
		if err != nil {
			return err
		}
		for _, p := range reg.Platforms() {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version | 打印版本",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}
