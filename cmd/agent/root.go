package agent

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/optics-collector/pkg/config"
)

// Version is set at build time with -ldflags "-X .../cmd/agent.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "optics-collector",
	Short: "Polls transceiver DOM readings from network devices and exports them as time series",
	// usage on every runtime error only buries the message
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		return Run(cmd.Context(), cfg)
	},
}

// Execute 运行命令行；任何启动错误以状态码 1 退出
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if config.IsConfigError(err) {
			fmt.Fprintf(os.Stderr, "请检查配置文件路径或使用 -c 参数指定\n")
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "configs/config.yaml", "-> Config file path | 配置文件路径")
	// 注册分组 flag
	initServerFlags(rootCmd)
	initPollFlags(rootCmd)
	initLogFlags(rootCmd)

	rootCmd.AddCommand(validateCmd, driversCmd, versionCmd)
}
