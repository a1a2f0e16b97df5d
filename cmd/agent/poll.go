package agent

import (
	"github.com/spf13/cobra"
)

func initPollFlags(root *cobra.Command) {
	f := root.PersistentFlags()

	f.String("inventory.path", defaultCfg.Inventory.Path, "-> Inventory CSV file | 设备清单文件")
	f.Bool("inventory.watch", defaultCfg.Inventory.Watch, "-> Reload inventory on file change | 清单变更自动重载")

	f.Duration("poll.interval", defaultCfg.Poll.Interval, "-> Poll interval per device | 轮询间隔")
	f.Duration("poll.timeout", defaultCfg.Poll.Timeout, "-> Connect/query timeout of one attempt | 单次连接/查询超时")
	f.Int("poll.max_retries", defaultCfg.Poll.MaxRetries, "-> Immediate retries on transient errors | 瞬时错误重试次数")
	f.Int("poll.failure_threshold", defaultCfg.Poll.FailureThreshold, "-> Consecutive failures before skipping a device | 连续失败阈值")
	f.Duration("poll.cooldown", defaultCfg.Poll.Cooldown, "-> How long a failing device is skipped | 跳过冷却时间")
	f.Int("poll.max_concurrent", defaultCfg.Poll.MaxConcurrent, "-> Maximum concurrent polls | 最大并发轮询数")
	f.Bool("poll.include_linkdown", defaultCfg.Poll.IncludeLinkDown, "-> Also report optics on link-down ports | 采集链路down的端口")

	f.Int("queue.size", defaultCfg.Queue.Size, "-> Export queue capacity per exporter | 导出队列容量")
	f.String("queue.overflow", defaultCfg.Queue.Overflow, "-> Overflow policy [block,drop_oldest,drop_newest] | 溢出策略")
}
