package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate HTTP服务配置校验
func (h *ServerConfig) Validate() error {
	if err := valid.Struct(h); err != nil {
		return err
	}
	if !h.Enable {
		return nil
	}
	// 	校验Addr格式(必须是 ":port" 或 "ip:port")
	if h.Addr == "" {
		return errors.New("server.addr cannot be empty when the server is enabled")
	}
	// 	用net包解析地址，验证格式合法性
	if _, err := net.ResolveTCPAddr("tcp", h.Addr); err != nil {
		return fmt.Errorf("server.addr format invalid (expected :port or ip:port), got %s: %w", h.Addr, err)
	}
	return nil
}

// Validate 轮询配置校验
func (p *PollConfig) Validate() error {
	if err := valid.Struct(p); err != nil {
		return err
	}
	if p.Interval < time.Second || p.Interval > 24*time.Hour {
		return fmt.Errorf("poll.interval must be between 1s and 24h, got %s", p.Interval)
	}
	// 超时不能超过轮询间隔，否则同一设备的两次轮询会重叠
	if p.Timeout > p.Interval {
		return fmt.Errorf("poll.timeout (%s) must not exceed poll.interval (%s)", p.Timeout, p.Interval)
	}

	seen := map[string]bool{}
	for i, g := range p.Groups {
		if g.Interval < time.Second {
			return fmt.Errorf("poll.groups[%d].interval must be at least 1s, got %s", i, g.Interval)
		}
		if g.Interval < p.Timeout {
			return fmt.Errorf("poll.groups[%d].interval (%s) is shorter than poll.timeout (%s)", i, g.Interval, p.Timeout)
		}
		key := strings.ToLower(g.Column) + "=" + g.Value
		if seen[key] {
			return fmt.Errorf("poll.groups duplicated entry: %s", key)
		}
		seen[key] = true
	}
	return nil
}

// Validate 队列配置校验
func (q *QueueConfig) Validate() error {
	if err := valid.Struct(q); err != nil {
		return err
	}
	if q.BatchSize > q.Size {
		return fmt.Errorf("queue.batch_size (%d) must not exceed queue.size (%d)", q.BatchSize, q.Size)
	}
	return nil
}
