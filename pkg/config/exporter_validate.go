package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// validateExporters 导出目标校验：名称唯一，且按 type 校验必填字段
func validateExporters(exps []ExporterConfig) error {
	names := map[string]bool{}
	for i := range exps {
		e := &exps[i]
		if names[e.Name] {
			return fmt.Errorf("exporters: duplicated name %q", e.Name)
		}
		names[e.Name] = true
		if err := e.Validate(); err != nil {
			return fmt.Errorf("exporters[%s]: %w", e.Name, err)
		}
	}
	return nil
}

// Validate 单个导出目标校验
func (e *ExporterConfig) Validate() error {
	if err := valid.Struct(e); err != nil {
		return err
	}
	switch e.Type {
	case "influxdb":
		u, err := url.Parse(e.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("endpoint must be an absolute URL, got %q", e.Endpoint)
		}
		// v2: org + bucket + token; v1: database (+ optional basic auth)
		if e.Database == "" && (e.Org == "" || e.Bucket == "") {
			return fmt.Errorf("influxdb needs either database (v1) or org and bucket (v2)")
		}
		if e.Database == "" && e.TokenEnv == "" {
			return fmt.Errorf("influxdb v2 needs token_env")
		}
	case "nats":
		if len(e.URLs) == 0 || e.Subject == "" {
			return fmt.Errorf("nats needs urls and subject")
		}
		if e.JetStream && e.Stream == "" {
			return fmt.Errorf("nats jetstream needs stream")
		}
	case "kafka":
		if len(e.URLs) == 0 || e.Topic == "" {
			return fmt.Errorf("kafka needs urls (seed brokers) and topic")
		}
	case "postgres":
		if e.DSNEnv == "" || e.Table == "" {
			return fmt.Errorf("postgres needs dsn_env and table")
		}
	case "sqlite":
		if e.Path == "" || e.Table == "" {
			return fmt.Errorf("sqlite needs path and table")
		}
	}
	if e.Table != "" && strings.ContainsFunc(e.Table, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		return fmt.Errorf("table %q must be a plain identifier", e.Table)
	}
	return nil
}

// Secret 读取配置中按名称引用的环境变量，未设置视为配置错误
func Secret(envName string) (string, error) {
	if envName == "" {
		return "", nil
	}
	v, ok := os.LookupEnv(envName)
	if !ok || v == "" {
		return "", &Error{Op: "credentials", Err: fmt.Errorf("environment variable %s is not set", envName)}
	}
	return v, nil
}
