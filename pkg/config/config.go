package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var valid = validator.New()

// EnvPrefix 环境变量前缀（OPTICS_POLL_INTERVAL -> poll.interval）
const EnvPrefix = "OPTICS"

// Error 启动阶段的配置错误，进程以非零状态码退出
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err came from configuration loading.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Config 全局配置结构体（聚合所有核心模块）
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server" comment:"HTTP服务配置"`
	Inventory   InventoryConfig   `yaml:"inventory" mapstructure:"inventory" comment:"设备清单"`
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials" comment:"设备凭据（环境变量名）"`
	Poll        PollConfig        `yaml:"poll" mapstructure:"poll" comment:"轮询配置"`
	Drivers     DriversConfig     `yaml:"drivers" mapstructure:"drivers" comment:"设备驱动配置"`
	Queue       QueueConfig       `yaml:"queue" mapstructure:"queue" comment:"导出队列"`
	Export      ExportConfig      `yaml:"export" mapstructure:"export" comment:"导出重试策略"`
	Exporters   []ExporterConfig  `yaml:"exporters" mapstructure:"exporters" validate:"required,min=1,dive" comment:"导出目标"`
	SelfStats   SelfStatsConfig   `yaml:"self_stats" mapstructure:"self_stats" comment:"采集器自身指标"`
	Log         ZapLogConfig      `yaml:"log" mapstructure:"log" comment:"日志配置"`
}

// ServerConfig HTTP服务配置（/metrics /health /devices）
type ServerConfig struct {
	Enable       bool          `yaml:"enable" mapstructure:"enable" comment:"是否启用HTTP服务"`
	Addr         string        `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port" comment:"HTTP监听地址（格式：ip:port）"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0" comment:"读取超时时间（如30s）"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gt=0" comment:"写入超时时间（如30s）"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"gt=0" comment:"空闲连接超时时间（如60s）"`
}

// InventoryConfig 设备清单文件
type InventoryConfig struct {
	Path      string        `yaml:"path" mapstructure:"path" validate:"required" comment:"清单文件路径（CSV）"`
	Delimiter string        `yaml:"delimiter" mapstructure:"delimiter" validate:"required,len=1" comment:"分隔符"`
	Watch     bool          `yaml:"watch" mapstructure:"watch" comment:"文件变更时自动重载"`
	Debounce  time.Duration `yaml:"debounce" mapstructure:"debounce" validate:"gte=0" comment:"重载防抖时间"`
}

// DelimiterRune returns the delimiter as a rune; validation guarantees a
// single character.
func (c InventoryConfig) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

// CredentialsConfig 只保存环境变量名，不保存明文
type CredentialsConfig struct {
	UsernameEnv      string `yaml:"username_env" mapstructure:"username_env" validate:"required" comment:"用户名环境变量"`
	PasswordEnv      string `yaml:"password_env" mapstructure:"password_env" validate:"required" comment:"密码环境变量"`
	SNMPCommunityEnv string `yaml:"snmp_community_env" mapstructure:"snmp_community_env" comment:"SNMP community 环境变量"`
}

// PollConfig 轮询与失败处理
type PollConfig struct {
	Interval         time.Duration `yaml:"interval" mapstructure:"interval" validate:"required" comment:"全局轮询间隔"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"required,gt=0" comment:"单次连接/查询超时"`
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10" comment:"瞬时错误立即重试次数"`
	RetryDelay       time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gte=0" comment:"重试间隔"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"required,gt=0" comment:"连续失败阈值"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown" validate:"required,gt=0" comment:"跳过冷却时间"`
	MaxConcurrent    int           `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"required,gt=0" comment:"最大并发轮询数"`
	ConnectRate      float64       `yaml:"connect_rate" mapstructure:"connect_rate" validate:"gte=0" comment:"每秒建立会话数上限（0不限制）"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"gte=0" comment:"停止时等待在途轮询的时间"`
	IncludeLinkDown  bool          `yaml:"include_linkdown" mapstructure:"include_linkdown" comment:"是否采集链路down的端口"`
	Groups           []PollGroup   `yaml:"groups" mapstructure:"groups" validate:"dive" comment:"按清单列分组的轮询间隔"`
}

// PollGroup overrides the interval for devices whose inventory column matches.
type PollGroup struct {
	Column   string        `yaml:"column" mapstructure:"column" validate:"required"`
	Value    string        `yaml:"value" mapstructure:"value" validate:"required"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"required"`
}

// DriversConfig 各平台驱动参数
type DriversConfig struct {
	Aliases map[string]string `yaml:"aliases" mapstructure:"aliases" comment:"os_name 别名 -> 驱动"`
	EOS     HTTPDriverConfig  `yaml:"eos" mapstructure:"eos"`
	NXAPI   HTTPDriverConfig  `yaml:"nxos" mapstructure:"nxos"`
	SSH     SSHDriverConfig   `yaml:"ssh" mapstructure:"ssh"`
	SNMP    SNMPDriverConfig  `yaml:"snmp" mapstructure:"snmp"`
}

// HTTPDriverConfig eAPI / NX-API
type HTTPDriverConfig struct {
	Scheme      string `yaml:"scheme" mapstructure:"scheme" validate:"oneof=http https"`
	Port        int    `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	InsecureTLS bool   `yaml:"insecure_tls" mapstructure:"insecure_tls"`
}

// SSHDriverConfig NX-OS / IOS 命令行
type SSHDriverConfig struct {
	Port       int    `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	KnownHosts string `yaml:"known_hosts" mapstructure:"known_hosts" comment:"为空则不校验主机密钥"`
}

// SNMPDriverConfig ENTITY-SENSOR-MIB
type SNMPDriverConfig struct {
	Port    int    `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	Version string `yaml:"version" mapstructure:"version" validate:"oneof=1 2c"`
}

// QueueConfig 有界导出队列（每个导出目标一份）
type QueueConfig struct {
	Size          int           `yaml:"size" mapstructure:"size" validate:"required,gt=0" comment:"队列容量（条）"`
	Overflow      string        `yaml:"overflow" mapstructure:"overflow" validate:"required,oneof=block drop_oldest drop_newest" comment:"溢出策略"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size" validate:"required,gt=0" comment:"单批最大条数"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval" validate:"required,gt=0" comment:"攒批最长等待时间"`
}

// ExportConfig 导出重试退避
type ExportConfig struct {
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0" comment:"可重试错误最大重试次数"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff" validate:"required,gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff" validate:"required,gtefield=InitialBackoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"gte=0" comment:"停止时排空队列的时间"`
}

// ExporterConfig 单个导出目标；字段按 type 取用
type ExporterConfig struct {
	Name    string        `yaml:"name" mapstructure:"name" validate:"required"`
	Type    string        `yaml:"type" mapstructure:"type" validate:"required,oneof=influxdb nats kafka postgres sqlite"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`

	// influxdb
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Org         string `yaml:"org" mapstructure:"org"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
	Database    string `yaml:"database" mapstructure:"database"`
	TokenEnv    string `yaml:"token_env" mapstructure:"token_env"`
	UsernameEnv string `yaml:"username_env" mapstructure:"username_env"`
	PasswordEnv string `yaml:"password_env" mapstructure:"password_env"`

	// nats / kafka
	URLs      []string `yaml:"urls" mapstructure:"urls"`
	Subject   string   `yaml:"subject" mapstructure:"subject"`
	Stream    string   `yaml:"stream" mapstructure:"stream"`
	JetStream bool     `yaml:"jetstream" mapstructure:"jetstream"`
	Topic     string   `yaml:"topic" mapstructure:"topic"`

	// postgres / sqlite
	DSNEnv string `yaml:"dsn_env" mapstructure:"dsn_env"`
	Path   string `yaml:"path" mapstructure:"path"`
	Table  string `yaml:"table" mapstructure:"table"`
}

// SelfStatsConfig 采集器进程自身指标
type SelfStatsConfig struct {
	Enable   bool          `yaml:"enable" mapstructure:"enable"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"required_if=Enable true"`
}

// ZapLogConfig 日志配置
type ZapLogConfig struct {
	Level     string `yaml:"level" mapstructure:"level" validate:"required,oneof=debug info warn error" comment:"日志级别" default:"info"`
	Format    string `yaml:"format" mapstructure:"format" validate:"required,oneof=json console" comment:"日志格式（json/console）" default:"console"`
	Path      string `yaml:"path" mapstructure:"path" comment:"日志存储路径，为空只输出到stdout"`
	MaxSize   int    `yaml:"max_size" mapstructure:"max_size" validate:"gte=0" comment:"单个日志文件最大大小（MB）"`
	MaxBackup int    `yaml:"max_backup" mapstructure:"max_backup" validate:"gte=0" comment:"日志文件最大备份数"`
	MaxAge    int    `yaml:"max_age" mapstructure:"max_age" validate:"gte=0" comment:"日志文件最大保存天数"`
}

// NewDefaultConfig 创建默认配置（所有字段兜底，避免空指针/非法值）
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enable:       true,
			Addr:         "0.0.0.0:9110",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Inventory: InventoryConfig{
			Path:      "inventory.csv",
			Delimiter: ",",
			Watch:     true,
			Debounce:  time.Second,
		},
		Credentials: CredentialsConfig{
			UsernameEnv: "NETWORK_USERNAME",
			PasswordEnv: "NETWORK_PASSWORD",
		},
		Poll: PollConfig{
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			MaxRetries:       2,
			RetryDelay:       time.Second,
			FailureThreshold: 3,
			Cooldown:         5 * time.Minute,
			MaxConcurrent:    64,
			ShutdownGrace:    10 * time.Second,
		},
		Drivers: DriversConfig{
			Aliases: map[string]string{},
			EOS:     HTTPDriverConfig{Scheme: "https", Port: 443, InsecureTLS: true},
			NXAPI:   HTTPDriverConfig{Scheme: "https", Port: 443, InsecureTLS: true},
			SSH:     SSHDriverConfig{Port: 22},
			SNMP:    SNMPDriverConfig{Port: 161, Version: "2c"},
		},
		Queue: QueueConfig{
			Size:          10000,
			Overflow:      "drop_newest",
			BatchSize:     1000,
			FlushInterval: 5 * time.Second,
		},
		Export: ExportConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			ShutdownGrace:  10 * time.Second,
		},
		SelfStats: SelfStatsConfig{
			Enable:   false,
			Interval: 60 * time.Second,
		},
		Log: ZapLogConfig{
			Level:     "info",
			Format:    "console",
			MaxSize:   100,
			MaxBackup: 0,
			MaxAge:    7,
		},
	}
}

// Load 读取配置 (Flags + YAML + ENV)，flags 只绑定与配置键同名的那部分
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := NewDefaultConfig()
	v := viper.New()

	// 1. 解析配置文件
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Op: "read " + configFile, Err: err}
		}
	}

	// 2. 环境变量 OPTICS_POLL_INTERVAL -> poll.interval
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. 只绑定显式修改过的 flag，避免 flag 默认值覆盖配置文件
	if flags != nil {
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			if !isConfigKey(f.Name) || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, &Error{Op: "bind flags", Err: bindErr}
		}
	}

	// 4. 解码（未知配置项直接报错）
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, &Error{Op: "new decoder", Err: err}
	}

	settings := v.AllSettings()
	for _, key := range leafKeys(reflect.TypeOf(Config{}), "") {
		// AutomaticEnv only sees keys viper already knows about.
		if env, ok := os.LookupEnv(envName(key)); ok {
			setNested(settings, key, env)
		}
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}

	// 5. 校验
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Op: "validate", Err: err}
	}
	return cfg, nil
}

// Validate 配置校验
func (c *Config) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	// 	1，校验Server服务配置
	if err := c.Server.Validate(); err != nil {
		return err
	}
	// 	2，校验轮询配置
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	// 	3，校验导出配置
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := validateExporters(c.Exporters); err != nil {
		return err
	}
	// 	4，校验日志配置
	return c.Log.Validate()
}

func isConfigKey(name string) bool {
	return strings.Contains(name, ".")
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setNested(m map[string]any, key string, val any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
}

// leafKeys lists the dotted keys of every scalar option, used for env lookup.
func leafKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		key := prefix + name
		switch {
		case f.Type.Kind() == reflect.Struct:
			keys = append(keys, leafKeys(f.Type, key+".")...)
		case f.Type.Kind() == reflect.Map, f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct:
			// lists of sections and maps are file-only
		default:
			keys = append(keys, key)
		}
	}
	return keys
}
