package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrSigningSecretMissing = errors.New("slack.signing_secret is not configured")
	ErrBotTokenMissing      = errors.New("slack.bot_token is not configured")
	ErrChannelMissing       = errors.New("slack.channel_id is not configured")
)

// Config 全局配置，进程启动时构造一次后按引用传入各组件
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Slack     SlackConfig     `mapstructure:"slack"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 审批存储配置
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite | postgres
	DSN          string `mapstructure:"dsn"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	BusyTimeout  int    `mapstructure:"busy_timeout_ms"`
	LogLevel     string `mapstructure:"log_level"`
}

// RedisConfig 决策通知总线配置，Addr 为空时仅靠轮询
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// SlackConfig 外部渠道配置
type SlackConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	SigningSecret string `mapstructure:"signing_secret"`
	ChannelID     string `mapstructure:"channel_id"`
	APIURL        string `mapstructure:"api_url"`
}

// ApprovalConfig 审批协调参数
type ApprovalConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	PollIntervalSeconds float64 `mapstructure:"poll_interval_seconds"`
	PreviewChars        int     `mapstructure:"preview_chars"`
	FallbackOnTimeout   bool    `mapstructure:"fallback_on_timeout"`
	AutoApprove         bool    `mapstructure:"auto_approve"`
	DecisionPath        string  `mapstructure:"decision_path"`
	MaxClockSkewSeconds int     `mapstructure:"max_clock_skew_seconds"`
	UpdateQueueSize     int     `mapstructure:"update_queue_size"`
	UpdateWorkers       int     `mapstructure:"update_workers"`
}

// Timeout 等待审批的超时时间
func (c ApprovalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval 轮询间隔
func (c ApprovalConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// MaxClockSkew 签名时间戳允许的最大偏差
func (c ApprovalConfig) MaxClockSkew() time.Duration {
	return time.Duration(c.MaxClockSkewSeconds) * time.Second
}

// JWTConfig 运维接口鉴权
type JWTConfig struct {
	Secret               string        `mapstructure:"secret"`
	Expire               time.Duration `mapstructure:"expire"`
	Issuer               string        `mapstructure:"issuer"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load 从 ./config/config.yaml 或当前目录加载配置，环境变量 APPROVAL_* 覆盖
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom 加载指定路径的配置文件；path 为空时按默认路径搜索
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// 敏感项默认为空，仅通过配置文件或环境变量提供
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.signing_secret", "")
	v.SetDefault("slack.channel_id", "")
	v.SetDefault("slack.api_url", "")

	v.SetDefault("approval.timeout_seconds", 900)
	v.SetDefault("approval.poll_interval_seconds", 5.0)
	v.SetDefault("approval.preview_chars", 400)
	v.SetDefault("approval.fallback_on_timeout", false)
	v.SetDefault("approval.auto_approve", false)
	v.SetDefault("approval.decision_path", "/slack/actions")
	v.SetDefault("approval.max_clock_skew_seconds", 300)
	v.SetDefault("approval.update_queue_size", 1024)
	v.SetDefault("approval.update_workers", 2)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expire", 12*time.Hour)
	v.SetDefault("jwt.issuer", "approval-gate")
	v.SetDefault("jwt.operator_password_hash", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "approval-gate")

	v.SetDefault("rate_limit.rps", 20.0)
	v.SetDefault("rate_limit.burst", 40)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Approval.TimeoutSeconds <= 0 {
		return fmt.Errorf("approval.timeout_seconds must be positive, got %d", c.Approval.TimeoutSeconds)
	}
	if c.Approval.PollIntervalSeconds <= 0 {
		return fmt.Errorf("approval.poll_interval_seconds must be positive, got %v", c.Approval.PollIntervalSeconds)
	}
	if c.Approval.PreviewChars <= 0 {
		return fmt.Errorf("approval.preview_chars must be positive, got %d", c.Approval.PreviewChars)
	}
	if !strings.HasPrefix(c.Approval.DecisionPath, "/") {
		return fmt.Errorf("approval.decision_path must start with '/', got %q", c.Approval.DecisionPath)
	}
	return nil
}

// RequireNotifier 生产者侧需要向 Slack 发消息时调用
func (c *Config) RequireNotifier() error {
	if c.Slack.BotToken == "" {
		return ErrBotTokenMissing
	}
	if c.Slack.ChannelID == "" {
		return ErrChannelMissing
	}
	return nil
}
