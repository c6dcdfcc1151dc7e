package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blog-admin/swcache/internal/agent"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志、缓存目录与源站。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	Origin            string   `mapstructure:"Origin"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
}

// AgentConfig 对应 [Agent] 表，即当前部署版本的拦截配置。
type AgentConfig struct {
	Version          string   `mapstructure:"Version"`
	Assets           []string `mapstructure:"Assets"`
	StaticPatterns   []string `mapstructure:"StaticPatterns"`
	SkipWaiting      bool     `mapstructure:"SkipWaiting"`
	CacheNavigations bool     `mapstructure:"CacheNavigations"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// AgentSettings 将 [Agent] 表与 Origin 合并为 agent.Settings。
func (c *Config) AgentSettings() agent.Settings {
	settings := agent.Settings{
		Version:          c.Agent.Version,
		Scope:            c.Global.Origin,
		Manifest:         append([]string(nil), c.Agent.Assets...),
		SkipWaiting:      c.Agent.SkipWaiting,
		CacheNavigations: c.Agent.CacheNavigations,
	}
	if len(c.Agent.StaticPatterns) > 0 {
		settings.StaticPatterns = append([]string(nil), c.Agent.StaticPatterns...)
	}
	return settings
}

// StatePath 返回注册状态文件路径，与缓存目录放在一起。
func (g GlobalConfig) StatePath() string {
	return filepath.Join(g.StoragePath, "registration.json")
}
