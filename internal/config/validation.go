package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Agent.validate()
}

func (a AgentConfig) validate() error {
	if a.Version == "" {
		return newFieldError(agentField("Version"), "不能为空")
	}
	if strings.ContainsAny(a.Version, "/\\") || a.Version == "." || a.Version == ".." {
		return newFieldError(agentField("Version"), "不能包含路径分隔符")
	}

	seen := make(map[string]struct{}, len(a.Assets))
	for _, asset := range a.Assets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(agentField("Assets"), fmt.Sprintf("必须是以 / 开头的绝对路径: %q", asset))
		}
		if _, dup := seen[asset]; dup {
			return newFieldError(agentField("Assets"), fmt.Sprintf("重复路径: %s", asset))
		}
		seen[asset] = struct{}{}
	}

	for _, pattern := range a.StaticPatterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return newFieldError(agentField("StaticPatterns"), fmt.Sprintf("非法模式: %s", pattern))
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
