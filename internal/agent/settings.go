package agent

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultStaticPatterns 与线上 agent 一致：任何 .js 资源都走 cache-first。
var DefaultStaticPatterns = []string{"*.js"}

// Settings 是单个部署版本的不可变配置，构造 Agent 时注入，激活后不再修改。
type Settings struct {
	// Version 即 CacheVersion，同时作为该版本缓存的名称。
	Version string `json:"version"`
	// Scope 是请求所属源站的基础 URL，manifest 路径基于它解析为绝对 URL。
	Scope string `json:"scope"`
	// Manifest 是构建期确定的静态资源路径列表，install 时整体预缓存。
	Manifest []string `json:"manifest"`
	// StaticPatterns 决定哪些路径走 cache-first；不含 "/" 的模式只匹配最后一段。
	StaticPatterns []string `json:"static_patterns"`
	// SkipWaiting 为 true 时 install 成功后立即请求激活。
	SkipWaiting bool `json:"skip_waiting"`
	// CacheNavigations 为 true 时成功的页面导航响应也会尽力写入缓存。
	CacheNavigations bool `json:"cache_navigations"`
}

// Validate 校验版本号、Scope 与 manifest 路径格式。
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Version) == "" {
		return errors.New("agent version required")
	}
	if _, err := s.scopeURL(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.Manifest))
	for _, p := range s.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest path must be absolute: %q", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate manifest path: %q", p)
		}
		seen[p] = struct{}{}
	}
	for _, pattern := range s.StaticPatterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid static pattern %q: %w", pattern, err)
		}
	}
	return nil
}

func (s Settings) scopeURL() (*url.URL, error) {
	if s.Scope == "" {
		return nil, errors.New("agent scope required")
	}
	u, err := url.Parse(s.Scope)
	if err != nil {
		return nil, fmt.Errorf("invalid agent scope: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("agent scope must be absolute: %s", s.Scope)
	}
	return u, nil
}

// clone 复制切片字段，保证调用方后续修改不会影响已构造的 Agent。
func (s Settings) clone() Settings {
	out := s
	out.Manifest = append([]string(nil), s.Manifest...)
	if s.StaticPatterns == nil {
		out.StaticPatterns = append([]string(nil), DefaultStaticPatterns...)
	} else {
		out.StaticPatterns = append([]string(nil), s.StaticPatterns...)
	}
	return out
}
