package agent

import (
	"context"
	"errors"
	"io"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/blog-admin/swcache/internal/cache"
	"github.com/blog-admin/swcache/internal/metrics"
)

// Options 汇总构造 Agent 所需的依赖，便于测试注入替身。
type Options struct {
	Settings Settings
	Storage  cache.Storage
	Network  Network
	Logger   *logrus.Logger
	Metrics  metrics.Recorder
}

// Agent 持有一个部署版本的不可变配置，以及共享的缓存与网络依赖。
type Agent struct {
	settings Settings
	scope    *url.URL
	manifest map[string]struct{}
	storage  cache.Storage
	network  Network
	logger   *logrus.Logger
	metrics  metrics.Recorder
}

// New 校验配置并构造 Agent。
func New(opts Options) (*Agent, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	settings := opts.Settings.clone()
	scope, _ := settings.scopeURL()

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	manifest := make(map[string]struct{}, len(settings.Manifest))
	for _, p := range settings.Manifest {
		manifest[p] = struct{}{}
	}

	return &Agent{
		settings: settings,
		scope:    scope,
		manifest: manifest,
		storage:  opts.Storage,
		network:  opts.Network,
		logger:   logger,
		metrics:  recorder,
	}, nil
}

// Settings 返回配置副本。
func (a *Agent) Settings() Settings {
	return a.settings.clone()
}

// Version 返回当前 CacheVersion。
func (a *Agent) Version() string {
	return a.settings.Version
}

// resolve 将 manifest 路径解析为 Scope 下的绝对 URL。
func (a *Agent) resolve(p string) *url.URL {
	return a.scope.ResolveReference(&url.URL{Path: p})
}

// lookupCurrent 只打开已存在的当前版本缓存。缓存只由 install 创建，
// 激活回收后仍在途的旧版本请求拿到 cache.ErrStoreDeleted，不会重建旧缓存。
func (a *Agent) lookupCurrent(ctx context.Context) (cache.Store, error) {
	return a.storage.Lookup(ctx, a.settings.Version)
}

func (a *Agent) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": a.settings.Version,
	}
}
