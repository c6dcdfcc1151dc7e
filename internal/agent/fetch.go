package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/blog-admin/swcache/internal/cache"
	"github.com/blog-admin/swcache/internal/metrics"
)

// Strategy 是请求分类的结果。
type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyPassthrough  Strategy = "passthrough"
)

// Classify 只依赖请求路径与导航标记：manifest/静态资源优先于导航判断。
func (a *Agent) Classify(req *Request) Strategy {
	p := req.Path()
	if _, ok := a.manifest[p]; ok {
		return StrategyCacheFirst
	}
	if a.matchesStatic(p) {
		return StrategyCacheFirst
	}
	if req.IsNavigation() {
		return StrategyNetworkFirst
	}
	return StrategyPassthrough
}

func (a *Agent) matchesStatic(p string) bool {
	base := path.Base(p)
	for _, pattern := range a.settings.StaticPatterns {
		target := base
		if strings.Contains(pattern, "/") {
			target = p
		}
		if ok, _ := path.Match(pattern, target); ok {
			return true
		}
	}
	return false
}

// Fetch 为每个被拦截的请求选择策略，并且恰好调用一次 RespondWith。
func (a *Agent) Fetch(e FetchEvent) error {
	req := e.Request()
	switch strategy := a.Classify(req); strategy {
	case StrategyCacheFirst:
		return e.RespondWith(func(ctx context.Context) (*http.Response, error) {
			return a.cacheFirst(ctx, e, req)
		})
	case StrategyNetworkFirst:
		return e.RespondWith(func(ctx context.Context) (*http.Response, error) {
			return a.networkFirst(ctx, e, req)
		})
	default:
		return e.RespondWith(func(ctx context.Context) (*http.Response, error) {
			resp, err := a.network.Fetch(ctx, req)
			a.observe(StrategyPassthrough, err, metrics.OutcomeNetwork)
			return resp, err
		})
	}
}

func (a *Agent) cacheFirst(ctx context.Context, e FetchEvent, req *Request) (*http.Response, error) {
	id := req.Identity()
	store, err := a.lookupCurrent(ctx)
	switch {
	case errors.Is(err, cache.ErrStoreDeleted):
		store = nil
		a.logger.WithFields(a.requestFields("cache_lookup", req)).Debug("cache_store_gone")
	case err != nil:
		store = nil
		a.logger.WithFields(a.requestFields("cache_lookup", req)).WithError(err).Warn("cache_lookup_failed")
	default:
		cached, err := store.Match(ctx, id)
		switch {
		case err == nil:
			a.metrics.IncFetch(string(StrategyCacheFirst), metrics.OutcomeCacheHit)
			return cached, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			a.logger.WithFields(a.requestFields("cache_match", req)).WithError(err).Warn("cache_match_failed")
		}
	}

	resp, err := a.network.Fetch(ctx, req)
	if err != nil {
		a.observe(StrategyCacheFirst, err, "")
		return nil, err
	}
	a.metrics.IncFetch(string(StrategyCacheFirst), metrics.OutcomeNetwork)
	if store == nil || !isOK(resp.StatusCode) || !id.Cacheable() {
		return resp, nil
	}
	return a.tee(e, store, req, resp)
}

func (a *Agent) networkFirst(ctx context.Context, e FetchEvent, req *Request) (*http.Response, error) {
	resp, netErr := a.network.Fetch(ctx, req)
	if netErr == nil {
		a.metrics.IncFetch(string(StrategyNetworkFirst), metrics.OutcomeNetwork)
		if a.settings.CacheNavigations && isOK(resp.StatusCode) && req.Identity().Cacheable() {
			if store, err := a.lookupCurrent(ctx); err == nil {
				return a.tee(e, store, req, resp)
			}
		}
		return resp, nil
	}

	cached, err := a.storage.Match(ctx, req.Identity())
	if err == nil {
		a.logger.WithFields(a.requestFields("fallback", req)).WithError(netErr).Info("served_from_cache")
		a.metrics.IncFetch(string(StrategyNetworkFirst), metrics.OutcomeFallbackHit)
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		a.logger.WithFields(a.requestFields("fallback", req)).WithError(err).Warn("cache_match_failed")
	}
	a.metrics.IncFetch(string(StrategyNetworkFirst), metrics.OutcomeFailed)
	return nil, netErr
}

// tee 把网络响应读入内存，一份返回给调用方，一份交给 WaitUntil 尽力写缓存。
// 写入失败只记录日志，不影响返回的响应。
func (a *Agent) tee(e FetchEvent, store cache.Store, req *Request, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: fmt.Errorf("read body: %w", err)}
	}

	served := snapshotResponse(resp.StatusCode, resp.Header, body)
	served.Request = resp.Request
	stored := snapshotResponse(resp.StatusCode, resp.Header, body)
	id := req.Identity()

	e.WaitUntil(func(ctx context.Context) error {
		if err := store.Put(ctx, id, stored); err != nil {
			a.metrics.IncCacheWriteFailure(a.settings.Version)
			a.logger.WithFields(a.requestFields("cache_put", req)).WithError(err).Warn("cache_write_failed")
		}
		return nil
	})
	return served, nil
}

func (a *Agent) observe(strategy Strategy, err error, outcome string) {
	if err != nil {
		outcome = metrics.OutcomeFailed
	}
	a.metrics.IncFetch(string(strategy), outcome)
}

func (a *Agent) requestFields(action string, req *Request) logrus.Fields {
	fields := a.fields(action)
	fields["method"] = req.Method
	fields["path"] = req.Path()
	return fields
}
