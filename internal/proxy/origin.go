package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/blog-admin/swcache/internal/agent"
	"github.com/blog-admin/swcache/internal/server"
)

// Origin 实现 agent.Network：所有网络访问都发往同一个源站，复用共享 http.Client。
type Origin struct {
	client *http.Client
	base   *url.URL
}

// NewOrigin 校验源站地址并构造 Origin，client 为空时使用 http.DefaultClient。
func NewOrigin(client *http.Client, rawBase string) (*Origin, error) {
	base, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %s", rawBase)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Origin{client: client, base: base}, nil
}

// Base 返回源站根地址的副本。
func (o *Origin) Base() *url.URL {
	u := *o.base
	return &u
}

// Fetch 转发请求到源站。传输层失败包装为 *agent.NetworkError，HTTP 错误状态原样返回。
func (o *Origin) Fetch(ctx context.Context, req *agent.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	target := o.rewrite(req.URL)

	upstream := *req
	upstream.URL = target
	httpReq, err := upstream.HTTPRequest(ctx)
	if err != nil {
		return nil, &agent.NetworkError{Method: req.Method, URL: target.String(), Err: err}
	}
	forwarded := http.Header{}
	server.CopyHeaders(forwarded, req.Header)
	// 缓存快照需要原始字节，压缩协商交给拦截层与浏览器之间完成。
	forwarded.Del("Accept-Encoding")
	httpReq.Header = forwarded
	httpReq.Host = target.Host

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, &agent.NetworkError{Method: req.Method, URL: target.String(), Err: err}
	}
	// 源站的连接级头部不属于响应快照，写入缓存前剔除。
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	resp.Header = header
	return resp, nil
}

// rewrite 保留路径与查询，只把 scheme/host 换成源站地址。
func (o *Origin) rewrite(u *url.URL) *url.URL {
	target := *u
	target.Scheme = o.base.Scheme
	target.Host = o.base.Host
	target.User = nil
	target.Fragment = ""
	return &target
}
