package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/blog-admin/swcache/internal/cache"
)

// Mode 对应请求的 mode 属性，只有 navigate 会影响分类。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Request 是被拦截请求的只读视图。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// IsNavigation 表示该请求是否为整页加载。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Identity 返回缓存键：方法 + 绝对 URL。
func (r *Request) Identity() cache.Identity {
	return cache.NewIdentity(r.Method, r.URL)
}

// Path 返回 URL 路径，空路径视为 "/"。
func (r *Request) Path() string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// HTTPRequest 构建一次性 *http.Request，原样转发方法、头与正文。
func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}
	return req, nil
}

// Network 是对源站的网络访问。传输失败必须返回 error，HTTP 错误状态码属于正常响应。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *Request) (*http.Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*http.Response, error) {
	return f(ctx, req)
}

func isOK(status int) bool {
	return status >= 200 && status <= 299
}
