package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/blog-admin/swcache/internal/cache"
)

const testScope = "https://blog.local/"

// eventDouble 记录 WaitUntil 登记的工作，由测试显式驱动完成。
type eventDouble struct {
	ctx context.Context

	mu   sync.Mutex
	work []func(ctx context.Context) error
}

func newEventDouble() *eventDouble {
	return &eventDouble{ctx: context.Background()}
}

func (e *eventDouble) Context() context.Context { return e.ctx }

func (e *eventDouble) WaitUntil(work func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.work = append(e.work, work)
}

// settle 依次执行登记的工作，直到没有新的工作加入，返回第一个错误。
func (e *eventDouble) settle() error {
	var first error
	for {
		e.mu.Lock()
		pending := e.work
		e.work = nil
		e.mu.Unlock()
		if len(pending) == 0 {
			return first
		}
		for _, work := range pending {
			if err := work(e.ctx); err != nil && first == nil {
				first = err
			}
		}
	}
}

type installDouble struct {
	*eventDouble
	skipWaiting bool
}

func (e *installDouble) SkipWaiting() { e.skipWaiting = true }

type activateDouble struct {
	*eventDouble
	claimed       bool
	storesAtClaim []string
	storage       cache.Storage
}

func (e *activateDouble) Claim(ctx context.Context) error {
	e.claimed = true
	if e.storage != nil {
		names, err := e.storage.Keys(ctx)
		if err != nil {
			return err
		}
		e.storesAtClaim = names
	}
	return nil
}

type fetchDouble struct {
	*eventDouble
	req        *Request
	responders []Responder
}

func (e *fetchDouble) Request() *Request { return e.req }

func (e *fetchDouble) RespondWith(respond Responder) error {
	e.responders = append(e.responders, respond)
	if len(e.responders) > 1 {
		return ErrAlreadyResponded
	}
	return nil
}

// serve 执行唯一的 responder 并等待尽力写缓存等后续工作完成。
func (e *fetchDouble) serve(t *testing.T) (*http.Response, error) {
	t.Helper()
	if len(e.responders) != 1 {
		t.Fatalf("expected exactly one RespondWith call, got %d", len(e.responders))
	}
	resp, err := e.responders[0](e.ctx)
	if settleErr := e.settle(); settleErr != nil {
		t.Fatalf("waitUntil work failed: %v", settleErr)
	}
	return resp, err
}

// fakeNetwork 模拟源站，可切换离线并统计每个路径的访问次数。
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	offline bool
	calls   map[string]int
}

func newFakeNetwork(bodies map[string]string) *fakeNetwork {
	return &fakeNetwork{
		bodies: bodies,
		status: map[string]int{},
		calls:  map[string]int{},
	}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Path()]++
	if n.offline {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: errors.New("connection refused")}
	}
	body, ok := n.bodies[req.Path()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	if override, ok := n.status[req.Path()]; ok {
		status = override
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(p string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[p]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// failingPutStorage 让所有 Put 失败，用于验证写缓存失败不影响响应。
type failingPutStorage struct {
	cache.Storage
}

func (s failingPutStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPutStore{Store: store}, nil
}

func (s failingPutStorage) Lookup(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPutStore{Store: store}, nil
}

// stuckDeleteStorage 让指定缓存的删除失败，其余操作委托给内部实现。
type stuckDeleteStorage struct {
	cache.Storage
	stuck string
}

func (s stuckDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.stuck {
		return false, errors.New("device busy")
	}
	return s.Storage.Delete(ctx, name)
}

type failingPutStore struct {
	cache.Store
}

func (s failingPutStore) Put(ctx context.Context, id cache.Identity, resp *http.Response) error {
	resp.Body.Close()
	return errors.New("disk full")
}

// forEachStorage 让同一组性质测试覆盖磁盘与内存两种实现。
func forEachStorage(t *testing.T, fn func(t *testing.T, storage cache.Storage)) {
	t.Run("file", func(t *testing.T) {
		storage, err := cache.NewStorage(t.TempDir())
		if err != nil {
			t.Fatalf("storage error: %v", err)
		}
		fn(t, storage)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, cache.NewMemoryStorage())
	})
}

func newTestAgent(t *testing.T, settings Settings, storage cache.Storage, network Network) *Agent {
	t.Helper()
	if settings.Scope == "" {
		settings.Scope = testScope
	}
	a, err := New(Options{Settings: settings, Storage: storage, Network: network})
	if err != nil {
		t.Fatalf("agent construction failed: %v", err)
	}
	return a
}

func blogSettings(version string) Settings {
	return Settings{
		Version:     version,
		Manifest:    []string{"/loader.js", "/markdown_editor.js"},
		SkipWaiting: true,
	}
}

func blogNetwork() *fakeNetwork {
	return newFakeNetwork(map[string]string{
		"/loader.js":          "loader",
		"/markdown_editor.js": "editor",
		"/static/app.js":      "app",
		"/admin/posts":        "<html>posts</html>",
		"/api/posts":          `[]`,
	})
}

func installAgent(t *testing.T, a *Agent) *installDouble {
	t.Helper()
	ev := &installDouble{eventDouble: newEventDouble()}
	if err := a.Install(ev); err != nil {
		t.Fatalf("install handler error: %v", err)
	}
	if err := ev.settle(); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	return ev
}

func activateAgent(t *testing.T, a *Agent, storage cache.Storage) *activateDouble {
	t.Helper()
	ev := &activateDouble{eventDouble: newEventDouble(), storage: storage}
	if err := a.Activate(ev); err != nil {
		t.Fatalf("activate handler error: %v", err)
	}
	if err := ev.settle(); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	return ev
}

func fetchPath(t *testing.T, a *Agent, p string, mode Mode) (*http.Response, error) {
	t.Helper()
	ev := &fetchDouble{eventDouble: newEventDouble(), req: newRequest(t, http.MethodGet, p, mode)}
	if err := a.Fetch(ev); err != nil {
		t.Fatalf("fetch handler error: %v", err)
	}
	return ev.serve(t)
}

func newRequest(t *testing.T, method, p string, mode Mode) *Request {
	t.Helper()
	scope, err := url.Parse(testScope)
	if err != nil {
		t.Fatalf("scope error: %v", err)
	}
	return &Request{
		Method: method,
		URL:    scope.ResolveReference(&url.URL{Path: p}),
		Header: http.Header{},
		Mode:   mode,
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(data)
}
