package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blog-admin/swcache/internal/agent"
	"github.com/blog-admin/swcache/internal/cache"
)

const testScope = "https://blog.local/"

type stubOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	failing map[string]bool
	offline bool
	calls   map[string]int
}

func newStubOrigin() *stubOrigin {
	return &stubOrigin{
		bodies: map[string]string{
			"/loader.js":          "loader",
			"/markdown_editor.js": "editor",
			"/static/app.js":      "app",
			"/admin/posts":        "<html>posts</html>",
		},
		failing: map[string]bool{},
		calls:   map[string]int{},
	}
}

func (o *stubOrigin) Fetch(ctx context.Context, req *agent.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[req.Path()]++
	if o.offline {
		return nil, &agent.NetworkError{Method: req.Method, URL: req.URL.String(), Err: errors.New("offline")}
	}
	status := http.StatusOK
	body, ok := o.bodies[req.Path()]
	if !ok || o.failing[req.Path()] {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (o *stubOrigin) count(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[p]
}

func (o *stubOrigin) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		n += c
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type hostFixture struct {
	host    *Host
	storage cache.Storage
	origin  *stubOrigin
	clock   *fakeClock
	dir     string
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	dir := t.TempDir()
	storage, err := cache.NewStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	return newHostFixtureWith(t, dir, storage, newStubOrigin())
}

func newHostFixtureWith(t *testing.T, dir string, storage cache.Storage, origin *stubOrigin) *hostFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	h, err := New(Options{
		Storage: storage,
		Network: origin,
		Factory: func(settings agent.Settings) (*agent.Agent, error) {
			return agent.New(agent.Options{Settings: settings, Storage: storage, Network: origin})
		},
		StatePath:         filepath.Join(dir, "registration.json"),
		ClientIdleTimeout: time.Minute,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("host error: %v", err)
	}
	return &hostFixture{host: h, storage: storage, origin: origin, clock: clock, dir: dir}
}

func settingsFor(version string, skipWaiting bool) agent.Settings {
	return agent.Settings{
		Version:     version,
		Scope:       testScope,
		Manifest:    []string{"/loader.js", "/markdown_editor.js"},
		SkipWaiting: skipWaiting,
	}
}

func request(p string, mode agent.Mode) *agent.Request {
	scope, _ := url.Parse(testScope)
	return &agent.Request{
		Method: http.MethodGet,
		URL:    scope.ResolveReference(&url.URL{Path: p}),
		Header: http.Header{},
		Mode:   mode,
	}
}

func (f *hostFixture) dispatch(t *testing.T, clientID, p string, mode agent.Mode) (Result, string, error) {
	t.Helper()
	result, err := f.host.Dispatch(context.Background(), clientID, request(p, mode))
	f.host.inflight.Wait()
	if err != nil {
		return result, "", err
	}
	defer result.Response.Body.Close()
	body, readErr := io.ReadAll(result.Response.Body)
	if readErr != nil {
		t.Fatalf("read body error: %v", readErr)
	}
	return result, string(body), nil
}

func (f *hostFixture) storeNames(t *testing.T) string {
	t.Helper()
	names, err := f.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	return strings.Join(names, ",")
}

func TestDeployInstallsAndActivates(t *testing.T) {
	f := newHostFixture(t)
	if err := f.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	if snap := f.host.Snapshot(); snap.Active != "v1" || snap.Waiting != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if names := f.storeNames(t); names != "v1" {
		t.Fatalf("expected store v1, got %s", names)
	}

	before := f.origin.total()
	result, body, err := f.dispatch(t, "tab-1", "/loader.js", agent.ModeNoCORS)
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if body != "loader" || result.Version != "v1" || result.Strategy != agent.StrategyCacheFirst {
		t.Fatalf("unexpected result: %+v body=%s", result, body)
	}
	if f.origin.total() != before {
		t.Fatalf("manifest asset should be served from cache")
	}
}

func TestRedeployReplacesPreviousStore(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy v1 error: %v", err)
	}
	f.dispatch(t, "tab-1", "/admin/posts", agent.ModeNavigate)

	if err := f.host.Deploy(ctx, settingsFor("v2", true)); err != nil {
		t.Fatalf("deploy v2 error: %v", err)
	}
	if names := f.storeNames(t); names != "v2" {
		t.Fatalf("expected only v2 to remain, got %s", names)
	}
	store, _ := f.storage.Open(ctx, "v2")
	keys, _ := store.Keys(ctx)
	if len(keys) != 2 {
		t.Fatalf("expected 2 entries in v2, got %d", len(keys))
	}
	snap := f.host.Snapshot()
	if snap.Active != "v2" || snap.Control["v2"] != 1 {
		t.Fatalf("open client should move to v2: %+v", snap)
	}
}

func TestDeploySameVersionIsNoop(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	calls := f.origin.total()
	if err := f.host.Deploy(ctx, settingsFor("v1", true)); err != nil {
		t.Fatalf("redeploy error: %v", err)
	}
	if f.origin.total() != calls {
		t.Fatalf("redeploying the active version must not reinstall")
	}
}

func TestInstallFailureKeepsPreviousVersion(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy v1 error: %v", err)
	}

	f.origin.mu.Lock()
	f.origin.failing["/markdown_editor.js"] = true
	f.origin.mu.Unlock()

	err := f.host.Deploy(ctx, settingsFor("v2", true))
	var installErr *agent.InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("expected InstallError, got %v", err)
	}
	if snap := f.host.Snapshot(); snap.Active != "v1" {
		t.Fatalf("previous version must keep serving, got %+v", snap)
	}
	if names := f.storeNames(t); names != "v1" {
		t.Fatalf("failed install must not leave its store, got %s", names)
	}

	result, body, err := f.dispatch(t, "tab-1", "/markdown_editor.js", agent.ModeNoCORS)
	if err != nil || body != "editor" || result.Version != "v1" {
		t.Fatalf("v1 should still serve cached assets: %+v body=%s err=%v", result, body, err)
	}
}

func TestWaitingVersionActivatesAfterClientsRelease(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", false)); err != nil {
		t.Fatalf("deploy v1 error: %v", err)
	}
	f.dispatch(t, "tab-1", "/admin/posts", agent.ModeNavigate)

	if err := f.host.Deploy(ctx, settingsFor("v2", false)); err != nil {
		t.Fatalf("deploy v2 error: %v", err)
	}
	snap := f.host.Snapshot()
	if snap.Active != "v1" || snap.Waiting != "v2" {
		t.Fatalf("v2 should wait while v1 controls a client: %+v", snap)
	}
	if names := f.storeNames(t); names != "v1,v2" {
		t.Fatalf("v1 store must survive until activation, got %s", names)
	}

	result, _, err := f.dispatch(t, "tab-1", "/static/app.js", agent.ModeNoCORS)
	if err != nil || result.Version != "v1" {
		t.Fatalf("open client should stay on v1: %+v err=%v", result, err)
	}

	f.host.ReleaseClient(ctx, "tab-1")
	snap = f.host.Snapshot()
	if snap.Active != "v2" || snap.Waiting != "" {
		t.Fatalf("v2 should activate once v1 has no clients: %+v", snap)
	}
	if names := f.storeNames(t); names != "v2" {
		t.Fatalf("expected only v2 after activation, got %s", names)
	}
}

func TestSweepReleasesIdleClients(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", false)); err != nil {
		t.Fatalf("deploy v1 error: %v", err)
	}
	f.dispatch(t, "tab-1", "/admin/posts", agent.ModeNavigate)
	if err := f.host.Deploy(ctx, settingsFor("v2", false)); err != nil {
		t.Fatalf("deploy v2 error: %v", err)
	}

	if released := f.host.Sweep(ctx); released != 0 {
		t.Fatalf("fresh client must not be swept, released %d", released)
	}
	f.clock.Advance(2 * time.Minute)
	if released := f.host.Sweep(ctx); released != 1 {
		t.Fatalf("idle client should be swept, released %d", released)
	}
	if snap := f.host.Snapshot(); snap.Active != "v2" {
		t.Fatalf("waiting version should activate after sweep: %+v", snap)
	}
}

func TestUncontrolledRequestsBypassAgent(t *testing.T) {
	f := newHostFixture(t)
	result, body, err := f.dispatch(t, "tab-1", "/static/app.js", agent.ModeNoCORS)
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if result.Version != "" || result.Strategy != "" || body != "app" {
		t.Fatalf("uncontrolled request should go straight to network: %+v", result)
	}
	if names := f.storeNames(t); names != "" {
		t.Fatalf("uncontrolled request must not create stores, got %s", names)
	}
}

func TestClaimTakesOverUncontrolledClients(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	f.dispatch(t, "tab-1", "/admin/posts", agent.ModeNavigate)
	if snap := f.host.Snapshot(); snap.Control["v1"] != 0 || snap.Clients != 1 {
		t.Fatalf("client should start uncontrolled: %+v", snap)
	}

	if err := f.host.Deploy(ctx, settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	if snap := f.host.Snapshot(); snap.Control["v1"] != 1 {
		t.Fatalf("claim should take over the open client: %+v", snap)
	}
}

func TestCacheFirstWriteIsTiedToEventLifetime(t *testing.T) {
	f := newHostFixture(t)
	if err := f.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, body, err := f.dispatch(t, "tab-1", "/static/app.js", agent.ModeNoCORS); err != nil || body != "app" {
			t.Fatalf("dispatch error: %v body=%s", err, body)
		}
	}
	if calls := f.origin.count("/static/app.js"); calls != 1 {
		t.Fatalf("expected one network fetch, got %d", calls)
	}
}

func TestOfflineNavigationPropagatesWithoutCache(t *testing.T) {
	f := newHostFixture(t)
	if err := f.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	f.origin.mu.Lock()
	f.origin.offline = true
	f.origin.mu.Unlock()

	_, _, err := f.dispatch(t, "tab-1", "/admin/posts", agent.ModeNavigate)
	var netErr *agent.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestUnrespondedFetchFallsBackToNetwork(t *testing.T) {
	f := newHostFixture(t)
	a, err := agent.New(agent.Options{Settings: settingsFor("v1", true), Storage: f.storage, Network: f.origin})
	if err != nil {
		t.Fatalf("agent error: %v", err)
	}
	reg := newRegistration(a, f.clock.Now())
	reg.fetch = func(agent.FetchEvent) error { return nil }
	reg.state = StateActivated
	f.host.active = reg

	_, body, err := f.dispatch(t, "", "/admin/posts", agent.ModeNavigate)
	if err != nil || body != "<html>posts</html>" {
		t.Fatalf("host should fall back to network: body=%s err=%v", body, err)
	}
}

func TestRespondWithIsSingleUse(t *testing.T) {
	ev := &fetchEvent{
		extendableEvent: newExtendableEvent(context.Background(), context.Background()),
		req:             request("/admin/posts", agent.ModeNavigate),
	}
	respond := func(context.Context) (*http.Response, error) { return nil, nil }
	if err := ev.RespondWith(respond); err != nil {
		t.Fatalf("first RespondWith should succeed: %v", err)
	}
	if err := ev.RespondWith(respond); !errors.Is(err, agent.ErrAlreadyResponded) {
		t.Fatalf("second RespondWith should fail, got %v", err)
	}
}

func TestRestoreResumesActiveVersion(t *testing.T) {
	f := newHostFixture(t)
	if err := f.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}

	restarted := newHostFixtureWith(t, f.dir, f.storage, newStubOrigin())
	ok, err := restarted.host.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("restore failed: ok=%v err=%v", ok, err)
	}
	if snap := restarted.host.Snapshot(); snap.Active != "v1" {
		t.Fatalf("restored host should be on v1: %+v", snap)
	}
	if err := restarted.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy after restore error: %v", err)
	}
	if restarted.origin.total() != 0 {
		t.Fatalf("restore must not reinstall, got %d network calls", restarted.origin.total())
	}
}

func TestRestoreSkipsMissingStore(t *testing.T) {
	f := newHostFixture(t)
	if err := f.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	if _, err := f.storage.Delete(context.Background(), "v1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}

	restarted := newHostFixtureWith(t, f.dir, f.storage, newStubOrigin())
	ok, err := restarted.host.Restore(context.Background())
	if err != nil || ok {
		t.Fatalf("restore should be skipped: ok=%v err=%v", ok, err)
	}
}

func TestDrainWaitsForInflightWork(t *testing.T) {
	f := newHostFixture(t)
	if err := f.host.Deploy(context.Background(), settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	result, err := f.host.Dispatch(context.Background(), "tab-1", request("/static/app.js", agent.ModeNoCORS))
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	result.Response.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.host.Drain(ctx); err != nil {
		t.Fatalf("drain error: %v", err)
	}
	store, _ := f.storage.Open(context.Background(), "v1")
	keys, _ := store.Keys(context.Background())
	if len(keys) != 3 {
		t.Fatalf("cache write should complete before drain returns, got %d entries", len(keys))
	}
}

func TestSupersededWaitingVersionIsNeverPromoted(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", false)); err != nil {
		t.Fatalf("deploy v1 error: %v", err)
	}
	f.dispatch(t, "tab-1", "/admin/posts", agent.ModeNavigate)

	if err := f.host.Deploy(ctx, settingsFor("v2", false)); err != nil {
		t.Fatalf("deploy v2 error: %v", err)
	}
	if snap := f.host.Snapshot(); snap.Waiting != "v2" {
		t.Fatalf("v2 should wait behind v1: %+v", snap)
	}
	if err := f.host.Deploy(ctx, settingsFor("v3", true)); err != nil {
		t.Fatalf("deploy v3 error: %v", err)
	}
	if snap := f.host.Snapshot(); snap.Active != "v3" || snap.Waiting != "" {
		t.Fatalf("v3 should replace both versions: %+v", snap)
	}

	f.host.ReleaseClient(ctx, "tab-1")
	if snap := f.host.Snapshot(); snap.Active != "v3" {
		t.Fatalf("active version downgraded to %q", snap.Active)
	}
	if names := f.storeNames(t); names != "v3" {
		t.Fatalf("expected only v3 store, got %s", names)
	}
	result, body, err := f.dispatch(t, "tab-2", "/loader.js", agent.ModeNoCORS)
	if err != nil || body != "loader" || result.Version != "v3" {
		t.Fatalf("v3 should keep serving its manifest: %+v body=%s err=%v", result, body, err)
	}

	if err := f.host.Deploy(ctx, settingsFor("v2", false)); err != nil {
		t.Fatalf("redeploy v2 error: %v", err)
	}
	if snap := f.host.Snapshot(); snap.Waiting != "v2" {
		t.Fatalf("a superseded version must be deployable again: %+v", snap)
	}
}

// blockingLookupStorage 在第一次查找指定缓存时暂停，模拟激活期间仍在途的旧版本请求。
type blockingLookupStorage struct {
	cache.Storage
	name    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingLookupStorage) Lookup(ctx context.Context, name string) (cache.Store, error) {
	if name == s.name {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.entered)
			<-s.release
		}
	}
	return s.Storage.Lookup(ctx, name)
}

func TestInflightOldVersionRequestDoesNotRecreateStore(t *testing.T) {
	dir := t.TempDir()
	disk, err := cache.NewStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	storage := &blockingLookupStorage{
		Storage: disk,
		name:    "v1",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newHostFixtureWith(t, dir, storage, newStubOrigin())
	ctx := context.Background()
	if err := f.host.Deploy(ctx, settingsFor("v1", true)); err != nil {
		t.Fatalf("deploy v1 error: %v", err)
	}

	done := make(chan Result, 1)
	go func() {
		result, err := f.host.Dispatch(ctx, "tab-1", request("/static/app.js", agent.ModeNoCORS))
		if err == nil {
			_, _ = io.Copy(io.Discard, result.Response.Body)
			result.Response.Body.Close()
		}
		done <- result
	}()
	<-storage.entered

	if err := f.host.Deploy(ctx, settingsFor("v2", true)); err != nil {
		t.Fatalf("deploy v2 error: %v", err)
	}
	if names := f.storeNames(t); names != "v2" {
		t.Fatalf("activation should leave only v2, got %s", names)
	}

	close(storage.release)
	if result := <-done; result.Version != "v1" {
		t.Fatalf("request should have been handled by v1, got %+v", result)
	}
	f.host.inflight.Wait()
	if names := f.storeNames(t); names != "v2" {
		t.Fatalf("in-flight v1 request must not bring back its store, got %s", names)
	}
}
