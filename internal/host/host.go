package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blog-admin/swcache/internal/agent"
	"github.com/blog-admin/swcache/internal/cache"
	"github.com/blog-admin/swcache/internal/metrics"
)

// Factory 根据版本配置构造 Agent，由调用方注入共享的存储与网络。
type Factory func(settings agent.Settings) (*agent.Agent, error)

// Options 控制 Host 的依赖与行为。
type Options struct {
	Storage cache.Storage
	// Network 用于未受控客户端以及 agent 未响应时的默认网络请求。
	Network agent.Network
	Factory Factory
	Logger  *logrus.Logger
	Metrics metrics.Recorder
	// StatePath 为空时不持久化注册状态。
	StatePath string
	// ClientIdleTimeout 超过该时长未出现的客户端视为已关闭，<=0 表示不过期。
	ClientIdleTimeout time.Duration
	Now               func() time.Time
}

// Result 描述一次 fetch 派发的结果。
type Result struct {
	Response *http.Response
	// Version 为处理该请求的版本，未受控时为空。
	Version  string
	Strategy agent.Strategy
}

// Snapshot 是诊断接口使用的只读视图。
type Snapshot struct {
	Active  string         `json:"active"`
	Waiting string         `json:"waiting,omitempty"`
	Clients int            `json:"clients"`
	Control map[string]int `json:"controlled_clients"`
}

// Host 负责版本注册、事件派发与客户端控制关系。
type Host struct {
	storage   cache.Storage
	network   agent.Network
	factory   Factory
	logger    *logrus.Logger
	metrics   metrics.Recorder
	statePath string
	idle      time.Duration
	now       func() time.Time

	// lifetime 承载 fetch 事件的 WaitUntil，Drain 之后才取消。
	lifetime context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// deployMu 串行化 install/activate，保证同一时间只有一个生命周期作业。
	deployMu sync.Mutex

	mu      sync.Mutex
	active  *registration
	waiting *registration
	clients map[string]*client
}

// New 构造 Host，Storage/Network/Factory 均为必填。
func New(opts Options) (*Host, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("agent factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Host{
		storage:   opts.Storage,
		network:   opts.Network,
		factory:   opts.Factory,
		logger:    logger,
		metrics:   recorder,
		statePath: opts.StatePath,
		idle:      opts.ClientIdleTimeout,
		now:       now,
		lifetime:  lifetime,
		cancel:    cancel,
		clients:   make(map[string]*client),
	}, nil
}

// Deploy 注册一个新版本：install 成功后视 skip-waiting 与客户端情况决定立即激活或等待。
// install 失败时新版本被丢弃，当前激活版本继续服务，并返回 *agent.InstallError。
func (h *Host) Deploy(ctx context.Context, settings agent.Settings) error {
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	h.mu.Lock()
	if h.active.version() == settings.Version || h.waiting.version() == settings.Version {
		h.mu.Unlock()
		h.logger.WithFields(logrus.Fields{"action": "deploy", "version": settings.Version}).
			Info("deploy_unchanged")
		return nil
	}
	h.mu.Unlock()

	a, err := h.factory(settings)
	if err != nil {
		return fmt.Errorf("build agent %s: %w", settings.Version, err)
	}
	reg := newRegistration(a, h.now())

	ev := &installEvent{extendableEvent: newExtendableEvent(ctx, ctx)}
	if reg.install != nil {
		err = reg.install(ev)
	}
	if err == nil {
		err = ev.wait()
	}
	if err != nil {
		h.setState(reg, StateRedundant)
		h.metrics.IncLifecycle("install", settings.Version, "failed")
		h.logger.WithFields(logrus.Fields{
			"action":  "install",
			"version": settings.Version,
			"active":  h.Snapshot().Active,
		}).WithError(err).Error("install_failed_previous_version_kept")
		return err
	}
	h.setState(reg, StateInstalled)
	h.metrics.IncLifecycle("install", settings.Version, "ok")

	h.mu.Lock()
	if h.waiting != nil {
		// 新版本取代等待中的版本，后者不再有机会被激活。
		h.waiting.state = StateRedundant
		h.waiting = nil
	}
	activateNow := ev.skipWaiting.Load() || h.active == nil || h.controlledCount(h.active) == 0
	if !activateNow {
		h.waiting = reg
	}
	h.mu.Unlock()

	if !activateNow {
		h.logger.WithFields(logrus.Fields{"action": "install", "version": settings.Version}).
			Info("version_waiting")
		return nil
	}
	return h.activateLocked(ctx, reg)
}

// activateLocked 必须在持有 deployMu 时调用。
func (h *Host) activateLocked(ctx context.Context, reg *registration) error {
	h.mu.Lock()
	reg.state = StateActivating
	if h.waiting == reg {
		h.waiting = nil
	}
	h.mu.Unlock()

	ev := &activateEvent{
		extendableEvent: newExtendableEvent(ctx, ctx),
		claim: func(context.Context) error {
			h.mu.Lock()
			reg.claimed = true
			h.mu.Unlock()
			return nil
		},
	}
	var err error
	if reg.activate != nil {
		err = reg.activate(ev)
	}
	if err == nil {
		err = ev.wait()
	}

	result := "ok"
	if err != nil {
		// 激活失败不阻止版本生效，遗留的旧缓存会在下一次激活时回收。
		result = "failed"
		h.logger.WithFields(logrus.Fields{"action": "activate", "version": reg.version()}).
			WithError(err).Error("activate_failed")
	}
	h.metrics.IncLifecycle("activate", reg.version(), result)

	h.mu.Lock()
	previous := h.active
	h.active = reg
	reg.state = StateActivated
	for _, c := range h.clients {
		if c.controller == previous || reg.claimed {
			c.controller = reg
		}
	}
	if previous != nil && previous != reg {
		previous.state = StateRedundant
	}
	h.mu.Unlock()

	if saveErr := h.saveState(reg.agent.Settings()); saveErr != nil {
		h.logger.WithFields(logrus.Fields{"action": "persist_state", "path": h.statePath}).
			WithError(saveErr).Warn("state_save_failed")
	}

	h.logger.WithFields(logrus.Fields{
		"action":   "activate",
		"version":  reg.version(),
		"previous": previous.version(),
	}).Info("version_activated")
	return nil
}

// Dispatch 为一次被拦截的请求派发 fetch 事件。未受控客户端直接访问网络。
func (h *Host) Dispatch(ctx context.Context, clientID string, req *agent.Request) (Result, error) {
	reg := h.controllerFor(clientID, req)
	if reg == nil {
		resp, err := h.network.Fetch(ctx, req)
		return Result{Response: resp}, err
	}

	result := Result{Version: reg.version(), Strategy: reg.agent.Classify(req)}
	if reg.fetch == nil {
		resp, err := h.network.Fetch(ctx, req)
		result.Response = resp
		return result, err
	}

	ev := &fetchEvent{extendableEvent: newExtendableEvent(ctx, h.lifetime), req: req}
	if err := reg.fetch(ev); err != nil {
		h.logger.WithFields(logrus.Fields{"action": "fetch", "version": result.Version, "path": req.Path()}).
			WithError(err).Error("fetch_handler_failed")
	}

	var (
		resp *http.Response
		err  error
	)
	if respond := ev.responder(); respond != nil {
		resp, err = respond(ctx)
	} else {
		h.logger.WithFields(logrus.Fields{"action": "fetch", "version": result.Version, "path": req.Path()}).
			Error("fetch_event_not_responded")
		resp, err = h.network.Fetch(ctx, req)
	}
	h.track(ev, result.Version)

	result.Response = resp
	return result, err
}

// track 让 fetch 事件的 WaitUntil 工作在响应返回后继续执行，直到 Drain。
func (h *Host) track(ev *fetchEvent, version string) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if err := ev.wait(); err != nil {
			h.logger.WithFields(logrus.Fields{"action": "fetch_wait_until", "version": version}).
				WithError(err).Warn("fetch_extension_failed")
		}
	}()
}

// controllerFor 计算请求应由哪个版本处理：导航绑定到当前激活版本，
// 已知客户端沿用其控制者，未知客户端视同被当前版本接管。
func (h *Host) controllerFor(clientID string, req *agent.Request) *registration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clientID == "" {
		return h.active
	}
	c, ok := h.clients[clientID]
	if !ok {
		c = &client{id: clientID, controller: h.active}
		h.clients[clientID] = c
	} else if req.IsNavigation() {
		c.controller = h.active
	}
	c.lastSeen = h.now()
	return c.controller
}

// ReleaseClient 标记客户端关闭；若等待中的版本因此可以激活则立即激活。
func (h *Host) ReleaseClient(ctx context.Context, clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
	h.promoteWaiting(ctx)
}

// Sweep 释放空闲超时的客户端，返回释放数量。
func (h *Host) Sweep(ctx context.Context) int {
	if h.idle <= 0 {
		return 0
	}
	cutoff := h.now().Add(-h.idle)

	h.mu.Lock()
	released := 0
	for id, c := range h.clients {
		if c.lastSeen.Before(cutoff) {
			delete(h.clients, id)
			released++
		}
	}
	h.mu.Unlock()

	if released > 0 {
		h.logger.WithFields(logrus.Fields{"action": "client_sweep", "released": released}).Debug("clients_released")
	}
	h.promoteWaiting(ctx)
	return released
}

// RunSweeper 周期性执行 Sweep，直到 ctx 结束。
func (h *Host) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

func (h *Host) promoteWaiting(ctx context.Context) {
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	h.mu.Lock()
	reg := h.waiting
	if reg != nil && reg.state != StateInstalled {
		h.waiting = nil
		reg = nil
	}
	ready := reg != nil && (h.active == nil || h.controlledCount(h.active) == 0)
	h.mu.Unlock()
	if !ready {
		return
	}
	if err := h.activateLocked(ctx, reg); err != nil {
		h.logger.WithFields(logrus.Fields{"action": "activate", "version": reg.version()}).
			WithError(err).Error("promote_failed")
	}
}

// controlledCount 必须在持有 mu 时调用。
func (h *Host) controlledCount(reg *registration) int {
	count := 0
	for _, c := range h.clients {
		if c.controller == reg {
			count++
		}
	}
	return count
}

func (h *Host) setState(reg *registration, state State) {
	h.mu.Lock()
	reg.state = state
	h.mu.Unlock()
}

// Snapshot 返回当前版本与客户端概况。
func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := Snapshot{
		Active:  h.active.version(),
		Waiting: h.waiting.version(),
		Clients: len(h.clients),
		Control: make(map[string]int),
	}
	for _, c := range h.clients {
		if c.controller != nil {
			snap.Control[c.controller.version()]++
		}
	}
	return snap
}

// Drain 等待所有 fetch 事件的延长工作结束，ctx 到期后强制取消。
func (h *Host) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
