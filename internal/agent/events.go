package agent

import (
	"context"
	"net/http"
)

// ExtendableEvent 是所有生命周期事件共享的契约。WaitUntil 登记的异步工作
// 全部结束（或任一失败）之前，宿主不会认为事件已完成。
type ExtendableEvent interface {
	Context() context.Context
	WaitUntil(work func(ctx context.Context) error)
}

// InstallEvent 在新版本首次注册时派发。
type InstallEvent interface {
	ExtendableEvent
	// SkipWaiting 请求宿主在 install 成功后立即激活当前版本。
	SkipWaiting()
}

// ActivateEvent 在旧版本不再控制任何客户端（或 skip-waiting）后派发。
type ActivateEvent interface {
	ExtendableEvent
	// Claim 让当前版本接管所有已打开的客户端。
	Claim(ctx context.Context) error
}

// Responder 产出最终响应，由宿主在事件上下文中执行。
type Responder func(ctx context.Context) (*http.Response, error)

// FetchEvent 对应一次被拦截的请求。
type FetchEvent interface {
	ExtendableEvent
	Request() *Request
	// RespondWith 只能调用一次，再次调用返回 ErrAlreadyResponded。
	RespondWith(respond Responder) error
}

// Handler types bound by the registrar.
type (
	InstallHandler  func(InstallEvent) error
	ActivateHandler func(ActivateEvent) error
	FetchHandler    func(FetchEvent) error
)

// Dispatcher 是宿主的事件派发入口。
type Dispatcher interface {
	OnInstall(InstallHandler)
	OnActivate(ActivateHandler)
	OnFetch(FetchHandler)
}

// Register 是唯一的组装点：把 agent 的三个处理函数绑定到宿主。
func Register(d Dispatcher, a *Agent) {
	d.OnInstall(a.Install)
	d.OnActivate(a.Activate)
	d.OnFetch(a.Fetch)
}
