package host

import (
	"time"

	"github.com/blog-admin/swcache/internal/agent"
)

// State 描述一个版本注册的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// registration 对应一个部署版本，实现 agent.Dispatcher 接收处理函数。
type registration struct {
	agent     *agent.Agent
	state     State
	claimed   bool
	createdAt time.Time

	install  agent.InstallHandler
	activate agent.ActivateHandler
	fetch    agent.FetchHandler
}

func newRegistration(a *agent.Agent, now time.Time) *registration {
	reg := &registration{
		agent:     a,
		state:     StateInstalling,
		createdAt: now,
	}
	agent.Register(reg, a)
	return reg
}

func (r *registration) OnInstall(h agent.InstallHandler) {
	r.install = h
}

func (r *registration) OnActivate(h agent.ActivateHandler) {
	r.activate = h
}

func (r *registration) OnFetch(h agent.FetchHandler) {
	r.fetch = h
}

func (r *registration) version() string {
	if r == nil {
		return ""
	}
	return r.agent.Version()
}

// client 代表一个已打开的页面，controller 为空表示未受控。
type client struct {
	id         string
	controller *registration
	lastSeen   time.Time
}
