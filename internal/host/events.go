package host

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/blog-admin/swcache/internal/agent"
)

// extendableEvent 用 errgroup 承载 WaitUntil：组内全部完成即视为事件结束。
type extendableEvent struct {
	ctx   context.Context
	group *errgroup.Group
	gctx  context.Context
}

func newExtendableEvent(ctx, lifetime context.Context) *extendableEvent {
	group, gctx := errgroup.WithContext(lifetime)
	return &extendableEvent{ctx: ctx, group: group, gctx: gctx}
}

func (e *extendableEvent) Context() context.Context {
	return e.ctx
}

func (e *extendableEvent) WaitUntil(work func(ctx context.Context) error) {
	e.group.Go(func() error {
		return work(e.gctx)
	})
}

func (e *extendableEvent) wait() error {
	return e.group.Wait()
}

type installEvent struct {
	*extendableEvent
	skipWaiting atomic.Bool
}

func (e *installEvent) SkipWaiting() {
	e.skipWaiting.Store(true)
}

type activateEvent struct {
	*extendableEvent
	claim func(ctx context.Context) error
}

func (e *activateEvent) Claim(ctx context.Context) error {
	return e.claim(ctx)
}

type fetchEvent struct {
	*extendableEvent
	req *agent.Request

	mu        sync.Mutex
	respond   agent.Responder
	responded bool
}

func (e *fetchEvent) Request() *agent.Request {
	return e.req
}

func (e *fetchEvent) RespondWith(respond agent.Responder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return agent.ErrAlreadyResponded
	}
	e.responded = true
	e.respond = respond
	return nil
}

func (e *fetchEvent) responder() agent.Responder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respond
}
