package agent

import (
	"context"
	"errors"
)

// Activate 回收所有名称不等于当前版本的缓存，删除全部结束后再接管已打开的客户端。
// 单个缓存删除失败不会中断其余删除与 Claim，遗留缓存留给下一次激活回收。
func (a *Agent) Activate(e ActivateEvent) error {
	e.WaitUntil(func(ctx context.Context) error {
		names, err := a.storage.Keys(ctx)
		if err != nil {
			return errors.Join(err, e.Claim(ctx))
		}

		var errs []error
		for _, name := range names {
			if name == a.settings.Version {
				continue
			}
			if _, err := a.storage.Delete(ctx, name); err != nil {
				a.logger.WithFields(a.fields("activate")).
					WithField("store", name).
					WithError(err).
					Error("cache_delete_failed")
				errs = append(errs, err)
				continue
			}
			a.logger.WithFields(a.fields("activate")).
				WithField("store", name).
				Info("cache_deleted")
		}
		if err := e.Claim(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return nil
}
