package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/blog-admin/swcache/internal/cache"
	"github.com/blog-admin/swcache/internal/host"
)

// AgentHost 提供版本概况与客户端释放，通常由 *host.Host 实现。
type AgentHost interface {
	Snapshot() host.Snapshot
	ReleaseClient(ctx context.Context, clientID string)
}

// RegisterAgentRoutes 暴露 /-/agent 诊断接口，供排查当前激活版本与缓存内容。
func RegisterAgentRoutes(app *fiber.App, agentHost AgentHost, storage cache.Storage) {
	if app == nil || agentHost == nil || storage == nil {
		return
	}

	app.Get("/-/agent", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(agentPayload{Snapshot: agentHost.Snapshot(), Stores: names})
	})

	app.Get("/-/agent/stores/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		store, err := storage.Lookup(c.Context(), name)
		switch {
		case errors.Is(err, cache.ErrStoreDeleted):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "store_not_found"})
		case errors.Is(err, cache.ErrInvalidName):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_store_name"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		ids, err := store.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(storePayload{Name: name, Entries: ids})
	})

	// 页面关闭时通过 beacon 通知，等待中的版本可以尽早激活。
	app.Post("/-/agent/clients/:id/release", func(c fiber.Ctx) error {
		id := c.Params("id")
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_id_required"})
		}
		agentHost.ReleaseClient(c.Context(), id)
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// RegisterMetricsRoute 将 Prometheus 处理器挂到 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}

type agentPayload struct {
	host.Snapshot
	Stores []string `json:"stores"`
}

type storePayload struct {
	Name    string           `json:"name"`
	Entries []cache.Identity `json:"entries"`
}
