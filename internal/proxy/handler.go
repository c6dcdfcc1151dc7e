package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blog-admin/swcache/internal/agent"
	"github.com/blog-admin/swcache/internal/host"
	"github.com/blog-admin/swcache/internal/logging"
	"github.com/blog-admin/swcache/internal/server"
)

const (
	// ClientCookie 标识一个打开的页面（客户端），导航时签发。
	ClientCookie = "swcache_client"

	headerStrategy = "X-Swcache-Strategy"
	headerVersion  = "X-Swcache-Version"
)

// Dispatcher 把被拦截的请求交给当前控制该客户端的版本处理，通常由 *host.Host 实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req *agent.Request) (host.Result, error)
}

// Handler 是拦截层的 Fiber 入口：构造 agent.Request，派发 fetch 事件并回写响应。
type Handler struct {
	dispatcher Dispatcher
	origin     *url.URL
	logger     *logrus.Logger
}

// NewHandler constructs a proxy handler bound to one origin.
func NewHandler(dispatcher Dispatcher, origin *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Handler{
		dispatcher: dispatcher,
		origin:     origin,
		logger:     logger,
	}
}

// Handle 实现 server.ProxyHandler，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req := h.buildRequest(c)
	clientID := h.clientID(c, req)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.dispatcher.Dispatch(ctx, clientID, req)
	if err != nil {
		h.logResult(requestID, clientID, req, result, 0, started, err)
		var netErr *agent.NetworkError
		if errors.As(err, &netErr) {
			return h.writeError(c, fiber.StatusBadGateway, "network_failure")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "agent_failed")
	}
	resp := result.Response
	if resp == nil {
		h.logResult(requestID, clientID, req, result, 0, started, errors.New("empty response"))
		return h.writeError(c, fiber.StatusBadGateway, "network_failure")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if result.Version != "" {
		c.Set(headerVersion, result.Version)
		c.Set(headerStrategy, string(result.Strategy))
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(requestID, clientID, req, result, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(requestID, clientID, req, result, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("response stream failed: %v", err))
	}
	return nil
}

// buildRequest 将 Fiber 请求转换为源站上的绝对 URL 请求。
func (h *Handler) buildRequest(c fiber.Ctx) *agent.Request {
	uri := c.Request().URI()
	relative := &url.URL{Path: normalizeRequestPath(string(uri.Path()))}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}

	header := fiberHeadersAsHTTP(c)
	header.Del(fiber.HeaderHost)

	return &agent.Request{
		Method: c.Method(),
		URL:    h.origin.ResolveReference(relative),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
		Mode:   requestMode(header),
	}
}

// clientID 读取客户端 cookie；导航请求缺少 cookie 时签发新的客户端标识。
func (h *Handler) clientID(c fiber.Ctx, req *agent.Request) string {
	if id := strings.TrimSpace(c.Cookies(ClientCookie)); id != "" {
		return id
	}
	if !req.IsNavigation() {
		return ""
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	requestID string,
	clientID string,
	req *agent.Request,
	result host.Result,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(requestID, clientID, req.Method, req.Path(), result.Version, string(result.Strategy))
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// requestMode 优先使用浏览器的 Sec-Fetch-Mode；缺失时以 Sec-Fetch-Dest=document 判定导航。
func requestMode(header http.Header) agent.Mode {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return agent.Mode(mode)
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Dest"), "document") {
		return agent.ModeNavigate
	}
	return ""
}

// normalizeRequestPath 清理 ".." 等片段，同时保留结尾的 "/"，它是资源标识的一部分。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
