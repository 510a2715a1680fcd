package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-proxy/internal/cache"
	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/logging"
	"github.com/any-hub/any-proxy/internal/pathkey"
	"github.com/any-hub/any-proxy/internal/server"
)

// CacheHitHeader 标记响应是否直接来自本地缓存。
const CacheHitHeader = "X-Any-Proxy-Cache-Hit"

// Handler 把 Fiber 请求翻译为协调器操作：GET/HEAD 检索、PUT 写入、DELETE 删除。
type Handler struct {
	coord  *Coordinator
	logger *logrus.Logger
}

// NewHandler constructs a handler bound to the coordinator.
func NewHandler(coord *Coordinator, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{coord: coord, logger: logger}
}

// Retrieve 处理 GET/HEAD。查询参数 local=true / remote=true 对应 LocalOnly / RemoteOnly。
func (h *Handler) Retrieve(c fiber.Ctx, route *server.RepositoryRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	key, err := requestKey(c, route)
	if err != nil {
		return h.fail(c, route, pathkey.Key{}, requestID, started, err)
	}

	ctx := requestContext(c)
	if queryFlag(c, "local") {
		ctx = LocalOnly(ctx)
	}
	if queryFlag(c, "remote") {
		ctx = RemoteOnly(ctx)
	}

	item, src, err := h.coord.RetrieveFrom(ctx, key)
	if err != nil {
		return h.fail(c, route, key, requestID, started, err)
	}
	defer item.Close()

	hit := src == SourceLocal
	c.Set(CacheHitHeader, strconv.FormatBool(hit))
	if item.ContentType != "" {
		c.Set(fiber.HeaderContentType, item.ContentType)
	} else {
		c.Response().Header.Del(fiber.HeaderContentType)
	}
	if !item.LastModified.IsZero() {
		c.Set(fiber.HeaderLastModified, item.LastModified.UTC().Format(http.TimeFormat))
	}
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		if item.Size >= 0 {
			c.Response().Header.SetContentLength(int(item.Size))
		}
		h.logResult(route, key, requestID, fiber.StatusOK, hit, started, nil)
		return nil
	}

	_, copyErr := io.Copy(c.Response().BodyWriter(), item.Body)
	h.logResult(route, key, requestID, fiber.StatusOK, hit, started, copyErr)
	if copyErr != nil {
		return fiber.NewError(fiber.StatusBadGateway, "read cache failed: "+copyErr.Error())
	}
	return nil
}

// Store 处理 PUT，请求体整体写入本地缓存。
func (h *Handler) Store(c fiber.Ctx, route *server.RepositoryRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	key, err := requestKey(c, route)
	if err != nil {
		return h.fail(c, route, pathkey.Key{}, requestID, started, err)
	}

	item := &cache.Item{
		Key:         key,
		Body:        io.NopCloser(bytes.NewReader(append([]byte(nil), c.Body()...))),
		ContentType: c.Get(fiber.HeaderContentType),
	}
	if raw := c.Get(fiber.HeaderLastModified); raw != "" {
		if t, parseErr := http.ParseTime(raw); parseErr == nil {
			item.LastModified = t.UTC()
		}
	}

	if err := h.coord.Store(requestContext(c), item); err != nil {
		return h.fail(c, route, key, requestID, started, err)
	}
	h.logResult(route, key, requestID, fiber.StatusCreated, false, started, nil)
	return c.SendStatus(fiber.StatusCreated)
}

// Remove 处理 DELETE。
func (h *Handler) Remove(c fiber.Ctx, route *server.RepositoryRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	key, err := requestKey(c, route)
	if err != nil {
		return h.fail(c, route, pathkey.Key{}, requestID, started, err)
	}
	if err := h.coord.Remove(requestContext(c), key); err != nil {
		return h.fail(c, route, key, requestID, started, err)
	}
	h.logResult(route, key, requestID, fiber.StatusNoContent, false, started, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

func requestKey(c fiber.Ctx, route *server.RepositoryRoute) (pathkey.Key, error) {
	return pathkey.New(route.Config.Name, "/"+c.Params("*"))
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func queryFlag(c fiber.Ctx, name string) bool {
	v, err := strconv.ParseBool(c.Query(name))
	return err == nil && v
}

// WriteError 把分类错误输出为 {"error": "<kind>"}，状态码由 fault.HTTPStatus 决定。
func WriteError(c fiber.Ctx, err error) error {
	status := fault.HTTPStatus(err)
	code := fault.KindOf(err).String()
	if fault.KindOf(err) == fault.Unknown {
		code = "internal_error"
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) fail(c fiber.Ctx, route *server.RepositoryRoute, key pathkey.Key, requestID string, started time.Time, err error) error {
	h.logResult(route, key, requestID, fault.HTTPStatus(err), false, started, err)
	return WriteError(c, err)
}

func (h *Handler) logResult(
	route *server.RepositoryRoute,
	key pathkey.Key,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(key, requestID, route.Config.AuthMode(), cacheHit)
	fields["action"] = "proxy"
	fields["repository"] = route.Config.Name
	fields["remote"] = route.RemoteURL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		entry := h.logger.WithFields(fields)
		if status >= http.StatusInternalServerError && !errors.Is(err, fault.Overloaded) {
			entry.Error("proxy_failed")
		} else {
			entry.Warn("proxy_failed")
		}
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
