package proxy

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-proxy/internal/logging"
	"github.com/any-hub/any-proxy/internal/pathkey"
	"github.com/any-hub/any-proxy/internal/server"
)

// Forwarder 根据请求方法把仓库请求分派给 Handler 的对应操作，并兜底处理 panic。
type Forwarder struct {
	handler *Handler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 不能为空。
func NewForwarder(handler *Handler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.RepositoryRoute) (err error) {
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()

	switch c.Method() {
	case http.MethodGet, http.MethodHead:
		return f.handler.Retrieve(c, route)
	case http.MethodPut:
		return f.handler.Store(c, route)
	case http.MethodDelete:
		return f.handler.Remove(c, route)
	default:
		c.Set(fiber.HeaderAllow, "GET, HEAD, PUT, DELETE")
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
	}
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.RepositoryRoute, recovered interface{}, requestID string) error {
	f.logHandlerError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(route *server.RepositoryRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{"repository": ""}
	if route != nil {
		fields = logging.RequestFields(pathkey.Key{}, requestID, route.Config.AuthMode(), false)
		fields["repository"] = route.Config.Name
	}
	fields["action"] = "proxy"
	fields["error"] = code
	f.logger.WithFields(fields).Error(err.Error())
}
