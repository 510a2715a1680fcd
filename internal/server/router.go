package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for serving repository
// requests. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *RepositoryRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *RepositoryRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *RepositoryRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *RepositoryRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_anyproxy_route"
	contextKeyRequestID = "_anyproxy_request_id"

	// RepositoryPrefix 是仓库内容路径的前缀：/repository/<name>/<path>。
	RepositoryPrefix = "/repository"
)

// NewApp builds a Fiber application with repository routing middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("repository registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.All(RepositoryPrefix+"/:id/*", repositoryMiddleware(opts), func(c fiber.Ctx) error {
		route, _ := RouteFromContext(c)
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// repositoryMiddleware 根据 :id 查找仓库，未配置的仓库直接返回 404。
func repositoryMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := c.Params("id")
		route, ok := opts.Registry.Lookup(name)
		if !ok {
			return renderRepositoryUnknown(c, opts.Logger, name, opts.ListenPort)
		}
		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func renderRepositoryUnknown(c fiber.Ctx, logger *logrus.Logger, name string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "repository_lookup",
		"repository": name,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("repository unknown")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "repository_unknown",
	})
}

// RouteFromContext returns the repository route resolved by the middleware.
func RouteFromContext(c fiber.Ctx) (*RepositoryRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*RepositoryRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
