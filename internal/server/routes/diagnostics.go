// Package routes 注册 /-/ 前缀下的诊断接口：仓库列表、远端可达性、锁快照与可用性探测。
package routes

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-proxy/internal/config"
	"github.com/any-hub/any-proxy/internal/itemlock"
	"github.com/any-hub/any-proxy/internal/pathkey"
	"github.com/any-hub/any-proxy/internal/proxy"
	"github.com/any-hub/any-proxy/internal/server"
	"github.com/any-hub/any-proxy/internal/version"
)

// Diagnostics 是诊断接口依赖的协调器能力。
type Diagnostics interface {
	Status(ctx context.Context) []proxy.RepositoryStatus
	Locks() []itemlock.LockInfo
	CheckAvailable(ctx context.Context, key pathkey.Key, notOlderThan time.Time, strict bool) (bool, error)
}

// RegisterDiagnosticRoutes 暴露 /-/repositories、/-/status、/-/locks 与 /-/available/:id/*。
func RegisterDiagnosticRoutes(app *fiber.App, registry *server.RepositoryRegistry, diag Diagnostics) {
	if app == nil || registry == nil || diag == nil {
		return
	}

	app.Get("/-/repositories", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":      version.Full(),
			"repositories": encodeRepositories(registry.List()),
		})
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		statuses := diag.Status(requestContext(c))
		healthy := true
		for _, s := range statuses {
			if !s.Reachable {
				healthy = false
				break
			}
		}
		code := fiber.StatusOK
		if !healthy {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{"repositories": statuses})
	})

	app.Get("/-/locks", func(c fiber.Ctx) error {
		locks := diag.Locks()
		if locks == nil {
			locks = []itemlock.LockInfo{}
		}
		return c.JSON(fiber.Map{"locks": locks})
	})

	app.Get("/-/available/:id/*", func(c fiber.Ctx) error {
		name := c.Params("id")
		if _, ok := registry.Lookup(name); !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository_unknown"})
		}
		key, err := pathkey.New(name, "/"+c.Params("*"))
		if err != nil {
			return proxy.WriteError(c, err)
		}

		strict := true
		if raw := c.Query("strict"); raw != "" {
			if v, parseErr := strconv.ParseBool(raw); parseErr == nil {
				strict = v
			}
		}
		var newerThan time.Time
		if raw := c.Query("newerThan"); raw != "" {
			t, parseErr := parseTime(raw)
			if parseErr != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_newer_than"})
			}
			newerThan = t
		}

		available, err := diag.CheckAvailable(requestContext(c), key, newerThan, strict)
		if err != nil {
			return proxy.WriteError(c, err)
		}
		return c.JSON(fiber.Map{
			"repository": key.RepositoryID(),
			"path":       key.Path(),
			"available":  available,
		})
	})
}

type repositoryPayload struct {
	Name             string `json:"name"`
	RemoteURL        string `json:"remote_url"`
	AuthMode         string `json:"auth_mode"`
	ItemMaxAge       string `json:"item_max_age"`
	NotFoundCacheTTL string `json:"not_found_cache_ttl"`
	RetryCount       int    `json:"retry_count"`
	RemoteIsS3       bool   `json:"remote_is_s3"`
}

func encodeRepositories(routes []server.RepositoryRoute) []repositoryPayload {
	result := make([]repositoryPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeRepository(route.Config, route.Runtime))
	}
	return result
}

func encodeRepository(cfg config.RepositoryConfig, rt config.RepositoryRuntime) repositoryPayload {
	return repositoryPayload{
		Name:             cfg.Name,
		RemoteURL:        cfg.RemoteURL,
		AuthMode:         cfg.AuthMode(),
		ItemMaxAge:       rt.ItemMaxAge.String(),
		NotFoundCacheTTL: rt.NotFoundCacheTTL.String(),
		RetryCount:       rt.RetryCount,
		RemoteIsS3:       cfg.RemoteIsS3,
	}
}

// parseTime 接受 RFC3339 或 HTTP 日期格式。
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return http.ParseTime(raw)
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
