package server

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/any-hub/any-proxy/internal/config"
)

// RepositoryRoute 聚合仓库配置与派生属性（运行时参数、解析后的远端/代理 URL），
// 供路由/代理层直接复用，避免重复解析配置。
type RepositoryRoute struct {
	// Config 是用户在 config.toml 中声明的仓库字段副本。
	Config config.RepositoryConfig
	// Runtime 合并了全局参数后的运行时描述。
	Runtime config.RepositoryRuntime
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	RemoteURL  *url.URL
	ProxyURL   *url.URL
}

// RepositoryRegistry 提供仓库名到 RepositoryRoute 的查询能力。
type RepositoryRegistry struct {
	routes  map[string]*RepositoryRoute
	ordered []*RepositoryRoute
}

// NewRepositoryRegistry 根据配置构建仓库映射。调用方应在启动阶段创建一次并复用。
func NewRepositoryRegistry(cfg *config.Config) (*RepositoryRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &RepositoryRegistry{
		routes: make(map[string]*RepositoryRoute, len(cfg.Repositories)),
	}

	for _, repo := range cfg.Repositories {
		if repo.Name == "" {
			return nil, errors.New("repository name is empty")
		}
		if _, exists := registry.routes[repo.Name]; exists {
			return nil, fmt.Errorf("duplicate repository %s", repo.Name)
		}

		route, err := buildRepositoryRoute(cfg, repo)
		if err != nil {
			return nil, err
		}
		registry.routes[repo.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据仓库名查找路由。
func (r *RepositoryRegistry) Lookup(name string) (*RepositoryRoute, bool) {
	if r == nil || name == "" {
		return nil, false
	}
	route, ok := r.routes[name]
	return route, ok
}

// List 返回按配置顺序排列的路由副本，用于 /-/repositories 输出。
func (r *RepositoryRegistry) List() []RepositoryRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]RepositoryRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// Runtimes 返回所有仓库的运行时描述，供协调器初始化。
func (r *RepositoryRegistry) Runtimes() []config.RepositoryRuntime {
	if r == nil {
		return nil
	}
	result := make([]config.RepositoryRuntime, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = route.Runtime
	}
	return result
}

func buildRepositoryRoute(cfg *config.Config, repo config.RepositoryConfig) (*RepositoryRoute, error) {
	remoteURL, err := url.Parse(repo.RemoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote for repository %s: %w", repo.Name, err)
	}

	var proxyURL *url.URL
	if repo.Proxy != "" {
		proxyURL, err = url.Parse(repo.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for repository %s: %w", repo.Name, err)
		}
	}

	return &RepositoryRoute{
		Config:     repo,
		Runtime:    config.BuildRepositoryRuntime(repo, cfg.Global),
		ListenPort: cfg.Global.ListenPort,
		RemoteURL:  remoteURL,
		ProxyURL:   proxyURL,
	}, nil
}
