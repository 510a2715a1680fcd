package config

import (
	"time"

	"github.com/any-hub/any-proxy/internal/remote"
)

// RepositoryRuntime 将仓库配置与全局共享参数合并，方便运行时快速取用。
type RepositoryRuntime struct {
	Config           RepositoryConfig
	Remote           remote.Options
	ItemMaxAge       time.Duration
	NotFoundCacheTTL time.Duration
	RetryCount       int
	InitialBackoff   time.Duration
}

// RemoteOptions 生成远端会话参数，全局的跳转/Cookie 主机列表会合并进来。
func (r RepositoryConfig) RemoteOptions(global GlobalConfig) remote.Options {
	return remote.Options{
		RepositoryID:          r.Name,
		RemoteURL:             r.RemoteURL,
		ConnectTimeout:        r.ConnectTimeout.DurationValue(),
		SocketTimeout:         r.SocketTimeout.DurationValue(),
		PoolSize:              r.PoolSize,
		PoolTimeout:           r.PoolTimeout.DurationValue(),
		QueryString:           r.QueryString,
		Proxy:                 r.Proxy,
		Username:              r.Username,
		Password:              r.Password,
		RemoteIsS3:            r.RemoteIsS3,
		CircularRedirectHosts: append([]string(nil), global.CircularRedirectHosts...),
		CookieHosts:           append([]string(nil), global.CookieHosts...),
	}
}

// BuildRepositoryRuntime 根据仓库配置和全局参数创建运行时描述。
func BuildRepositoryRuntime(cfg RepositoryConfig, global GlobalConfig) RepositoryRuntime {
	return RepositoryRuntime{
		Config:           cfg,
		Remote:           cfg.RemoteOptions(global),
		ItemMaxAge:       cfg.ItemMaxAge.DurationValue(),
		NotFoundCacheTTL: cfg.NotFoundCacheTTL.DurationValue(),
		RetryCount:       cfg.RetrievalRetryCount,
		InitialBackoff:   global.InitialBackoff.DurationValue(),
	}
}
