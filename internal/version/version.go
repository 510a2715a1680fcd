package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("any-proxy %s (%s)", Version, Commit)
}

// UserAgent 返回访问远端仓库时使用的 User-Agent，repository 为空时省略仓库段。
func UserAgent(repository string) string {
	if repository == "" {
		return fmt.Sprintf("any-proxy/%s", Version)
	}
	return fmt.Sprintf("any-proxy/%s (proxy; repository=%s)", Version, repository)
}
