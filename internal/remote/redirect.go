package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	// DefaultMaxRedirects 是普通远端允许的最大跳转次数。
	DefaultMaxRedirects = 50
	// CircularMaxRedirects 用于允许循环跳转的主机，仍然保留上限。
	CircularMaxRedirects = 10
)

var (
	// ErrTooManyRedirects 表示跳转次数超过策略上限。
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrCircularRedirect 表示跳转目标已在本次请求链中出现过。
	ErrCircularRedirect = errors.New("circular redirect")
)

type contentFetchKey struct{}

func withContentFetch(ctx context.Context) context.Context {
	return context.WithValue(ctx, contentFetchKey{}, true)
}

// IsContentFetch 判断请求是否为获取内容的 GET（区别于 HEAD/可用性探测）。
func IsContentFetch(ctx context.Context) bool {
	v, _ := ctx.Value(contentFetchKey{}).(bool)
	return v
}

// RedirectPolicy 决定远端 3xx 是否继续跟随。
type RedirectPolicy struct {
	MaxRedirects  int
	AllowCircular bool
}

// PolicyFor 根据远端地址主机名是否在 circularHosts 中生成策略；无法解析主机名时使用默认策略。
func PolicyFor(remoteURL string, circularHosts []string) RedirectPolicy {
	if hostListed(remoteURL, circularHosts) {
		return RedirectPolicy{MaxRedirects: CircularMaxRedirects, AllowCircular: true}
	}
	return RedirectPolicy{MaxRedirects: DefaultMaxRedirects}
}

// ShouldFollow 对内容获取拒绝跳往以 "/" 结尾的目标（目录/索引页），其余情况按标准语义跟随。
func (p RedirectPolicy) ShouldFollow(target *http.Request, contentFetch bool) bool {
	if target == nil || target.URL == nil {
		return false
	}
	if contentFetch && strings.HasSuffix(target.URL.Path, "/") {
		return false
	}
	return true
}

// CheckRedirect 接入 http.Client.CheckRedirect。不跟随时返回 http.ErrUseLastResponse，
// 让 3xx 响应原样交回 fetcher 分类。
func (p RedirectPolicy) CheckRedirect(req *http.Request, via []*http.Request) error {
	limit := p.MaxRedirects
	if limit <= 0 {
		limit = DefaultMaxRedirects
	}
	if len(via) >= limit {
		return fmt.Errorf("%w: limit %d", ErrTooManyRedirects, limit)
	}
	if !p.ShouldFollow(req, IsContentFetch(req.Context())) {
		return http.ErrUseLastResponse
	}
	if !p.AllowCircular {
		target := req.URL.String()
		for _, prev := range via {
			if prev.URL.String() == target {
				return fmt.Errorf("%w: %s", ErrCircularRedirect, target)
			}
		}
	}
	return nil
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
