package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/pathkey"
)

// RepositoryMetadataPath 在根目录 404 时用于判断远端是否为关闭了目录浏览的仓库服务。
const RepositoryMetadataPath = ".meta/repository-metadata.xml"

// Checker 回答“远端是否仍然有这个条目”。
type Checker struct {
	fetcher *Fetcher
}

// NewChecker 基于 fetcher 创建可用性检查器。
func NewChecker(fetcher *Fetcher) *Checker {
	return &Checker{fetcher: fetcher}
}

// IsAvailable 先 HEAD，失败或非 200 时回退 GET（部分远端不支持 HEAD）。
//
// 非严格模式下，若远端是 S3 风格存储，[200,500) 都视为可用；否则 200 可用（notOlderThan
// 非零时还需 Last-Modified 晚于它），3xx/404 不可用，根目录 404 时再探测仓库元数据路径；
// 401/403 以及其余状态返回对应错误。
func (c *Checker) IsAvailable(ctx context.Context, key pathkey.Key, notOlderThan time.Time, strict bool) (bool, error) {
	if !LegalPath(key.Path()) {
		return false, nil
	}

	out := c.fetcher.Head(ctx, key)
	if out.Kind == Cancelled {
		return false, out.AsError("availability", key.String())
	}
	if out.Kind == TransportError || out.Status != http.StatusOK {
		out = c.fetcher.Get(ctx, key, false)
		out.Close()
	}
	if out.Status == 0 {
		// 没有拿到任何响应：超载、取消或传输失败。
		if out.Kind == NotFound {
			return false, nil
		}
		return false, out.AsError("availability", key.String())
	}

	status := out.Status
	if !strict && c.isS3() {
		return status >= 200 && status < 500, nil
	}

	switch {
	case status == http.StatusOK:
		if !notOlderThan.IsZero() {
			return out.LastModified.After(notOlderThan), nil
		}
		return true, nil
	case status == http.StatusNotFound && key.IsRoot():
		return c.probeMetadata(ctx, key)
	case status == http.StatusNotFound || isRedirectStatus(status):
		return false, nil
	case status == http.StatusUnauthorized:
		return false, fault.New(fault.AuthRequired, "availability", key.String(), "remote requires authentication")
	case status == http.StatusForbidden:
		return false, fault.New(fault.AccessDenied, "availability", key.String(), "remote denied access")
	default:
		return false, fault.New(fault.TransportError, "availability", key.String(),
			"unexpected response status "+http.StatusText(status))
	}
}

// IsReachable 以非严格模式探测仓库根目录。
func (c *Checker) IsReachable(ctx context.Context, repositoryID string) (bool, error) {
	root, err := pathkey.New(repositoryID, pathkey.Root)
	if err != nil {
		return false, err
	}
	return c.IsAvailable(ctx, root, time.Time{}, false)
}

func (c *Checker) probeMetadata(ctx context.Context, root pathkey.Key) (bool, error) {
	meta, err := root.Child(RepositoryMetadataPath)
	if err != nil {
		return false, err
	}
	out := c.fetcher.Get(ctx, meta, false)
	out.Close()
	if out.Kind == Cancelled {
		return false, out.AsError("availability", meta.String())
	}
	return out.Status == http.StatusOK, nil
}

func (c *Checker) isS3() bool {
	session, err := c.fetcher.sessions.Current()
	if err != nil {
		return false
	}
	return session.IsS3()
}
