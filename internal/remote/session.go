// Package remote 负责与远端仓库的 HTTP 交互：会话（客户端、连接槽、跳转策略）、请求执行、
// 响应分类以及可用性探测。
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"

	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/version"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultSocketTimeout  = 60 * time.Second
	defaultPoolSize       = 20
	defaultPoolTimeout    = 5 * time.Second
)

// Options 描述单个仓库的远端连接配置。
type Options struct {
	RepositoryID          string
	RemoteURL             string
	ConnectTimeout        time.Duration
	SocketTimeout         time.Duration
	PoolSize              int
	PoolTimeout           time.Duration
	QueryString           string
	Proxy                 string
	Username              string
	Password              string
	UserAgent             string
	RemoteIsS3            bool
	CircularRedirectHosts []string
	CookieHosts           []string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = defaultSocketTimeout
	}
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.PoolTimeout <= 0 {
		o.PoolTimeout = defaultPoolTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = version.UserAgent(o.RepositoryID)
	}
	o.QueryString = strings.TrimLeft(strings.TrimSpace(o.QueryString), "?&")
	return o
}

const (
	s3Unknown int32 = iota
	s3Yes
	s3No
)

// Session 构造后不再修改（S3 探测标记除外），配置变化时整体替换。
type Session struct {
	opts    Options
	base    *url.URL
	client  *http.Client
	policy  RedirectPolicy
	slots   *semaphore.Weighted
	cookies bool
	s3      atomic.Int32
}

// NewSession 按配置构建 HTTP 客户端、连接槽与跳转策略。
func NewSession(opts Options) (*Session, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(strings.TrimSpace(opts.RemoteURL))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("remote url must be absolute http(s): %q", opts.RemoteURL)
	}
	base.RawQuery = ""
	base.Fragment = ""

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   opts.PoolSize,
		MaxConnsPerHost:       opts.PoolSize,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.SocketTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		// 响应解码由 fetcher 自行处理（Accept-Encoding 由我们显式声明）。
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	s := &Session{
		opts:   opts,
		base:   base,
		policy: PolicyFor(opts.RemoteURL, opts.CircularRedirectHosts),
		slots:  semaphore.NewWeighted(int64(opts.PoolSize)),
	}
	s.client = &http.Client{
		Transport:     transport,
		CheckRedirect: s.policy.CheckRedirect,
	}
	if hostListed(opts.RemoteURL, opts.CookieHosts) {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		s.client.Jar = jar
		s.cookies = true
	}
	if opts.RemoteIsS3 {
		s.s3.Store(s3Yes)
	}
	return s, nil
}

// Options 返回构建该会话时使用的（补齐默认值后的）配置。
func (s *Session) Options() Options { return s.opts }

// Policy 返回会话的跳转策略。
func (s *Session) Policy() RedirectPolicy { return s.policy }

// CookiesEnabled 表示远端主机命中 cookie 白名单。
func (s *Session) CookiesEnabled() bool { return s.cookies }

// IsS3 表示远端被配置或探测为 S3 风格的对象存储。
func (s *Session) IsS3() bool { return s.s3.Load() == s3Yes }

// observeServer 根据 Server 头记录远端是否为 S3；只在首次观察时写入。
func (s *Session) observeServer(server string) {
	if server == "" {
		return
	}
	flag := s3No
	if strings.Contains(server, "AmazonS3") {
		flag = s3Yes
	}
	s.s3.CompareAndSwap(s3Unknown, flag)
}

// remoteURL 拼接远端地址与条目路径，并附加仓库级查询串。
func (s *Session) remoteURL(path string) string {
	target := strings.TrimSuffix(s.base.String(), "/") + path
	if s.opts.QueryString == "" {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + s.opts.QueryString
	}
	return target + "?" + s.opts.QueryString
}

// acquireSlot 在 PoolTimeout 内获取连接槽；超时归类为 Overloaded，调用方取消归类为 Cancelled。
func (s *Session) acquireSlot(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.PoolTimeout)
	defer cancel()
	if err := s.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, "acquire_slot", key, ctx.Err())
		}
		return nil, fault.Wrap(fault.Overloaded, "acquire_slot", key, err)
	}
	var once sync.Once
	return func() { once.Do(func() { s.slots.Release(1) }) }, nil
}

func (s *Session) close() {
	s.client.CloseIdleConnections()
}

// hostListed 以小写主机名匹配白名单，无法解析主机名（如 "foo:bar"）时返回 false。
func hostListed(remoteURL string, hosts []string) bool {
	if len(hosts) == 0 {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(remoteURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, h := range hosts {
		if strings.ToLower(strings.TrimSpace(h)) == host {
			return true
		}
	}
	return false
}

// ErrNoSession 表示持有者尚未成功构建过会话。
var ErrNoSession = errors.New("remote: session unavailable")

// SessionHolder 持有当前会话。Invalidate 之后下一次 Current 会重新构建；Update 以新配置整体替换。
// 已取得旧会话的调用方继续使用旧客户端，不受影响。
type SessionHolder struct {
	mu      sync.Mutex
	opts    Options
	current atomic.Pointer[Session]
}

// NewSessionHolder 立即构建一次会话以校验配置。
func NewSessionHolder(opts Options) (*SessionHolder, error) {
	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	h := &SessionHolder{opts: opts}
	h.current.Store(s)
	return h, nil
}

// Current 返回当前会话，必要时按最近一次的配置重建。
func (h *SessionHolder) Current() (*Session, error) {
	if s := h.current.Load(); s != nil {
		return s, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.current.Load(); s != nil {
		return s, nil
	}
	s, err := NewSession(h.opts)
	if err != nil {
		return nil, errors.Join(ErrNoSession, err)
	}
	h.current.Store(s)
	return s, nil
}

// Invalidate 丢弃当前会话（连同缓存的 S3 标记），下次使用时重建。
func (h *SessionHolder) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old := h.current.Swap(nil); old != nil {
		old.close()
	}
}

// Update 用新配置构建会话并替换；构建失败时保留旧会话。
func (h *SessionHolder) Update(opts Options) error {
	s, err := NewSession(opts)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts = opts
	h.current.Store(s)
	return nil
}

// Options 返回最近一次生效的配置。
func (h *SessionHolder) Options() Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts
}
