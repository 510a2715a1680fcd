package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/pathkey"
)

// MissingArtifactHeader 是部分中间代理在 200 响应里标记“实际内容缺失”的头。
const MissingArtifactHeader = "X-Nexus-Missing-Artifact"

// Fetcher 通过 SessionHolder 的当前会话访问远端，并把响应/异常统一分类为 Outcome。
type Fetcher struct {
	sessions *SessionHolder
	logger   *logrus.Logger
}

// NewFetcher 创建 Fetcher；logger 为空时不输出请求日志。
func NewFetcher(sessions *SessionHolder, logger *logrus.Logger) *Fetcher {
	return &Fetcher{sessions: sessions, logger: logger}
}

// Sessions 暴露会话持有者，便于配置变更时整体替换会话。
func (f *Fetcher) Sessions() *SessionHolder {
	return f.sessions
}

// Get 获取条目。contentFetch 为 true 时表示要读取内容：集合路径直接判定为不存在，
// 且不跟随指向集合的跳转。成功时返回的 Stream 必须由调用方关闭。
func (f *Fetcher) Get(ctx context.Context, key pathkey.Key, contentFetch bool) Outcome {
	if !LegalPath(key.Path()) {
		return notFound(ReasonMalformedPath, 0)
	}
	if contentFetch && key.IsCollection() {
		return notFound(ReasonCollection, 0)
	}

	ex, session, out := f.execute(ctx, http.MethodGet, key, nil, -1, "", contentFetch)
	if ex == nil {
		return out
	}
	resp := ex.resp
	if resp.StatusCode != http.StatusOK {
		ex.release(true)
		return classifyStatus(resp.StatusCode, resp.Status)
	}
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get(MissingArtifactHeader)), "true") {
		ex.release(true)
		return transportFailure(resp.StatusCode, "remote reported missing artifact with 200", nil)
	}

	encoding := resp.Header.Get("Content-Encoding")
	reader, decoder, err := decodeBody(resp.Body, encoding)
	if err != nil {
		ex.release(false)
		return transportFailure(resp.StatusCode, "", err)
	}
	length := resp.ContentLength
	if encoding != "" && !strings.EqualFold(encoding, "identity") {
		length = -1
	}
	// 读取由 Stream 按次计时
	ex.pause()
	return Outcome{
		Kind:         Success,
		Status:       resp.StatusCode,
		Stream:       newStream(ctx, ex, reader, decoder, key.String()),
		ContentType:  resp.Header.Get("Content-Type"),
		Length:       length,
		LastModified: lastModified(resp.Header),
		RemoteURL:    session.remoteURL(key.Path()),
	}
}

// Head 只获取元数据，响应立即释放。
func (f *Fetcher) Head(ctx context.Context, key pathkey.Key) Outcome {
	if !LegalPath(key.Path()) {
		return notFound(ReasonMalformedPath, 0)
	}
	ex, session, out := f.execute(ctx, http.MethodHead, key, nil, -1, "", false)
	if ex == nil {
		return out
	}
	defer ex.release(false)
	resp := ex.resp
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, resp.Status)
	}
	return Outcome{
		Kind:         Success,
		Status:       resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		Length:       resp.ContentLength,
		LastModified: lastModified(resp.Header),
		RemoteURL:    session.remoteURL(key.Path()),
	}
}

// Put 上传条目内容，接受 200/201/202/204。
func (f *Fetcher) Put(ctx context.Context, key pathkey.Key, body io.Reader, length int64, contentType string) Outcome {
	return f.write(ctx, http.MethodPut, key, body, length, contentType, http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent)
}

// Delete 删除远端条目，接受 200/202/204。
func (f *Fetcher) Delete(ctx context.Context, key pathkey.Key) Outcome {
	return f.write(ctx, http.MethodDelete, key, nil, -1, "", http.StatusOK, http.StatusAccepted, http.StatusNoContent)
}

func (f *Fetcher) write(ctx context.Context, method string, key pathkey.Key, body io.Reader, length int64, contentType string, accepted ...int) Outcome {
	if !LegalPath(key.Path()) {
		return notFound(ReasonMalformedPath, 0)
	}
	ex, session, out := f.execute(ctx, method, key, body, length, contentType, false)
	if ex == nil {
		return out
	}
	defer ex.release(true)
	resp := ex.resp
	for _, status := range accepted {
		if resp.StatusCode == status {
			return Outcome{Kind: Success, Status: status, RemoteURL: session.remoteURL(key.Path())}
		}
	}
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		return classifyStatus(resp.StatusCode, resp.Status)
	}
	return transportFailure(resp.StatusCode, "unexpected response: "+resp.Status, nil)
}

// execute 取得会话与连接槽后发送请求。返回 nil exchange 时 Outcome 已是最终结果，
// 且所有资源都已释放。
func (f *Fetcher) execute(ctx context.Context, method string, key pathkey.Key, body io.Reader, length int64, contentType string, contentFetch bool) (*exchange, *Session, Outcome) {
	session, err := f.sessions.Current()
	if err != nil {
		return nil, nil, transportFailure(0, "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, session, outcomeFromFault(fault.Wrap(fault.Cancelled, method, key.String(), err))
	}

	releaseSlot, err := session.acquireSlot(ctx, key.String())
	if err != nil {
		return nil, session, outcomeFromFault(err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if contentFetch {
		reqCtx = withContentFetch(reqCtx)
	}
	target := session.remoteURL(key.Path())
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		cancel()
		releaseSlot()
		return nil, session, transportFailure(0, "", err)
	}
	if body != nil && length >= 0 {
		req.ContentLength = length
	}
	f.decorate(req, session, contentType)

	start := time.Now()
	resp, err := session.client.Do(req)
	if err != nil {
		cancel()
		releaseSlot()
		f.logRequest(session, method, target, 0, start, err)
		if ctx.Err() != nil {
			return nil, session, outcomeFromFault(fault.Wrap(fault.Cancelled, method, key.String(), ctx.Err()))
		}
		return nil, session, transportFailure(0, "", unwrapURLError(err))
	}
	session.observeServer(resp.Header.Get("Server"))
	f.logRequest(session, method, target, resp.StatusCode, start, nil)
	return newExchange(resp, cancel, releaseSlot, session.Options().SocketTimeout), session, Outcome{}
}

func (f *Fetcher) decorate(req *http.Request, session *Session, contentType string) {
	opts := session.Options()
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", opts.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if opts.Username != "" || opts.Password != "" {
		req.SetBasicAuth(opts.Username, opts.Password)
	}
}

func (f *Fetcher) logRequest(session *Session, method, target string, status int, start time.Time, err error) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":          "remote_request",
		"repository":      session.Options().RepositoryID,
		"method":          method,
		"remote_url":      target,
		"upstream_status": status,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	}
	entry := f.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Debug("remote request failed")
		return
	}
	entry.Debug("remote request")
}

// unwrapURLError 去掉 *url.Error 的外层，保留跳转策略等底层原因。
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err
	}
	return err
}

// lastModified 解析 Last-Modified，缺失或非法时视为当前时间。
func lastModified(h http.Header) time.Time {
	if v := h.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Now()
}

// LegalPath 判断路径能否原样拼接为远端请求路径。
func LegalPath(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return false
		}
		if strings.ContainsRune(" \"<>\\^`{|}?#", r) {
			return false
		}
	}
	if _, err := url.PathUnescape(path); err != nil {
		return false
	}
	return true
}
