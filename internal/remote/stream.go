package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/any-hub/any-proxy/internal/fault"
)

// maxDrainBytes 是释放响应时最多读取丢弃的字节数，超过后直接关闭连接。
const maxDrainBytes = 64 << 10

// errIdleTimeout 表示响应体在 SocketTimeout 内没有任何进展。
var errIdleTimeout = errors.New("remote: socket read timed out")

// exchange 持有一次请求占用的全部资源：响应体、请求 ctx、空闲计时器与连接槽。
// 无论成功、失败还是取消，所有出口都经 release 释放且只释放一次。
type exchange struct {
	resp        *http.Response
	cancel      context.CancelFunc
	releaseSlot func()
	once        sync.Once

	idleTimeout time.Duration
	idle        *time.Timer
	expired     atomic.Bool
}

// newExchange 创建 exchange 并立即开始空闲计时：计时器到期时取消请求 ctx，
// 阻塞在响应体上的读取（包括排空）随之返回。
func newExchange(resp *http.Response, cancel context.CancelFunc, releaseSlot func(), idleTimeout time.Duration) *exchange {
	e := &exchange{resp: resp, cancel: cancel, releaseSlot: releaseSlot, idleTimeout: idleTimeout}
	if idleTimeout > 0 {
		e.idle = time.AfterFunc(idleTimeout, func() {
			e.expired.Store(true)
			cancel()
		})
	}
	return e
}

// arm 重新开始空闲计时。
func (e *exchange) arm() {
	if e.idle != nil {
		e.idle.Reset(e.idleTimeout)
	}
}

// pause 停止空闲计时，调用方处理已读数据期间不计入。
func (e *exchange) pause() {
	if e.idle != nil {
		e.idle.Stop()
	}
}

// timedOut 表示空闲计时器已经到期并中断了请求。
func (e *exchange) timedOut() bool {
	return e.expired.Load()
}

// release 可选地限量排空响应体后关闭，并归还连接槽；排空同样受空闲计时约束。
func (e *exchange) release(drain bool) {
	e.once.Do(func() {
		if e.resp != nil && e.resp.Body != nil {
			if drain && !e.timedOut() {
				e.arm()
				_, _ = io.CopyN(io.Discard, e.resp.Body, maxDrainBytes)
			}
			_ = e.resp.Body.Close()
		}
		e.pause()
		e.cancel()
		e.releaseSlot()
	})
}

// abort 中断底层连接：先取消请求 ctx 再关闭响应体，不做排空。
func (e *exchange) abort() {
	e.cancel()
	e.release(false)
}

// Stream 是成功结果的响应流：每次 Read 前检查调用方 ctx，取消时中断连接并返回 fault.Cancelled；
// 单次读取超过 SocketTimeout 没有进展时中断连接并返回 fault.TransportError；
// 连接提前断开归类为 fault.RemoteEOF；Close 总是返回 nil。
type Stream struct {
	ctx     context.Context
	ex      *exchange
	reader  io.Reader
	decoder io.Closer
	key     string

	mu     sync.Mutex
	closed bool
}

func newStream(ctx context.Context, ex *exchange, reader io.Reader, decoder io.Closer, key string) *Stream {
	return &Stream{ctx: ctx, ex: ex, reader: reader, decoder: decoder, key: key}
}

func (s *Stream) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		s.ex.abort()
		return 0, fault.Wrap(fault.Cancelled, "read", s.key, err)
	}
	if s.ex.timedOut() {
		s.ex.abort()
		return 0, fault.Wrap(fault.TransportError, "read", s.key, errIdleTimeout)
	}
	s.ex.arm()
	n, err := s.reader.Read(p)
	s.ex.pause()
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.ex.abort()
		return n, fault.Wrap(fault.Cancelled, "read", s.key, ctxErr)
	}
	if s.ex.timedOut() {
		s.ex.abort()
		return n, fault.Wrap(fault.TransportError, "read", s.key, errIdleTimeout)
	}
	if isPrematureClose(err) {
		return n, fault.Wrap(fault.RemoteEOF, "read", s.key, err)
	}
	return n, fault.Wrap(fault.TransportError, "read", s.key, err)
}

// Close 释放解码器与响应；取消或空闲超时后不排空，直接中断。
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.decoder != nil {
		_ = s.decoder.Close()
	}
	if s.ctx.Err() != nil || s.ex.timedOut() {
		s.ex.abort()
		return nil
	}
	s.ex.release(true)
	return nil
}

// isPrematureClose 识别远端在响应体传输途中断开连接的错误。
func isPrematureClose(err error) bool {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
