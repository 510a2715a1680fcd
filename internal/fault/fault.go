// Package fault 定义代理核心共用的错误分类：路径校验、远端分类结果、流式读取与锁相关错误
// 都归入同一组 Kind，前端只需根据 Kind 映射 HTTP 状态码。
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 是封闭的错误类别集合。
type Kind uint8

const (
	Unknown Kind = iota
	InvalidPath
	NotFound
	AccessDenied
	AuthRequired
	TransportError
	Overloaded
	RemoteEOF
	Cancelled
	LockHazard
)

var kindNames = map[Kind]string{
	Unknown:        "unknown",
	InvalidPath:    "invalid_path",
	NotFound:       "not_found",
	AccessDenied:   "access_denied",
	AuthRequired:   "auth_required",
	TransportError: "transport_error",
	Overloaded:     "overloaded",
	RemoteEOF:      "remote_eof",
	Cancelled:      "cancelled",
	LockHazard:     "lock_hazard",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error 让 Kind 本身可以作为 errors.Is 的哨兵值使用，例如 errors.Is(err, fault.NotFound)。
func (k Kind) Error() string {
	return k.String()
}

// Error 携带错误类别、触发操作、条目键与原因，Err 保存底层错误。
type Error struct {
	Kind   Kind
	Op     string
	Key    string
	Reason string
	Err    error
}

// New 构造一个不带底层错误的分类错误。
func New(kind Kind, op, key, reason string) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Reason: reason}
}

// Wrap 将底层错误归类；err 为 nil 时等价于 New。
func Wrap(kind Kind, op, key string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Key: key, Err: err}
	if err != nil {
		e.Reason = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is(err, fault.NotFound) 以及与另一个 *Error 按 Kind 比较。
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf 返回错误链中第一个分类错误的 Kind，找不到时返回 Unknown。
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// Retryable 表示调用方可以自行决定是否重试的类别。
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransportError, Overloaded, RemoteEOF:
		return true
	}
	return false
}

// HTTPStatus 给前端使用的状态码映射。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidPath:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AccessDenied:
		return http.StatusForbidden
	case AuthRequired:
		return http.StatusUnauthorized
	case Overloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
