package remote

import (
	"fmt"
	"io"
	"time"

	"github.com/any-hub/any-proxy/internal/fault"
)

// OutcomeKind 是一次远端操作的分类结果。
type OutcomeKind uint8

const (
	Success OutcomeKind = iota + 1
	NotFound
	AccessDenied
	AuthRequired
	TransportError
	Overloaded
	Cancelled
)

var outcomeNames = map[OutcomeKind]string{
	Success:        "success",
	NotFound:       "not_found",
	AccessDenied:   "access_denied",
	AuthRequired:   "auth_required",
	TransportError: "transport_error",
	Overloaded:     "overloaded",
	Cancelled:      "cancelled",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", uint8(k))
}

// NotFound 的原因码。
const (
	ReasonMalformedPath = "malformed-path"
	ReasonCollection    = "remote-is-collection"
	ReasonNotFound      = "not-found"
	ReasonRedirected    = "redirected"
)

// Outcome 是 fetcher 的唯一返回形态。Kind 为 Success 且来自 Get 时 Stream 非空，
// 调用方负责关闭；其他情况下响应资源已经释放。
// Status 保存远端原始状态码（没有得到响应时为 0），供可用性判断使用。
type Outcome struct {
	Kind         OutcomeKind
	Reason       string
	Status       int
	Stream       io.ReadCloser
	ContentType  string
	Length       int64
	LastModified time.Time
	RemoteURL    string
	Err          error
}

// OK 表示成功结果。
func (o Outcome) OK() bool { return o.Kind == Success }

// Close 关闭成功结果携带的流，对其他结果无操作。
func (o Outcome) Close() {
	if o.Stream != nil {
		_ = o.Stream.Close()
	}
}

// AsError 把非成功结果转为 *fault.Error；成功时返回 nil。
func (o Outcome) AsError(op, key string) error {
	var kind fault.Kind
	switch o.Kind {
	case Success:
		return nil
	case NotFound:
		kind = fault.NotFound
	case AccessDenied:
		kind = fault.AccessDenied
	case AuthRequired:
		kind = fault.AuthRequired
	case Overloaded:
		kind = fault.Overloaded
	case Cancelled:
		kind = fault.Cancelled
	default:
		kind = fault.TransportError
	}
	if o.Err != nil {
		if fault.KindOf(o.Err) == kind {
			return o.Err
		}
		return fault.Wrap(kind, op, key, o.Err)
	}
	return fault.New(kind, op, key, o.Reason)
}

func notFound(reason string, status int) Outcome {
	return Outcome{Kind: NotFound, Reason: reason, Status: status}
}

func transportFailure(status int, reason string, err error) Outcome {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return Outcome{Kind: TransportError, Reason: reason, Status: status, Err: err}
}

// outcomeFromFault 将 session/执行阶段的分类错误转为 Outcome。
func outcomeFromFault(err error) Outcome {
	switch fault.KindOf(err) {
	case fault.Overloaded:
		return Outcome{Kind: Overloaded, Reason: "connection pool exhausted", Err: err}
	case fault.Cancelled:
		return Outcome{Kind: Cancelled, Reason: "cancelled", Err: err}
	default:
		return transportFailure(0, "", err)
	}
}

// classifyStatus 把非 200 状态码映射为结果；200 由调用方处理。
func classifyStatus(status int, statusLine string) Outcome {
	switch {
	case status == 403:
		return Outcome{Kind: AccessDenied, Reason: statusLine, Status: status}
	case status == 401:
		return Outcome{Kind: AuthRequired, Reason: statusLine, Status: status}
	case status == 404:
		return notFound(ReasonNotFound, status)
	case isRedirectStatus(status):
		return notFound(ReasonRedirected, status)
	default:
		return transportFailure(status, "unexpected response: "+statusLine, nil)
	}
}
