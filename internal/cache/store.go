package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

// Store 负责条目的读写。实现需保证写入原子性：读者要么看到旧条目，要么看到完整的新条目。
type Store interface {
	// Get 返回可流式读取的条目，调用方负责关闭 Body。不存在时返回 ErrNotFound。
	Get(ctx context.Context, key pathkey.Key) (*Item, error)

	// Put 读取 item.Body 并写入，返回不含 Body 的条目描述。失败时不得留下半写入的数据。
	Put(ctx context.Context, item *Item) (*Item, error)

	// Delete 删除条目，不存在时不报错。
	Delete(ctx context.Context, key pathkey.Key) error

	// Exists 只检查条目是否存在，不打开正文。
	Exists(ctx context.Context, key pathkey.Key) (bool, error)
}

// Toucher 由支持单独刷新校验时间的存储实现，用于远端确认“未变化”后延长条目寿命。
type Toucher interface {
	Touch(ctx context.Context, key pathkey.Key, checkedAt time.Time) error
}

// Item 描述一个缓存条目。CheckedAt 是最近一次与远端确认的时间，用于最大寿命判断。
type Item struct {
	Key          pathkey.Key   `json:"-"`
	Body         io.ReadCloser `json:"-"`
	Size         int64         `json:"size"`
	ContentType  string        `json:"content_type,omitempty"`
	LastModified time.Time     `json:"last_modified"`
	CheckedAt    time.Time     `json:"checked_at"`
	RemoteURL    string        `json:"remote_url,omitempty"`
}

// Close 关闭正文（若存在）。
func (i *Item) Close() error {
	if i == nil || i.Body == nil {
		return nil
	}
	return i.Body.Close()
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
