// Package itemlock 提供按条目身份加锁的可重入、可升级读写锁，以及按 pathkey.Key 去重的锁注册表。
//
// Go 没有线程身份，因此“持有者”由 WithHolder 注入到 context 中：同一调用链传递同一个 ctx
// 即视为同一持有者，可以重入与升级。
package itemlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/pathkey"
)

// Mode 表示锁级别。
type Mode uint8

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ErrNoHolder 表示 ctx 上没有通过 WithHolder 注册持有者。
var ErrNoHolder = errors.New("itemlock: context carries no holder")

type holderID uint64

type holderKey struct{}

var holderSeq atomic.Uint64

// WithHolder 为调用链分配持有者身份；ctx 已带有持有者时原样返回，保证嵌套调用仍可重入。
func WithHolder(ctx context.Context) context.Context {
	if _, ok := holderFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, holderKey{}, holderID(holderSeq.Add(1)))
}

func holderFrom(ctx context.Context) (holderID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(holderKey{}).(holderID)
	return id, ok
}

// stackEntry 记录一次 Acquire 的实际效果，Release 按栈逆序撤销。
type stackEntry uint8

const (
	heldShared stackEntry = iota + 1
	heldExclusive
	// 已持有独占时再次请求共享：不改变任何计数，但仍需一次 Release 与之配对。
	heldNoop
)

type holderState struct {
	stack     []stackEntry
	shared    int
	exclusive int
}

// ItemLock 绑定一个 pathkey.Key。状态由 mu 保护，changed 在每次释放后关闭并替换，
// 等待者借此感知变化并同时响应 ctx 取消。
type ItemLock struct {
	key pathkey.Key

	mu        sync.Mutex
	changed   chan struct{}
	shared    int
	exclusive int
	owner     holderID
	holders   map[holderID]*holderState
}

func newItemLock(key pathkey.Key) *ItemLock {
	return &ItemLock{key: key, holders: make(map[holderID]*holderState)}
}

// Key 返回锁绑定的条目键。
func (l *ItemLock) Key() pathkey.Key {
	return l.key
}

// Counts 返回当前共享与独占的获取次数（跨所有持有者）。
func (l *ItemLock) Counts() (shared, exclusive int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shared, l.exclusive
}

// Acquire 阻塞直到 mode 与其他持有者兼容。
//
// 同一持有者重复获取是可重入的；持有共享时请求独占视为升级，只等待其他持有者的共享释放；
// 持有独占时请求共享不改变计数。等待期间 ctx 被取消时返回包装了 ctx.Err() 的错误，
// 若放弃的是一次升级则归类为 fault.LockHazard：两个持有者同时升级会互相等待，
// 锁本身不做死锁检测。
func (l *ItemLock) Acquire(ctx context.Context, mode Mode) error {
	id, ok := holderFrom(ctx)
	if !ok {
		return ErrNoHolder
	}
	if mode != Shared && mode != Exclusive {
		return fmt.Errorf("itemlock: unsupported mode %s", mode)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hs := l.holders[id]
	if hs == nil {
		hs = &holderState{}
		l.holders[id] = hs
	}

	switch mode {
	case Shared:
		if hs.exclusive > 0 {
			hs.stack = append(hs.stack, heldNoop)
			return nil
		}
		if hs.shared == 0 {
			if err := l.waitLocked(ctx, Shared, func() bool { return l.exclusive == 0 }); err != nil {
				l.dropIfIdle(id, hs)
				return err
			}
		}
		hs.shared++
		l.shared++
		hs.stack = append(hs.stack, heldShared)
		return nil

	default: // Exclusive
		if hs.exclusive > 0 {
			hs.exclusive++
			l.exclusive++
			hs.stack = append(hs.stack, heldExclusive)
			return nil
		}
		upgrade := hs.shared > 0
		ready := func() bool { return l.exclusive == 0 && l.shared == hs.shared }
		if err := l.waitLocked(ctx, Exclusive, ready); err != nil {
			if upgrade {
				err = fault.Wrap(fault.LockHazard, "lock_upgrade", l.key.String(), err)
			}
			l.dropIfIdle(id, hs)
			return err
		}
		l.owner = id
		hs.exclusive++
		l.exclusive++
		hs.stack = append(hs.stack, heldExclusive)
		return nil
	}
}

// Release 撤销该持有者最近一次获取；撤销一次升级后持有者回到共享状态。
// 没有任何持有时调用会 panic，与 sync.Mutex 的误用处理一致。
func (l *ItemLock) Release(ctx context.Context) {
	id, _ := holderFrom(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	hs := l.holders[id]
	if hs == nil || len(hs.stack) == 0 {
		panic("itemlock: release of unheld lock " + l.key.String())
	}
	top := hs.stack[len(hs.stack)-1]
	hs.stack = hs.stack[:len(hs.stack)-1]

	switch top {
	case heldShared:
		hs.shared--
		l.shared--
	case heldExclusive:
		hs.exclusive--
		l.exclusive--
		if hs.exclusive == 0 {
			l.owner = 0
		}
	case heldNoop:
		return
	}
	l.dropIfIdle(id, hs)
	l.broadcastLocked()
}

func (l *ItemLock) waitLocked(ctx context.Context, mode Mode, ready func() bool) error {
	for !ready() {
		if l.changed == nil {
			l.changed = make(chan struct{})
		}
		ch := l.changed
		l.mu.Unlock()
		select {
		case <-ch:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			return fault.Wrap(fault.Cancelled, "lock_"+mode.String(), l.key.String(), ctx.Err())
		}
	}
	return nil
}

func (l *ItemLock) broadcastLocked() {
	if l.changed != nil {
		close(l.changed)
		l.changed = nil
	}
}

func (l *ItemLock) dropIfIdle(id holderID, hs *holderState) {
	if len(hs.stack) == 0 {
		delete(l.holders, id)
	}
}
