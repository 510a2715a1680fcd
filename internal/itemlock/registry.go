package itemlock

import (
	"runtime"
	"sync"
	"weak"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

// Registry 将相同 Key 映射到同一个 *ItemLock。值以弱引用保存，锁不再被任何调用方引用后
// 由 GC 回收，并通过 cleanup 从表中摘除，因此条目数不会随访问过的路径无限增长。
type Registry struct {
	locks sync.Map // pathkey.Key -> weak.Pointer[ItemLock]
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{}
}

// Get 返回 key 对应的锁实例，首次访问时创建；并发首次创建也只会有一个实例胜出。
func (r *Registry) Get(key pathkey.Key) *ItemLock {
	for {
		if v, ok := r.locks.Load(key); ok {
			if lock := v.(weak.Pointer[ItemLock]).Value(); lock != nil {
				return lock
			}
		}

		lock := newItemLock(key)
		wp := weak.Make(lock)
		actual, loaded := r.locks.LoadOrStore(key, wp)
		if !loaded {
			r.track(key, lock, wp)
			return lock
		}
		if existing := actual.(weak.Pointer[ItemLock]).Value(); existing != nil {
			return existing
		}
		// 旧锁已被回收但 cleanup 尚未执行，替换失败说明有其他调用方抢先，重新读取。
		if r.locks.CompareAndSwap(key, actual, wp) {
			r.track(key, lock, wp)
			return lock
		}
	}
}

func (r *Registry) track(key pathkey.Key, lock *ItemLock, wp weak.Pointer[ItemLock]) {
	runtime.AddCleanup(lock, func(wp weak.Pointer[ItemLock]) {
		r.locks.CompareAndDelete(key, wp)
	}, wp)
}

// Len 返回仍存活的锁数量，仅用于诊断。
func (r *Registry) Len() int {
	n := 0
	r.locks.Range(func(_, v any) bool {
		if v.(weak.Pointer[ItemLock]).Value() != nil {
			n++
		}
		return true
	})
	return n
}

// Snapshot 列出当前有持有者的锁及其计数，供诊断接口使用。
func (r *Registry) Snapshot() []LockInfo {
	var out []LockInfo
	r.locks.Range(func(_, v any) bool {
		lock := v.(weak.Pointer[ItemLock]).Value()
		if lock == nil {
			return true
		}
		shared, exclusive := lock.Counts()
		if shared > 0 || exclusive > 0 {
			out = append(out, LockInfo{Key: lock.Key().String(), Shared: shared, Exclusive: exclusive})
		}
		return true
	})
	return out
}

// LockInfo 是诊断输出中的单个锁状态。
type LockInfo struct {
	Key       string `json:"key"`
	Shared    int    `json:"shared"`
	Exclusive int    `json:"exclusive"`
}
