package cache

import "time"

// Freshness 根据仓库的最大寿命判断缓存条目是否需要与远端再确认。
type Freshness struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewFreshness 构造寿命判断器，默认使用 time.Now 作为时钟。
// maxAge 为 0 表示永不过期，负数表示每次都需要再确认。
func NewFreshness(maxAge time.Duration) Freshness {
	return Freshness{maxAge: maxAge, now: time.Now}
}

// IsStale 以 CheckedAt 为起点判断条目是否超过最大寿命。
func (f Freshness) IsStale(item *Item) bool {
	switch {
	case item == nil:
		return true
	case f.maxAge == 0:
		return false
	case f.maxAge < 0:
		return true
	}
	checked := item.CheckedAt
	if checked.IsZero() {
		checked = item.LastModified
	}
	return !f.now().Before(checked.Add(f.maxAge))
}

// MaxAge 返回配置的最大寿命。
func (f Freshness) MaxAge() time.Duration {
	return f.maxAge
}
