package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

// NegativeCache 记录“远端已确认不存在”的条目，在 TTL 内直接回答不存在而不访问远端。
type NegativeCache interface {
	MarkMissing(key pathkey.Key, ttl time.Duration)
	IsMarkedMissing(key pathkey.Key) bool
	Forget(key pathkey.Key)
	Close() error
}

// MemoryNegativeCache 基于 ristretto 的进程内实现。
type MemoryNegativeCache struct {
	cache *ristretto.Cache[string, struct{}]
}

// NewMemoryNegativeCache 创建最多约 maxEntries 条记录的内存负缓存。
func NewMemoryNegativeCache(maxEntries int64) (*MemoryNegativeCache, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create negative cache: %w", err)
	}
	return &MemoryNegativeCache{cache: c}, nil
}

func (m *MemoryNegativeCache) MarkMissing(key pathkey.Key, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.cache.SetWithTTL(key.String(), struct{}{}, 1, ttl)
	m.cache.Wait()
}

func (m *MemoryNegativeCache) IsMarkedMissing(key pathkey.Key) bool {
	_, ok := m.cache.Get(key.String())
	return ok
}

func (m *MemoryNegativeCache) Forget(key pathkey.Key) {
	m.cache.Del(key.String())
}

func (m *MemoryNegativeCache) Close() error {
	m.cache.Close()
	return nil
}

// BadgerNegativeCache 基于 badger 的持久化实现，记录在进程重启后仍然有效直到 TTL 到期。
type BadgerNegativeCache struct {
	db     *badger.DB
	logger *logrus.Logger
}

// NewBadgerNegativeCache 在 dir 下打开 badger；dir 为空时使用内存模式。
func NewBadgerNegativeCache(dir string, logger *logrus.Logger) (*BadgerNegativeCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open negative cache %q: %w", dir, err)
	}
	return &BadgerNegativeCache{db: db, logger: logger}, nil
}

func (b *BadgerNegativeCache) MarkMissing(key pathkey.Key, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key.String()), nil).WithTTL(ttl))
	})
	b.warn("negative_cache_mark", key, err)
}

func (b *BadgerNegativeCache) IsMarkedMissing(key pathkey.Key) bool {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key.String()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	b.warn("negative_cache_lookup", key, err)
	return found
}

func (b *BadgerNegativeCache) Forget(key pathkey.Key) {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key.String()))
	})
	b.warn("negative_cache_forget", key, err)
}

func (b *BadgerNegativeCache) Close() error {
	return b.db.Close()
}

func (b *BadgerNegativeCache) warn(action string, key pathkey.Key, err error) {
	if err == nil || b.logger == nil {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"action": action,
		"key":    key.String(),
	}).WithError(err).Warn("negative cache operation failed")
}
