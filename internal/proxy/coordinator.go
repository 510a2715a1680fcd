// Package proxy 协调本地缓存与远端仓库：按条目加锁，命中直接返回，未命中时
// 同一条目只允许一个回源请求，结果写入缓存后再交给所有等待者。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/any-proxy/internal/cache"
	"github.com/any-hub/any-proxy/internal/config"
	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/itemlock"
	"github.com/any-hub/any-proxy/internal/logging"
	"github.com/any-hub/any-proxy/internal/pathkey"
	"github.com/any-hub/any-proxy/internal/remote"
)

// Source 表示 Retrieve 返回的条目来自本地还是刚刚回源。
type Source uint8

const (
	SourceLocal Source = iota + 1
	SourceRemote
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "local"
}

// Options 汇总协调器的外部依赖。Negative 可为空，表示不记录不存在结果。
type Options struct {
	Store    cache.Store
	Negative cache.NegativeCache
	Locks    *itemlock.Registry
	Logger   *logrus.Logger
}

type repository struct {
	runtime   config.RepositoryRuntime
	fetcher   *remote.Fetcher
	checker   *remote.Checker
	freshness cache.Freshness
}

// Coordinator 是代理核心的入口，前端只通过它访问缓存与远端。
type Coordinator struct {
	store    cache.Store
	negative cache.NegativeCache
	locks    *itemlock.Registry
	logger   *logrus.Logger
	now      func() time.Time

	mu    sync.RWMutex
	repos map[string]*repository
}

// NewCoordinator 为每个仓库建立远端会话。
func NewCoordinator(opts Options, runtimes ...config.RepositoryRuntime) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("proxy: store is required")
	}
	if opts.Locks == nil {
		opts.Locks = itemlock.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	c := &Coordinator{
		store:    opts.Store,
		negative: opts.Negative,
		locks:    opts.Locks,
		logger:   opts.Logger,
		now:      time.Now,
		repos:    make(map[string]*repository, len(runtimes)),
	}
	for _, rt := range runtimes {
		if err := c.UpdateRepository(rt); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// UpdateRepository 新增仓库，或以新配置整体替换已有仓库的远端会话。
// 正在进行的请求继续使用旧会话。
func (c *Coordinator) UpdateRepository(rt config.RepositoryRuntime) error {
	name := rt.Config.Name
	if name == "" {
		return errors.New("proxy: repository name required")
	}
	rt.Remote.RepositoryID = name

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.repos[name]; ok {
		if err := existing.fetcher.Sessions().Update(rt.Remote); err != nil {
			return fmt.Errorf("update repository %s: %w", name, err)
		}
		c.repos[name] = &repository{
			runtime:   rt,
			fetcher:   existing.fetcher,
			checker:   existing.checker,
			freshness: cache.NewFreshness(rt.ItemMaxAge),
		}
		return nil
	}

	sessions, err := remote.NewSessionHolder(rt.Remote)
	if err != nil {
		return fmt.Errorf("repository %s: %w", name, err)
	}
	fetcher := remote.NewFetcher(sessions, c.logger)
	c.repos[name] = &repository{
		runtime:   rt,
		fetcher:   fetcher,
		checker:   remote.NewChecker(fetcher),
		freshness: cache.NewFreshness(rt.ItemMaxAge),
	}
	return nil
}

// Repositories 返回当前所有仓库的运行时配置，按名称排序。
func (c *Coordinator) Repositories() []config.RepositoryRuntime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]config.RepositoryRuntime, 0, len(c.repos))
	for _, repo := range c.repos {
		out = append(out, repo.runtime)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Locks 返回当前被持有的条目锁。
func (c *Coordinator) Locks() []itemlock.LockInfo {
	return c.locks.Snapshot()
}

func (c *Coordinator) repository(op string, key pathkey.Key) (*repository, error) {
	c.mu.RLock()
	repo, ok := c.repos[key.RepositoryID()]
	c.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, op, key.String(), "unknown repository "+key.RepositoryID())
	}
	return repo, nil
}

// Retrieve 返回条目，调用方负责关闭 Body。
func (c *Coordinator) Retrieve(ctx context.Context, key pathkey.Key) (*cache.Item, error) {
	item, _, err := c.RetrieveFrom(ctx, key)
	return item, err
}

// RetrieveFrom 与 Retrieve 相同，额外返回条目来源。
//
// 先在共享锁下查本地；未命中（或已过期）时释放共享锁再取独占锁，复查本地后才回源，
// 保证同一条目同时最多一个回源请求。
func (c *Coordinator) RetrieveFrom(ctx context.Context, key pathkey.Key) (*cache.Item, Source, error) {
	repo, err := c.repository("retrieve", key)
	if err != nil {
		return nil, 0, err
	}
	ctx = itemlock.WithHolder(ctx)
	flags := flagsFrom(ctx)
	lock := c.locks.Get(key)

	if !flags.remoteOnly {
		if err := lock.Acquire(ctx, itemlock.Shared); err != nil {
			return nil, 0, err
		}
		item, err := c.lookup(ctx, key)
		lock.Release(ctx)
		if err != nil {
			return nil, 0, err
		}
		if item != nil {
			if flags.localOnly || !repo.freshness.IsStale(item) {
				return item, SourceLocal, nil
			}
			_ = item.Close()
		}
	}
	if flags.localOnly {
		return nil, 0, fault.New(fault.NotFound, "retrieve", key.String(), "not in local storage")
	}

	if err := lock.Acquire(ctx, itemlock.Exclusive); err != nil {
		return nil, 0, err
	}
	defer lock.Release(ctx)

	return c.retrieveExclusive(ctx, repo, key, flags.remoteOnly)
}

func (c *Coordinator) retrieveExclusive(ctx context.Context, repo *repository, key pathkey.Key, remoteOnly bool) (*cache.Item, Source, error) {
	log := c.logger.WithFields(logging.RetrieveFields("retrieve", key))
	hasStale := false

	if !remoteOnly {
		item, err := c.lookup(ctx, key)
		if err != nil {
			return nil, 0, err
		}
		if item != nil {
			if !repo.freshness.IsStale(item) {
				return item, SourceLocal, nil
			}
			newer, checkErr := repo.checker.IsAvailable(ctx, key, item.LastModified, true)
			switch {
			case checkErr == nil && !newer:
				c.touch(ctx, key, log)
				return item, SourceLocal, nil
			case checkErr != nil:
				if fault.KindOf(checkErr) == fault.Cancelled {
					_ = item.Close()
					return nil, 0, checkErr
				}
				log.WithError(checkErr).Warn("revalidate_failed_serving_stale")
				return item, SourceLocal, nil
			}
			_ = item.Close()
			hasStale = true
		}
	}

	if !hasStale && c.negative != nil && c.negative.IsMarkedMissing(key) {
		return nil, 0, fault.New(fault.NotFound, "retrieve", key.String(), "cached not-found")
	}

	item, err := c.fetchAndStore(ctx, repo, key)
	if err == nil {
		return item, SourceRemote, nil
	}

	kind := fault.KindOf(err)
	if hasStale && kind != fault.Cancelled && kind != fault.NotFound {
		if stale, lookupErr := c.lookup(ctx, key); lookupErr == nil && stale != nil {
			log.WithError(err).Warn("remote_failed_serving_stale")
			return stale, SourceLocal, nil
		}
	}
	if kind == fault.NotFound && c.negative != nil {
		c.negative.MarkMissing(key, repo.runtime.NotFoundCacheTTL)
	}
	return nil, 0, err
}

// fetchAndStore 回源并写入缓存；传输类错误按仓库配置的次数退避重试。
func (c *Coordinator) fetchAndStore(ctx context.Context, repo *repository, key pathkey.Key) (*cache.Item, error) {
	attempt := 0
	op := func() error {
		attempt++
		outcome := repo.fetcher.Get(ctx, key, true)
		if !outcome.OK() {
			err := outcome.AsError("retrieve", key.String())
			if outcome.Kind == remote.TransportError {
				return err
			}
			return backoff.Permanent(err)
		}
		_, err := c.store.Put(ctx, &cache.Item{
			Key:          key,
			Body:         outcome.Stream,
			ContentType:  outcome.ContentType,
			LastModified: outcome.LastModified,
			CheckedAt:    c.now().UTC(),
			RemoteURL:    outcome.RemoteURL,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(fault.Wrap(fault.Cancelled, "retrieve", key.String(), ctx.Err()))
		}
		if fault.KindOf(err) == fault.TransportError || fault.KindOf(err) == fault.RemoteEOF {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	if repo.runtime.InitialBackoff > 0 {
		policy.InitialInterval = repo.runtime.InitialBackoff
	}
	policy.MaxElapsedTime = 0
	retries := repo.runtime.RetryCount
	if retries < 0 {
		retries = 0
	}

	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logging.RetrieveFields("retrieve_retry", key)).
			WithField("attempt", attempt).
			WithField("wait_ms", wait.Milliseconds()).
			WithError(err).Warn("retrying remote fetch")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx), notify)
	if err != nil {
		if fault.KindOf(err) == fault.Unknown && ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, "retrieve", key.String(), ctx.Err())
		}
		return nil, err
	}

	item, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read stored item %s: %w", key, err)
	}
	return item, nil
}

// Store 写入条目（例如客户端上传），并清除该条目的不存在记录。
func (c *Coordinator) Store(ctx context.Context, item *cache.Item) error {
	if item == nil {
		return errors.New("proxy: item required")
	}
	key := item.Key
	if _, err := c.repository("store", key); err != nil {
		_ = item.Close()
		return err
	}
	if key.IsCollection() {
		_ = item.Close()
		return fault.New(fault.InvalidPath, "store", key.String(), "cannot store a collection")
	}
	ctx = itemlock.WithHolder(ctx)
	lock := c.locks.Get(key)
	if err := lock.Acquire(ctx, itemlock.Exclusive); err != nil {
		_ = item.Close()
		return err
	}
	defer lock.Release(ctx)

	if item.CheckedAt.IsZero() {
		item.CheckedAt = c.now().UTC()
	}
	if _, err := c.store.Put(ctx, item); err != nil {
		return err
	}
	if c.negative != nil {
		c.negative.Forget(key)
	}
	return nil
}

// Remove 删除本地条目并清除不存在记录。
func (c *Coordinator) Remove(ctx context.Context, key pathkey.Key) error {
	if _, err := c.repository("remove", key); err != nil {
		return err
	}
	ctx = itemlock.WithHolder(ctx)
	lock := c.locks.Get(key)
	if err := lock.Acquire(ctx, itemlock.Exclusive); err != nil {
		return err
	}
	defer lock.Release(ctx)

	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	if c.negative != nil {
		c.negative.Forget(key)
	}
	return nil
}

// CheckAvailable 询问远端条目是否存在（并且晚于 notOlderThan）。
func (c *Coordinator) CheckAvailable(ctx context.Context, key pathkey.Key, notOlderThan time.Time, strict bool) (bool, error) {
	repo, err := c.repository("availability", key)
	if err != nil {
		return false, err
	}
	return repo.checker.IsAvailable(ctx, key, notOlderThan, strict)
}

// RepositoryStatus 是一次远端可达性探测的结果。
type RepositoryStatus struct {
	Name      string `json:"name"`
	RemoteURL string `json:"remote_url"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Status 并发探测所有仓库的远端根目录。
func (c *Coordinator) Status(ctx context.Context) []RepositoryStatus {
	c.mu.RLock()
	repos := make([]*repository, 0, len(c.repos))
	for _, repo := range c.repos {
		repos = append(repos, repo)
	}
	c.mu.RUnlock()

	p := pool.NewWithResults[RepositoryStatus]().WithMaxGoroutines(8)
	for _, repo := range repos {
		p.Go(func() RepositoryStatus {
			started := time.Now()
			status := RepositoryStatus{
				Name:      repo.runtime.Config.Name,
				RemoteURL: repo.runtime.Remote.RemoteURL,
			}
			ok, err := repo.checker.IsReachable(ctx, status.Name)
			status.Reachable = ok
			if err != nil {
				status.Error = err.Error()
			}
			status.ElapsedMS = time.Since(started).Milliseconds()
			return status
		})
	}
	out := p.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookup 读取本地条目；不存在返回 (nil, nil)。
func (c *Coordinator) lookup(ctx context.Context, key pathkey.Key) (*cache.Item, error) {
	item, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		return item, nil
	case errors.Is(err, cache.ErrNotFound):
		return nil, nil
	case ctx.Err() != nil:
		return nil, fault.Wrap(fault.Cancelled, "retrieve", key.String(), ctx.Err())
	default:
		return nil, fmt.Errorf("read local item %s: %w", key, err)
	}
}

func (c *Coordinator) touch(ctx context.Context, key pathkey.Key, log *logrus.Entry) {
	toucher, ok := c.store.(cache.Toucher)
	if !ok {
		return
	}
	if err := toucher.Touch(ctx, key, c.now().UTC()); err != nil {
		log.WithError(err).Warn("touch_failed")
	}
}
