package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

const (
	// attributesDir 存放条目属性，与各仓库目录平级，仓库名不允许以 "." 开头。
	attributesDir = ".attributes"
	// collectionFile 是集合路径（以 "/" 结尾）的正文文件名。
	collectionFile = ".index"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。布局：
//
//	<basePath>/<repository>/<path>                 # 正文，mtime = LastModified
//	<basePath>/.attributes/<repository>/<path>.json # 属性（类型、远端地址、校验时间）
func NewStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &FileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// FileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type FileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

var (
	_ Store   = (*FileStore)(nil)
	_ Toucher = (*FileStore)(nil)
)

func (s *FileStore) Get(ctx context.Context, key pathkey.Key) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyPath, attrPath, err := s.paths(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	item := s.readAttributes(attrPath, info)
	item.Key = key
	item.Size = info.Size()
	item.Body = f
	return item, nil
}

func (s *FileStore) Exists(ctx context.Context, key pathkey.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	bodyPath, _, err := s.paths(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *FileStore) Put(ctx context.Context, item *Item) (*Item, error) {
	if item == nil || item.Body == nil {
		return nil, errors.New("item body required")
	}
	defer item.Body.Close()

	unlock := s.lockEntry(item.Key)
	defer unlock()

	bodyPath, attrPath, err := s.paths(item.Key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(bodyPath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, item.Body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	stored := *item
	stored.Body = nil
	stored.Size = written
	if stored.LastModified.IsZero() {
		stored.LastModified = time.Now().UTC()
	}
	if stored.CheckedAt.IsZero() {
		stored.CheckedAt = time.Now().UTC()
	}
	if err := os.Chtimes(bodyPath, stored.LastModified, stored.LastModified); err != nil {
		return nil, err
	}
	if err := writeAttributes(attrPath, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Touch 只更新属性中的校验时间。
func (s *FileStore) Touch(ctx context.Context, key pathkey.Key, checkedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, attrPath, err := s.paths(key)
	if err != nil {
		return err
	}
	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	item := s.readAttributes(attrPath, info)
	item.Size = info.Size()
	item.CheckedAt = checkedAt
	return writeAttributes(attrPath, item)
}

func (s *FileStore) Delete(ctx context.Context, key pathkey.Key) error {
	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, attrPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(attrPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// readAttributes 读取属性文件；缺失或损坏时以正文 mtime 兜底。
func (s *FileStore) readAttributes(attrPath string, info fs.FileInfo) *Item {
	item := &Item{}
	if data, err := os.ReadFile(attrPath); err == nil {
		if json.Unmarshal(data, item) != nil {
			item = &Item{}
		}
	}
	if item.LastModified.IsZero() {
		item.LastModified = info.ModTime()
	}
	if item.CheckedAt.IsZero() {
		item.CheckedAt = info.ModTime()
	}
	return item
}

func writeAttributes(attrPath string, item *Item) error {
	if err := os.MkdirAll(filepath.Dir(attrPath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(attrPath), ".attr-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), attrPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FileStore) lockEntry(key pathkey.Key) func() {
	id := key.String()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// paths 返回正文与属性文件的绝对路径。pathkey 已拒绝 ".."，这里再校验一次不越出仓库目录。
func (s *FileStore) paths(key pathkey.Key) (string, string, error) {
	if key.RepositoryID() == "" {
		return "", "", errors.New("repository id required")
	}

	rel := strings.TrimPrefix(key.Path(), "/")
	if key.IsCollection() {
		rel += collectionFile
	}

	repoRoot := filepath.Join(s.basePath, key.RepositoryID())
	bodyPath := filepath.Join(repoRoot, filepath.FromSlash(rel))
	if !strings.HasPrefix(bodyPath, repoRoot+string(filepath.Separator)) {
		return "", "", errors.New("invalid cache path")
	}
	attrPath := filepath.Join(s.basePath, attributesDir, key.RepositoryID(), filepath.FromSlash(rel)+".json")
	return bodyPath, attrPath, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
