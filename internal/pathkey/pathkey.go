// Package pathkey 将 (仓库 ID, 路径) 规范化为锁与缓存共用的唯一键。
package pathkey

import (
	"strings"

	"github.com/any-hub/any-proxy/internal/fault"
)

// Root 是仓库根路径的规范形式。
const Root = "/"

// Key 是可比较的值类型，可直接作为 map 键使用。
type Key struct {
	repositoryID string
	path         string
}

// New 规范化 rawPath 并拒绝任何包含 ".." 的路径。
//
// 规则：空串与 "/" 都归一为 "/"；缺少前导斜杠时补齐；连续斜杠折叠为一个；
// "." 段被丢弃；结尾斜杠保留（表示集合/目录）。
func New(repositoryID, rawPath string) (Key, error) {
	repositoryID = strings.TrimSpace(repositoryID)
	if repositoryID == "" {
		return Key{}, fault.New(fault.InvalidPath, "pathkey", rawPath, "repository id required")
	}
	clean, err := normalize(rawPath)
	if err != nil {
		return Key{}, fault.New(fault.InvalidPath, "pathkey", repositoryID+":"+rawPath, err.Error())
	}
	return Key{repositoryID: repositoryID, path: clean}, nil
}

// MustNew 供测试和常量路径使用，非法输入直接 panic。
func MustNew(repositoryID, rawPath string) Key {
	key, err := New(repositoryID, rawPath)
	if err != nil {
		panic(err)
	}
	return key
}

type traversalError string

func (e traversalError) Error() string { return string(e) }

func normalize(raw string) (string, error) {
	if raw == "" || raw == Root {
		return Root, nil
	}
	trailing := strings.HasSuffix(raw, "/")

	segments := strings.Split(raw, "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", traversalError("path traversal segment not allowed")
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return Root, nil
	}

	var b strings.Builder
	for _, seg := range kept {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	if trailing {
		b.WriteByte('/')
	}
	return b.String(), nil
}

// RepositoryID 返回仓库标识。
func (k Key) RepositoryID() string { return k.repositoryID }

// Path 返回规范化后的路径，总以 "/" 开头。
func (k Key) Path() string { return k.path }

// IsZero 表示未经 New 构造的零值。
func (k Key) IsZero() bool { return k.repositoryID == "" && k.path == "" }

// IsRoot 表示仓库根。
func (k Key) IsRoot() bool { return k.path == Root }

// IsCollection 以结尾斜杠判定集合（目录/索引页）。
func (k Key) IsCollection() bool { return strings.HasSuffix(k.path, "/") }

// Child 在当前键下拼接相对路径，结果同样经过规范化与穿越校验。
func (k Key) Child(rel string) (Key, error) {
	return New(k.repositoryID, strings.TrimSuffix(k.path, "/")+"/"+rel)
}

func (k Key) String() string {
	return k.repositoryID + ":" + k.path
}
