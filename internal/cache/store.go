package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Storage 管理按名称区分的资源缓存集合，每个名称对应一个版本代际。磁盘布局遵循：
//
//	<StoragePath>/<CacheName>/<sha1(key)>.entry    # 元数据行 + 正文
//
// Open 不会立刻落盘，只有 Commit 能创建缓存；Delete 之后缓存不会被 Put 重新创建。
type Storage interface {
	// Open 返回指定名称的缓存句柄；名称不存在时仍返回句柄，Match 会得到 ErrNotFound。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 表示该名称的缓存是否已经提交。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存，返回是否确实存在过。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按字典序返回全部已提交的缓存名称。
	Names(ctx context.Context) ([]string, error)

	// Commit 一次性写入一组条目。若缓存此前不存在，则要么全部可见，要么什么都不留下。
	Commit(ctx context.Context, name string, entries []*Snapshot) error
}

// Cache 是单个版本缓存的 key → 响应快照存储。
type Cache interface {
	Name() string

	// Match 返回 key 对应的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入或覆盖单个条目，实现需保证并发读取不会看到半写入状态。
	// 缓存尚未提交或已被删除时返回 ErrNotFound。
	Put(ctx context.Context, snapshot *Snapshot) error

	// Keys 返回当前缓存中的全部 key。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目（Method + 绝对 URL，不含 fragment）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFor 根据请求生成缓存键，Method 为空时视为 GET。
func KeyFor(req *http.Request) Key {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return Key{Method: method, URL: u.String()}
}

// GetKey 返回指定 URL 的 GET 缓存键。
func GetKey(rawURL string) Key {
	return Key{Method: http.MethodGet, URL: rawURL}
}

// String 输出 `METHOD URL`，用于日志与文件名摘要。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名称无法映射为存储目录。
	ErrInvalidName = errors.New("invalid cache name")
)

// ValidateName 校验缓存名称：非空、不能以 . 开头、不能包含路径分隔符。
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	return nil
}
