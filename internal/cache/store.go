package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Storage 管理全部命名缓存（每个部署版本一个），对应 CacheStorage 语义。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Lookup 打开已存在的缓存，不存在时返回 ErrStoreDeleted 而不会创建。
	Lookup(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回所有缓存名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除缓存及其全部条目，返回该缓存删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 按名称顺序在所有缓存中查找条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, id Identity) (*http.Response, error)
}

// Store 是单个版本化缓存。同一 Identity 的写入遵循 last-write-wins。
type Store interface {
	// Name 返回缓存名称（即部署版本号）。
	Name() string

	// Match 返回条目快照，调用方负责关闭 Body。未命中返回 ErrNotFound。
	Match(ctx context.Context, id Identity) (*http.Response, error)

	// Put 读取并关闭 resp.Body，将状态码、响应头与正文写入缓存。
	// 仅支持 GET 请求，其余方法返回 ErrUnsupportedMethod。
	Put(ctx context.Context, id Identity, resp *http.Response) error

	// Delete 删除单个条目，返回条目是否存在。
	Delete(ctx context.Context, id Identity) (bool, error)

	// Keys 枚举当前缓存中的全部 Identity。
	Keys(ctx context.Context) ([]Identity, error)
}

var (
	// ErrNotFound 表示缓存未命中，不属于需要上报的错误。
	ErrNotFound = errors.New("cache entry not found")
	// ErrUnsupportedMethod 表示请求方法不可缓存。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
	// ErrStoreDeleted 表示目标缓存不存在或已被回收，读写都不会重建缓存。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrInvalidName 表示缓存名称为空或包含非法路径片段。
	ErrInvalidName = errors.New("invalid cache name")
)

// Identity 唯一定位一个缓存条目：请求方法 + 去掉 fragment 的绝对 URL。
type Identity struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewIdentity 根据方法与 URL 构建 Identity，方法为空时视为 GET。
func NewIdentity(method string, u *url.URL) Identity {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Identity{Method: method}
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return Identity{Method: method, URL: clean.String()}
}

// String 输出 "GET https://host/path" 形式，便于日志字段使用。
func (id Identity) String() string {
	return id.Method + " " + id.URL
}

// Cacheable 表示该 Identity 是否允许写入缓存。
func (id Identity) Cacheable() bool {
	return id.Method == http.MethodGet
}

// key 是条目在存储中的稳定键，规避 URL 中的查询串与特殊字符。
func (id Identity) key() string {
	sum := sha256.Sum256([]byte(id.String()))
	return hex.EncodeToString(sum[:])
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}
