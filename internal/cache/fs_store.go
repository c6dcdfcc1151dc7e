package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewStorage 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 串行化同一条目的写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	// nameMu 保护缓存目录的创建与删除，避免回收时与 Open 交错。
	nameMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dir(name)
	if err != nil {
		return nil, err
	}

	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dir(name)
	if err != nil {
		return nil, err
	}

	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	exists, err := isDir(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrStoreDeleted
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.dir(name)
	if err != nil {
		return false, err
	}
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return isDir(dir)
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.dir(name)
	if err != nil {
		return false, err
	}

	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	exists, err := isDir(dir)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Match(ctx context.Context, id Identity) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		dir, err := s.dir(name)
		if err != nil {
			continue
		}
		store := &fileStore{storage: s, name: name, dir: dir}
		resp, err := store.Match(ctx, id)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStorage) dir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidName
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileStore 是单个缓存目录，目录被回收后写入会返回 ErrStoreDeleted。
type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, id Identity) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.entryPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	reader := bufio.NewReader(f)
	meta, err := readSnapshotMeta(reader)
	if err != nil {
		f.Close()
		return nil, err
	}
	if meta.Identity != id {
		f.Close()
		return nil, ErrNotFound
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return nil, err
	}
	length := info.Size() - offset + int64(reader.Buffered())
	return buildResponse(meta, readCloser{Reader: reader, Closer: f}, length), nil
}

func (s *fileStore) Put(ctx context.Context, id Identity, resp *http.Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if !id.Cacheable() {
		return ErrUnsupportedMethod
	}

	unlock := s.storage.lockEntry(s.name + "::" + id.key())
	defer unlock()

	s.storage.nameMu.RLock()
	defer s.storage.nameMu.RUnlock()

	// 不使用 MkdirAll：目录已被回收时写入必须失败，避免复活旧版本缓存。
	tempFile, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrStoreDeleted
		}
		return err
	}
	tempName := tempFile.Name()

	err = writeSnapshotMeta(tempFile, newSnapshotMeta(id, resp))
	if err == nil && resp.Body != nil {
		_, err = copyWithContext(ctx, tempFile, resp.Body)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, s.entryPath(id)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.storage.lockEntry(s.name + "::" + id.key())
	defer unlock()

	if err := os.Remove(s.entryPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	ids := make([]Identity, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, err := readMetaFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			// 条目可能在枚举期间被覆盖或删除，跳过即可。
			continue
		}
		ids = append(ids, meta.Identity)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids, nil
}

func (s *fileStore) entryPath(id Identity) string {
	return filepath.Join(s.dir, id.key()+entrySuffix)
}

func readMetaFile(path string) (snapshotMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return snapshotMeta{}, err
	}
	defer f.Close()
	return readSnapshotMeta(bufio.NewReader(f))
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
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
