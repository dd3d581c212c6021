package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
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

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；读取依赖 rename 的原子性，无需加锁。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .entry 文件首行的 JSON 元数据，其后紧跟响应正文。
type entryMeta struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

type fileCache struct {
	store *fileStore
	name  string
}

func (s *fileStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	return &fileCache{store: s, name: name}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	return isDir(dir)
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	ok, err := isDir(dir)
	if err != nil || !ok {
		return false, err
	}
	// 先改名移出可见范围，进行中的 Put 随后只会因目录消失而失败。
	trash, err := os.MkdirTemp(s.basePath, ".deleted-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, os.RemoveAll(trash)
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Commit(ctx context.Context, name string, entries []*Snapshot) error {
	dir, err := s.cacheDir(name)
	if err != nil {
		return err
	}
	exists, err := isDir(dir)
	if err != nil {
		return err
	}
	if exists {
		return s.putAll(ctx, name, entries)
	}

	// 新缓存先在 staging 目录写完整，再整体 rename，保证不会留下半成品。
	staging, err := os.MkdirTemp(s.basePath, ".staging-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	for _, entry := range entries {
		if err := writeEntryFile(ctx, staging, entry); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
	}

	if err := os.Rename(staging, dir); err != nil {
		// 并发 Commit 抢先创建了同名目录，此时退化为逐条写入。
		if ok, _ := isDir(dir); ok {
			return s.putAll(ctx, name, entries)
		}
		return err
	}
	return nil
}

func (s *fileStore) putAll(ctx context.Context, name string, entries []*Snapshot) error {
	for _, entry := range entries {
		if err := s.put(ctx, name, entry); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
	}
	return nil
}

func (s *fileStore) put(ctx context.Context, name string, snapshot *Snapshot) error {
	unlock, err := s.lockEntry(name, snapshot.Key)
	if err != nil {
		return err
	}
	defer unlock()

	dir, err := s.cacheDir(name)
	if err != nil {
		return err
	}
	exists, err := isDir(dir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("put %s: %w", name, ErrNotFound)
	}
	if err := writeEntryFile(ctx, dir, snapshot); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("put %s: %w", name, ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *fileStore) match(ctx context.Context, name string, key Key) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(name, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Key:      Key{Method: meta.Method, URL: meta.URL},
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) keys(ctx context.Context, name string) ([]Key, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		meta, err := readMetaFile(filepath.Join(dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, Key{Method: meta.Method, URL: meta.URL})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *fileStore) lockEntry(name string, key Key) (func(), error) {
	lockKey := name + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) cacheDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStore) entryPath(name string, key Key) (string, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, entryFileName(key)), nil
}

func (c *fileCache) Name() string { return c.name }

func (c *fileCache) Match(ctx context.Context, key Key) (*Snapshot, error) {
	return c.store.match(ctx, c.name, key)
}

func (c *fileCache) Put(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("nil snapshot")
	}
	return c.store.put(ctx, c.name, snapshot)
}

func (c *fileCache) Keys(ctx context.Context) ([]Key, error) {
	return c.store.keys(ctx, c.name)
}

func entryFileName(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return hex.EncodeToString(sum[:]) + entrySuffix
}

// writeEntryFile 通过临时文件 + rename 写入单个条目，失败时清理临时文件。
func writeEntryFile(ctx context.Context, dir string, snapshot *Snapshot) error {
	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entryMeta{
		Method:   snapshot.Key.Method,
		URL:      snapshot.Key.URL,
		Status:   snapshot.Status,
		Header:   snapshot.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(meta), strings.NewReader("\n"), bytes.NewReader(snapshot.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(dir, entryFileName(snapshot.Key))); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func readMetaFile(filePath string) (entryMeta, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	return readMeta(bufio.NewReader(f))
}

func readMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, fmt.Errorf("missing entry header: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func isDir(p string) (bool, error) {
	info, err := os.Stat(p)
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
