package codesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// Store 自定义字典的持久化
type Store interface {
	Save(ctx context.Context, m *MappingSnapshot) error
	Delete(ctx context.Context, name string) error
	LoadAll(ctx context.Context) ([]*MappingSnapshot, error)
}

// lockTimeout 等待文件锁的上限
const lockTimeout = 5 * time.Second

// FileStore JSON 文件存储：顶层键为字典名，值为 {tags, createdAt, updatedAt}
// 同一文件旁的 .lock 文件保证多进程写入互斥
type FileStore struct {
	path string
	lock *flock.Flock
}

var _ Store = (*FileStore)(nil)

// NewFileStore 创建文件存储
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path 文件路径
func (s *FileStore) Path() string {
	return s.path
}

// Save 写入或覆盖一个字典
func (s *FileStore) Save(ctx context.Context, m *MappingSnapshot) error {
	return s.update(ctx, func(doc map[string]*MappingSnapshot) {
		entry := *m
		entry.Name = ""
		doc[m.Name] = &entry
	})
}

// Delete 删除一个字典；不存在时不报错
func (s *FileStore) Delete(ctx context.Context, name string) error {
	return s.update(ctx, func(doc map[string]*MappingSnapshot) {
		delete(doc, name)
	})
}

// LoadAll 读取全部字典（按名字排序）；文件不存在时返回空
func (s *FileStore) LoadAll(ctx context.Context) ([]*MappingSnapshot, error) {
	if err := s.acquire(ctx, false); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*MappingSnapshot, 0, len(names))
	for _, name := range names {
		entry := doc[name]
		if entry == nil {
			continue
		}
		entry.Name = name
		out = append(out, entry)
	}
	return out, nil
}

func (s *FileStore) update(ctx context.Context, mutate func(map[string]*MappingSnapshot)) error {
	if err := s.acquire(ctx, true); err != nil {
		return err
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	mutate(doc)
	return s.write(doc)
}

func (s *FileStore) acquire(ctx context.Context, exclusive bool) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, 50*time.Millisecond)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, 50*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.path, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s: timeout", s.path)
	}
	return nil
}

func (s *FileStore) read() (map[string]*MappingSnapshot, error) {
	doc := make(map[string]*MappingSnapshot)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	return doc, nil
}

// write 先写临时文件再重命名，避免读到半个文件
func (s *FileStore) write(doc map[string]*MappingSnapshot) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode mappings: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// MultiStore 同时写入多个存储（文件 + SQL 镜像）；读取使用第一个
type MultiStore struct {
	stores []Store
}

var _ Store = (*MultiStore)(nil)

// NewMultiStore 创建组合存储
func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

// Save 依次保存，遇错即停
func (s *MultiStore) Save(ctx context.Context, m *MappingSnapshot) error {
	for _, st := range s.stores {
		if err := st.Save(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Delete 依次删除，遇错即停
func (s *MultiStore) Delete(ctx context.Context, name string) error {
	for _, st := range s.stores {
		if err := st.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll 从第一个存储读取
func (s *MultiStore) LoadAll(ctx context.Context) ([]*MappingSnapshot, error) {
	if len(s.stores) == 0 {
		return nil, nil
	}
	return s.stores[0].LoadAll(ctx)
}
