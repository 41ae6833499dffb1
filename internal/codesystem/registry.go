package codesystem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// 失败原因
const (
	MsgInvalidName         = "Invalid mapping name"
	MsgNameExists          = "A mapping with this name already exists"
	MsgSourceNotFound      = "Source mapping not found"
	MsgInvalidTargetName   = "Invalid target mapping name"
	MsgTargetExists        = "A mapping with the target name already exists"
	MsgMappingNotFound     = "Custom tag mapping not found"
	MsgTagsMustBeArray     = "Tags must be an array"
	MsgPersistFailedPrefix = "Failed to persist mapping"
	MsgReservedName        = "Mapping name is reserved"
)

// ReservedName 管理接口中已占用的路径段，不能作为字典名
const ReservedName = "loaded"

// Result 管理操作的结果；失败时 Message 给出原因
type Result struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Mapping *MappingSnapshot `json:"mapping,omitempty"`
}

func failure(msg string) Result {
	return Result{Success: false, Message: msg}
}

// Registry 进程内字典注册表
// 读取走原子快照，不加锁；变更互斥执行，先持久化再整体替换快照。
type Registry struct {
	state atomic.Pointer[map[string]*Mapping]
	mu    sync.Mutex

	defaultName atomic.Pointer[string]

	store  Store
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// Options 注册表配置
type Options struct {
	// Store 为 nil 时变更只保存在内存
	Store Store
	// Dir 扫描 *_map.xml 的目录
	Dir string
	// DefaultName 解析时未指定字典名使用的字典
	DefaultName string
}

// NewRegistry 创建空注册表
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	r := &Registry{
		store:  opts.Store,
		dir:    opts.Dir,
		logger: logger,
		now:    time.Now,
	}
	empty := make(map[string]*Mapping)
	r.state.Store(&empty)
	name := opts.DefaultName
	r.defaultName.Store(&name)
	return r
}

func (r *Registry) load() map[string]*Mapping {
	return *r.state.Load()
}

// DefaultName 默认字典名
func (r *Registry) DefaultName() string {
	return *r.defaultName.Load()
}

// Mapping 取字典快照；name 为空时取默认字典
func (r *Registry) Mapping(name string) (*Mapping, bool) {
	if name == "" {
		name = r.DefaultName()
	}
	m, ok := r.load()[name]
	return m, ok
}

// ResolveDescription 解析描述；字典不存在时返回 absent
func (r *Registry) ResolveDescription(name, encode, subID string) (string, bool) {
	m, ok := r.Mapping(name)
	if !ok {
		return "", false
	}
	return m.Description(encode, subID)
}

// ResolveObservationType 解析观察类型
func (r *Registry) ResolveObservationType(name, encode, subID string) (string, bool) {
	m, ok := r.Mapping(name)
	if !ok {
		return "", false
	}
	return m.ObservationType(encode, subID)
}

// ResolveSourceChannel 解析 source/channel
func (r *Registry) ResolveSourceChannel(name, encode, subID string) (string, bool) {
	m, ok := r.Mapping(name)
	if !ok {
		return "", false
	}
	return m.SourceChannel(encode, subID)
}

// ListMappingNames 扫描目录中的字典源文件名，与内存中已加载的无关
func (r *Registry) ListMappingNames() ([]string, error) {
	return ListMappingFiles(r.dir)
}

// LoadedNames 内存中的字典名（排序）
func (r *Registry) LoadedNames() []string {
	state := r.load()
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetMapping 取字典快照
func (r *Registry) GetMapping(name string) Result {
	m, ok := r.load()[name]
	if !ok {
		return failure(MsgMappingNotFound)
	}
	return Result{Success: true, Message: "ok", Mapping: m.Snapshot()}
}

// LoadDefault 从 XML 文件加载默认字典（不写入 Store）
// name 为空时由文件名推导；解析失败时注册表不变。
func (r *Registry) LoadDefault(path, name string) error {
	tags, err := LoadXMLFile(path)
	if err != nil {
		return err
	}
	if name == "" {
		name = NameFromPath(path)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid mapping name derived from %s", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.load()[name]; exists {
		return fmt.Errorf("mapping %s already exists", name)
	}
	now := r.now()
	r.swap(func(next map[string]*Mapping) {
		next[name] = newMapping(name, tags, now, now)
	})
	if r.DefaultName() == "" {
		r.defaultName.Store(&name)
	}
	r.logger.Info("Code system loaded",
		zap.String("name", name),
		zap.String("path", path),
		zap.Int("tags", len(tags)),
	)
	return nil
}

// LoadPersisted 加载 Store 中的自定义字典；同名条目覆盖已加载的字典
func (r *Registry) LoadPersisted(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	entries, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load custom mappings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	r.swap(func(next map[string]*Mapping) {
		for _, e := range entries {
			if strings.TrimSpace(e.Name) == "" {
				continue
			}
			createdAt, updatedAt := e.CreatedAt, e.UpdatedAt
			if createdAt.IsZero() {
				createdAt = r.now()
			}
			if updatedAt.IsZero() {
				updatedAt = createdAt
			}
			if _, exists := next[e.Name]; exists {
				r.logger.Info("Custom mapping overrides loaded mapping", zap.String("name", e.Name))
			}
			next[e.Name] = newMapping(e.Name, e.Tags, createdAt, updatedAt)
			loaded++
		}
	})
	return loaded, nil
}

// CreateMapping 新建字典
func (r *Registry) CreateMapping(ctx context.Context, name string, tags []Tag) Result {
	if strings.TrimSpace(name) == "" {
		return failure(MsgInvalidName)
	}
	if name == ReservedName {
		return failure(MsgReservedName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.load()[name]; exists {
		return failure(MsgNameExists)
	}
	now := r.now()
	m := newMapping(name, tags, now, now)
	if res, ok := r.persist(ctx, m); !ok {
		return res
	}
	r.swap(func(next map[string]*Mapping) { next[name] = m })

	return Result{Success: true, Message: "Custom tag mapping created successfully", Mapping: m.Snapshot()}
}

// CloneMapping 深拷贝 source 的标签为新字典 target
func (r *Registry) CloneMapping(ctx context.Context, source, target string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.load()
	src, ok := state[source]
	if !ok {
		return failure(MsgSourceNotFound)
	}
	if strings.TrimSpace(target) == "" {
		return failure(MsgInvalidTargetName)
	}
	if target == ReservedName {
		return failure(MsgReservedName)
	}
	if _, exists := state[target]; exists {
		return failure(MsgTargetExists)
	}
	now := r.now()
	m := newMapping(target, src.tags, now, now)
	if res, ok := r.persist(ctx, m); !ok {
		return res
	}
	r.swap(func(next map[string]*Mapping) { next[target] = m })

	return Result{
		Success: true,
		Message: fmt.Sprintf("Custom tag mapping %q cloned to %q successfully", source, target),
		Mapping: m.Snapshot(),
	}
}

// UpdateMapping 替换标签列表；tags 为 nil 表示调用方没有提供数组
func (r *Registry) UpdateMapping(ctx context.Context, name string, tags []Tag) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.load()[name]
	if !ok {
		return failure(MsgMappingNotFound)
	}
	if tags == nil {
		return failure(MsgTagsMustBeArray)
	}
	updatedAt := r.now()
	if !updatedAt.After(old.updatedAt) {
		updatedAt = old.updatedAt.Add(time.Millisecond)
	}
	m := newMapping(name, tags, old.createdAt, updatedAt)
	if res, ok := r.persist(ctx, m); !ok {
		return res
	}
	r.swap(func(next map[string]*Mapping) { next[name] = m })

	return Result{Success: true, Message: "Custom tag mapping updated successfully", Mapping: m.Snapshot()}
}

// DeleteMapping 删除字典
func (r *Registry) DeleteMapping(ctx context.Context, name string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.load()[name]; !ok {
		return failure(MsgMappingNotFound)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, name); err != nil {
			r.logger.Error("Failed to delete persisted mapping", zap.String("name", name), zap.Error(err))
			return failure(fmt.Sprintf("%s: %v", MsgPersistFailedPrefix, err))
		}
	}
	r.swap(func(next map[string]*Mapping) { delete(next, name) })

	return Result{Success: true, Message: "Custom tag mapping deleted successfully"}
}

func (r *Registry) persist(ctx context.Context, m *Mapping) (Result, bool) {
	if r.store == nil {
		return Result{}, true
	}
	if err := r.store.Save(ctx, m.Snapshot()); err != nil {
		r.logger.Error("Failed to persist mapping", zap.String("name", m.name), zap.Error(err))
		return failure(fmt.Sprintf("%s: %v", MsgPersistFailedPrefix, err)), false
	}
	return Result{}, true
}

// swap 复制当前映射表、修改后原子替换；调用方持有 mu
func (r *Registry) swap(mutate func(next map[string]*Mapping)) {
	current := r.load()
	next := make(map[string]*Mapping, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	mutate(next)
	r.state.Store(&next)
}
