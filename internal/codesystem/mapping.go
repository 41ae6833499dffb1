package codesystem

import (
	"time"
)

type encodeSubID struct {
	encode string
	subID  string
}

// Mapping 命名编码字典；构建后只读，变更时整体替换
type Mapping struct {
	name      string
	tags      []Tag
	createdAt time.Time
	updatedAt time.Time

	byEncode      map[string][]int
	byEncodeSubID map[encodeSubID][]int
	bySubID       map[string][]int
}

// newMapping 复制 tags 并建立索引
func newMapping(name string, tags []Tag, createdAt, updatedAt time.Time) *Mapping {
	m := &Mapping{
		name:          name,
		tags:          cloneTags(tags),
		createdAt:     createdAt,
		updatedAt:     updatedAt,
		byEncode:      make(map[string][]int),
		byEncodeSubID: make(map[encodeSubID][]int),
		bySubID:       make(map[string][]int),
	}
	if m.tags == nil {
		m.tags = []Tag{}
	}
	for i, t := range m.tags {
		if t.Encode != "" {
			m.byEncode[t.Encode] = append(m.byEncode[t.Encode], i)
		}
		if t.SubID != "" {
			m.bySubID[t.SubID] = append(m.bySubID[t.SubID], i)
			if t.Encode != "" {
				k := encodeSubID{t.Encode, t.SubID}
				m.byEncodeSubID[k] = append(m.byEncodeSubID[k], i)
			}
		}
	}
	return m
}

// Name 字典名
func (m *Mapping) Name() string { return m.name }

// CreatedAt 创建时间
func (m *Mapping) CreatedAt() time.Time { return m.createdAt }

// UpdatedAt 最后更新时间
func (m *Mapping) UpdatedAt() time.Time { return m.updatedAt }

// Len 标签数
func (m *Mapping) Len() int { return len(m.tags) }

// Tags 标签列表的深拷贝
func (m *Mapping) Tags() []Tag {
	return cloneTags(m.tags)
}

// Snapshot 可序列化视图
func (m *Mapping) Snapshot() *MappingSnapshot {
	return &MappingSnapshot{
		Name:      m.name,
		Tags:      m.Tags(),
		CreatedAt: m.createdAt,
		UpdatedAt: m.updatedAt,
	}
}

// Description 按 (encode, subid) 解析描述
func (m *Mapping) Description(encode, subID string) (string, bool) {
	return m.resolve(encode, subID, false, func(t *Tag) string { return t.Description })
}

// ObservationType 按 (encode, subid) 解析观察类型
func (m *Mapping) ObservationType(encode, subID string) (string, bool) {
	return m.resolve(encode, subID, false, func(t *Tag) string { return t.ObservationType })
}

// SourceChannel 解析 "source/channel"
// 通道由 subid 决定，(encode, subid) 未命中时先按 subid 查找再按 encode。
func (m *Mapping) SourceChannel(encode, subID string) (string, bool) {
	return m.resolve(encode, subID, true, func(t *Tag) string { return t.SourceChannel() })
}

// resolve 查找顺序：
//  1. subid 非空：(encode, subid)，encode 为空或 bySubID 时再仅按 subid
//  2. 按 encode 取第一个该属性非空的标签
func (m *Mapping) resolve(encode, subID string, bySubID bool, attr func(*Tag) string) (string, bool) {
	if subID != "" {
		if encode != "" {
			if v, ok := m.first(m.byEncodeSubID[encodeSubID{encode, subID}], attr); ok {
				return v, true
			}
		}
		if encode == "" || bySubID {
			if v, ok := m.first(m.bySubID[subID], attr); ok {
				return v, true
			}
		}
	}
	if encode == "" {
		return "", false
	}
	return m.first(m.byEncode[encode], attr)
}

func (m *Mapping) first(idx []int, attr func(*Tag) string) (string, bool) {
	for _, i := range idx {
		if v := attr(&m.tags[i]); v != "" {
			return v, true
		}
	}
	return "", false
}

// MappingSnapshot 字典的可序列化视图（API 输出与持久化格式）
type MappingSnapshot struct {
	Name      string    `json:"name,omitempty"`
	Tags      []Tag     `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
