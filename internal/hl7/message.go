package hl7

import "strings"

// 常用段名
const (
	SegmentMSH = "MSH"
	SegmentPID = "PID"
	SegmentPV1 = "PV1"
	SegmentOBR = "OBR"
	SegmentOBX = "OBX"
)

// Field 字段；无组件分隔符时即为单个组件
type Field struct {
	value      string
	components []string
}

func newField(value string, componentSep byte, split bool) Field {
	f := Field{value: value}
	if split && strings.IndexByte(value, componentSep) >= 0 {
		f.components = strings.Split(value, string(componentSep))
	}
	return f
}

// String 字段原始文本
func (f Field) String() string {
	return f.value
}

// IsComposite 字段是否含多个组件
func (f Field) IsComposite() bool {
	return len(f.components) > 1
}

// Components 组件列表（简单字段返回只含自身的列表）
func (f Field) Components() []string {
	if f.components == nil {
		return []string{f.value}
	}
	out := make([]string, len(f.components))
	copy(out, f.components)
	return out
}

// Component 按 0 起始下标取组件；负数从末尾计，-1 为最后一个
func (f Field) Component(index int) (string, bool) {
	n := len(f.components)
	if f.components == nil {
		n = 1
	}
	if index < 0 {
		index += n
	}
	if index < 0 || index >= n {
		return "", false
	}
	if f.components == nil {
		return f.value, true
	}
	return f.components[index], true
}

// Segment 段：Name 加按 HL7 序号编号的字段
type Segment struct {
	Name   string
	fields []Field // fields[0] 为段名，fields[n] 即 SEG-n
	raw    string
}

// Field 按 HL7 序号取字段（MSH-1 为字段分隔符本身）
func (s *Segment) Field(seq int) (Field, bool) {
	if s == nil || seq <= 0 || seq >= len(s.fields) {
		return Field{}, false
	}
	return s.fields[seq], true
}

// FieldString 字段文本，缺失时为空字符串
func (s *Segment) FieldString(seq int) string {
	f, _ := s.Field(seq)
	return f.value
}

// Component 取 SEG-seq 的第 index 个组件
func (s *Segment) Component(seq, index int) (string, bool) {
	f, ok := s.Field(seq)
	if !ok {
		return "", false
	}
	return f.Component(index)
}

// FieldCount 最大字段序号
func (s *Segment) FieldCount() int {
	if s == nil || len(s.fields) == 0 {
		return 0
	}
	return len(s.fields) - 1
}

// Raw 段原始文本
func (s *Segment) Raw() string {
	return s.raw
}

// Message 解码后的消息
type Message struct {
	segments   []*Segment
	delimiters Delimiters
	raw        string
}

// Header MSH 段（要求位于首位）
func (m *Message) Header() (*Segment, bool) {
	if len(m.segments) == 0 || m.segments[0].Name != SegmentMSH {
		return nil, false
	}
	return m.segments[0], true
}

// Segment 第一个同名段
func (m *Message) Segment(name string) (*Segment, bool) {
	for _, s := range m.segments {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Segments 所有同名段（文档顺序）
func (m *Message) Segments(name string) []*Segment {
	var out []*Segment
	for _, s := range m.segments {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// AllSegments 全部段
func (m *Message) AllSegments() []*Segment {
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Delimiters 解码时使用的分隔符
func (m *Message) Delimiters() Delimiters {
	return m.delimiters
}

// Raw 原始消息文本
func (m *Message) Raw() string {
	return m.raw
}

// Type MSH-9.1 消息类型
func (m *Message) Type() string {
	h, ok := m.Header()
	if !ok {
		return ""
	}
	v, _ := h.Component(9, 0)
	return v
}

// TriggerEvent MSH-9.2 触发事件
func (m *Message) TriggerEvent() string {
	h, ok := m.Header()
	if !ok {
		return ""
	}
	v, _ := h.Component(9, 1)
	return v
}

// ControlID MSH-10
func (m *Message) ControlID() string {
	h, ok := m.Header()
	if !ok {
		return ""
	}
	return h.FieldString(10)
}

// Matches 消息类型与触发事件是否同时匹配
func (m *Message) Matches(msgType, event string) bool {
	return m.Type() == msgType && m.TriggerEvent() == event
}
