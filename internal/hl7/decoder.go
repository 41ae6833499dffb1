package hl7

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyMessage 负载中没有任何段
var ErrEmptyMessage = errors.New("hl7: empty message")

// Delimiters 消息分隔符
type Delimiters struct {
	Segment      byte
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters 标准 HL7 v2 分隔符
var DefaultDelimiters = Delimiters{
	Segment:      '\r',
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// EncodingCharacters MSH-2 形式的编码字符
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.SubComponent})
}

// Decoder 消息解码器
type Decoder struct {
	delimiters Delimiters
	fromHeader bool
}

// DecoderOption 解码器选项
type DecoderOption func(*Decoder)

// WithDelimiters 覆盖默认分隔符
func WithDelimiters(d Delimiters) DecoderOption {
	return func(dec *Decoder) {
		dec.delimiters = d
	}
}

// WithHeaderDelimiters 是否从 MSH-1/MSH-2 读取分隔符（默认开启）
func WithHeaderDelimiters(enabled bool) DecoderOption {
	return func(dec *Decoder) {
		dec.fromHeader = enabled
	}
}

// NewDecoder 创建解码器
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{delimiters: DefaultDelimiters, fromHeader: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode 将负载解析为段/字段/组件结构
// 首段不是 MSH 时仍然解码，由调用方判断必需段是否存在。
func (d *Decoder) Decode(payload []byte) (*Message, error) {
	text := string(payload)
	delims := d.delimiters

	content := text
	if delims.Segment == '\r' {
		content = strings.ReplaceAll(content, "\r\n", "\r")
		content = strings.ReplaceAll(content, "\n", "\r")
	}
	lines := strings.Split(content, string(delims.Segment))

	if d.fromHeader {
		for _, line := range lines {
			if line == "" {
				continue
			}
			if hd, ok := headerDelimiters(line, delims); ok {
				delims = hd
			}
			break
		}
	}

	msg := &Message{delimiters: delims, raw: text}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, fmt.Errorf("failed to parse segment %d: %w", i+1, err)
		}
		msg.segments = append(msg.segments, seg)
	}

	if len(msg.segments) == 0 {
		return nil, ErrEmptyMessage
	}
	return msg, nil
}

// headerDelimiters 从 "MSH|^~\&|..." 读取分隔符
func headerDelimiters(line string, base Delimiters) (Delimiters, bool) {
	if !strings.HasPrefix(line, SegmentMSH) || len(line) < 4 {
		return base, false
	}
	d := base
	d.Field = line[3]
	rest := line[4:]
	if end := strings.IndexByte(rest, d.Field); end >= 0 {
		rest = rest[:end]
	}
	targets := []*byte{&d.Component, &d.Repetition, &d.Escape, &d.SubComponent}
	for i := 0; i < len(rest) && i < len(targets); i++ {
		*targets[i] = rest[i]
	}
	return d, true
}

func parseSegment(line string, d Delimiters) (*Segment, error) {
	parts := strings.Split(line, string(d.Field))
	name := parts[0]
	if len(name) != 3 {
		return nil, fmt.Errorf("invalid segment name %q", name)
	}

	seg := &Segment{Name: name, raw: line}
	if name == SegmentMSH {
		// MSH-1 是字段分隔符本身，MSH-2 是编码字符（不拆分组件）
		seg.fields = make([]Field, 0, len(parts)+1)
		seg.fields = append(seg.fields, Field{value: name}, Field{value: string(d.Field)})
		for i, p := range parts[1:] {
			seg.fields = append(seg.fields, newField(p, d.Component, i > 0))
		}
		return seg, nil
	}

	seg.fields = make([]Field, 0, len(parts))
	seg.fields = append(seg.fields, Field{value: name})
	for _, p := range parts[1:] {
		seg.fields = append(seg.fields, newField(p, d.Component, true))
	}
	return seg, nil
}
