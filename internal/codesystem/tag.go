package codesystem

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Tag 编码字典中的一行
// encode 可以重复，以 subid 区分
type Tag struct {
	Encode          string
	Description     string
	ObservationType string
	DataType        string
	ParameterLabel  string
	EncodeSystem    string
	SubID           string
	Source          string
	Channel         string
	// Extra 其他未建模的属性，原样保留
	Extra map[string]string
}

// 字典属性名（XML 元素/属性名与 JSON 键一致）
const (
	keyEncode          = "encode"
	keyDescription     = "description"
	keyObservationType = "observationtype"
	keyDataType        = "datatype"
	keyParameterLabel  = "parameterlabel"
	keyEncodeSystem    = "encodesystem"
	keySubID           = "subid"
	keySource          = "source"
	keyChannel         = "channel"
)

func (t *Tag) field(key string) *string {
	switch key {
	case keyEncode:
		return &t.Encode
	case keyDescription:
		return &t.Description
	case keyObservationType:
		return &t.ObservationType
	case keyDataType:
		return &t.DataType
	case keyParameterLabel:
		return &t.ParameterLabel
	case keyEncodeSystem:
		return &t.EncodeSystem
	case keySubID:
		return &t.SubID
	case keySource:
		return &t.Source
	case keyChannel:
		return &t.Channel
	}
	return nil
}

func (t *Tag) set(key, value string) {
	if p := t.field(strings.ToLower(key)); p != nil {
		*p = value
		return
	}
	if t.Extra == nil {
		t.Extra = make(map[string]string)
	}
	t.Extra[key] = value
}

// Clone 深拷贝
func (t Tag) Clone() Tag {
	out := t
	if t.Extra != nil {
		out.Extra = make(map[string]string, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// SourceChannel source/channel 组合；任一为空时返回空串
func (t Tag) SourceChannel() string {
	if t.Source == "" || t.Channel == "" {
		return ""
	}
	return t.Source + "/" + t.Channel
}

// MarshalJSON 以扁平对象输出，空属性省略
func (t Tag) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, 9+len(t.Extra))
	for k, v := range t.Extra {
		m[k] = v
	}
	for _, k := range []string{keyEncode, keyDescription, keyObservationType, keyDataType,
		keyParameterLabel, keyEncodeSystem, keySubID, keySource, keyChannel} {
		if v := *t.field(k); v != "" {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON 接受扁平对象；非字符串值按 JSON 文本保存
func (t *Tag) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tag must be an object: %w", err)
	}
	*t = Tag{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			if string(v) == "null" {
				continue
			}
			s = string(v)
		}
		t.set(k, s)
	}
	return nil
}

// UnmarshalXML 同时支持属性形式和子元素形式
//
//	<tag encode="68484" description="HR"/>
//	<tag><encode>68484</encode><description>HR</description></tag>
func (t *Tag) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	*t = Tag{}
	for _, attr := range start.Attr {
		t.set(attr.Name.Local, strings.TrimSpace(attr.Value))
	}

	var (
		current string
		text    strings.Builder
		depth   int
	)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return fmt.Errorf("unexpected EOF in tag element")
		}
		if err != nil {
			return err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				current = el.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 1 {
				text.Write(el)
			}
		case xml.EndElement:
			if depth == 0 {
				return nil
			}
			if depth == 1 && current != "" {
				t.set(current, strings.TrimSpace(text.String()))
				current = ""
			}
			depth--
		}
	}
}

func cloneTags(tags []Tag) []Tag {
	if tags == nil {
		return nil
	}
	out := make([]Tag, len(tags))
	for i, t := range tags {
		out[i] = t.Clone()
	}
	return out
}
