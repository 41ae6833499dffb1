package codesystem

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MapFileSuffix 字典源文件命名约定 <name>_map.xml
const MapFileSuffix = "_map.xml"

// ErrNoTags XML 中没有 tag 元素
var ErrNoTags = errors.New("codesystem: no tag elements found")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseXML 解析字典 XML；先去掉 BOM，收集所有 <tag> 元素（文档顺序）
func ParseXML(data []byte) ([]Tag, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		// 字典文件声明的编码均兼容 UTF-8
		return input, nil
	}

	var tags []Tag
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse code system XML: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		if se.Name.Local != "tag" {
			continue
		}
		var t Tag
		if err := dec.DecodeElement(&t, &se); err != nil {
			return nil, fmt.Errorf("failed to parse tag %d: %w", len(tags)+1, err)
		}
		tags = append(tags, t)
	}
	if !sawRoot {
		return nil, fmt.Errorf("failed to parse code system XML: no root element")
	}
	if len(tags) == 0 {
		return nil, ErrNoTags
	}
	return tags, nil
}

// LoadXMLFile 读取并解析字典文件
func LoadXMLFile(path string) ([]Tag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read code system file: %w", err)
	}
	return ParseXML(data)
}

// NameFromPath 由文件名推导字典名：去掉目录、扩展名和 "_map" 后缀
func NameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.LastIndex(base, "_map"); i > 0 {
		base = base[:i]
	}
	return base
}

// ListMappingFiles 列出目录中 *_map.xml 对应的字典名（排序、去重）
func ListMappingFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping directory: %w", err)
	}
	seen := make(map[string]struct{})
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), MapFileSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), MapFileSuffix)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
