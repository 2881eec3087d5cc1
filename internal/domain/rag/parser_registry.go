package rag

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ParserRegistry 文档解析器注册表，按扩展名路由
type ParserRegistry struct {
	parsers map[string]Parser // key = ".ext"
}

// NewParserRegistry 创建注册表并注册内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]Parser)}
	r.Register(&PlainTextParser{})
	r.Register(&MarkdownParser{})
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})
	return r
}

// Register 注册解析器，后注册者覆盖同扩展名
func (r *ParserRegistry) Register(p Parser) {
	for _, ext := range p.SupportedTypes() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// Get 根据文件名取解析器
func (r *ParserRegistry) Get(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, fmt.Errorf("%w: filename %q has no extension", ErrInvalidInput, filename)
	}
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported file type %s (supported: %s)", ErrInvalidInput, ext, r.SupportedTypes())
	}
	return p, nil
}

// SupportedTypes 返回支持的扩展名列表（排序后逗号分隔）
func (r *ParserRegistry) SupportedTypes() string {
	exts := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}
