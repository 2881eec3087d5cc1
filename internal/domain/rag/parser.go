package rag

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	applog "ragweave/internal/platform/log"
)

// ── Parser 接口 ───────────────────────────────────────────────

// ParseResult 文档解析结果
type ParseResult struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Pages    int               `json:"pages,omitempty"`
}

// Parser 文档解析器接口
type Parser interface {
	// Parse 解析文档，返回纯文本内容
	Parse(reader io.Reader, filename string) (*ParseResult, error)
	// SupportedTypes 支持的文件扩展名
	SupportedTypes() []string
}

// ── Plain Text Parser ────────────────────────────────────────

// PlainTextParser 纯文本类文件直读
type PlainTextParser struct{}

func (p *PlainTextParser) SupportedTypes() []string {
	return []string{".txt", ".text", ".csv", ".log"}
}

func (p *PlainTextParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	return &ParseResult{
		Content:  strings.TrimSpace(string(data)),
		Metadata: map[string]string{"format": strings.ToLower(filepath.Ext(filename))},
	}, nil
}

// ── Markdown Parser ──────────────────────────────────────────

// MarkdownParser 去除 Markdown 标记，保留正文与代码块内容
type MarkdownParser struct{}

var (
	reMDFence   = regexp.MustCompile("```[a-zA-Z0-9_-]*\n?")
	reMDImage   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reMDLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reMDMark    = regexp.MustCompile("[*_`]{1,3}")
	reMDHeading = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	reMDTag     = regexp.MustCompile(`<[^>\n]+>`)
)

func (p *MarkdownParser) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	text := string(data)

	meta := map[string]string{"format": "markdown"}
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "# ") {
			meta["title"] = strings.TrimPrefix(t, "# ")
			break
		}
	}

	text = reMDFence.ReplaceAllString(text, "")
	text = reMDImage.ReplaceAllString(text, "$1")
	text = reMDLink.ReplaceAllString(text, "$1")
	text = reMDHeading.ReplaceAllString(text, "")
	text = reMDMark.ReplaceAllString(text, "")
	text = reMDTag.ReplaceAllString(text, "")

	return &ParseResult{
		Content:  strings.TrimSpace(squashNewlines(text)),
		Metadata: meta,
	}, nil
}

// ── PDF Parser ───────────────────────────────────────────────

// PDFParser 提取 PDF 文本，单页失败跳过不中断
type PDFParser struct{}

func (p *PDFParser) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	// pdf 库需要 io.ReaderAt + size，先读到内存
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[RAG/Parser] PDF page extraction failed", "file", filename, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}

	return &ParseResult{
		Content: strings.TrimSpace(squashNewlines(sb.String())),
		Pages:   pages,
		Metadata: map[string]string{
			"format": "pdf",
			"pages":  fmt.Sprintf("%d", pages),
		},
	}, nil
}

// ── DOCX Parser ──────────────────────────────────────────────

// DOCXParser 提取 Word 文档文本
type DOCXParser struct{}

var (
	reDocxPara = regexp.MustCompile(`</w:p>`)
	reDocxText = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
)

func (p *DOCXParser) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	// 文档内容为 XML：按段落标签切分，段内拼接所有 <w:t> 文本
	raw := r.Editable().GetContent()
	var sb strings.Builder
	for _, para := range reDocxPara.Split(raw, -1) {
		var line strings.Builder
		for _, m := range reDocxText.FindAllStringSubmatch(para, -1) {
			line.WriteString(m[1])
		}
		if t := strings.TrimSpace(line.String()); t != "" {
			sb.WriteString(t)
			sb.WriteString("\n")
		}
	}

	return &ParseResult{
		Content:  strings.TrimSpace(squashNewlines(sb.String())),
		Metadata: map[string]string{"format": "docx"},
	}, nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

var reBlankRuns = regexp.MustCompile(`\n{3,}`)

func squashNewlines(text string) string {
	return reBlankRuns.ReplaceAllString(text, "\n\n")
}
