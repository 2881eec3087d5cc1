package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chunker 文档分块器。优先在段落/句子边界切分，超长段落退化为硬切分。
// 相同输入与参数下输出确定。
type Chunker struct {
	chunkSize    int
	overlap      int
	hierarchical bool
}

// NewChunker 创建分块器。重叠不得吞掉整个块，超界时回落到 chunkSize/10。
func NewChunker(chunkSize, overlap int, hierarchical bool) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 10
	}
	return &Chunker{
		chunkSize:    chunkSize,
		overlap:      overlap,
		hierarchical: hierarchical,
	}
}

// Chunk 将文本切分为有序块，Ordinal 从 0 连续递增。
// 层级模式下额外产出 3×chunkSize 的父块，父块跟在子块之后，不参与检索。
func (c *Chunker) Chunk(docID, text string) ([]Chunk, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyDocument
	}

	segments := c.split(trimmed)
	chunks := make([]Chunk, 0, len(segments))
	for i, seg := range segments {
		content := seg
		if i > 0 && c.overlap > 0 {
			// 重叠取前一片段尾部，换行符与重叠一起算入预算，块长不会超过 chunkSize
			content = tailRunes(segments[i-1], c.overlap) + "\n" + seg
		}
		chunks = append(chunks, Chunk{
			ID:      fmt.Sprintf("%s_chunk_%d", docID, i),
			DocID:   docID,
			Ordinal: i,
			Text:    content,
			Length:  utf8.RuneCountInString(content),
		})
	}

	if c.hierarchical {
		chunks = append(chunks, c.buildParents(docID, segments, chunks)...)
	}
	return chunks, nil
}

// split 产出不超过预算的原始片段（不含重叠），重叠在组装阶段补入。
func (c *Chunker) split(text string) []string {
	budget := c.chunkSize
	if c.overlap > 0 {
		budget = c.chunkSize - c.overlap - 1
	}
	if budget < 1 {
		budget = 1
	}

	var segs []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, para := range splitParagraphs(text) {
		paraLen := utf8.RuneCountInString(para)

		if paraLen > budget {
			flush()
			segs = append(segs, splitOversized(para, budget)...)
			continue
		}

		sep := 0
		if curLen > 0 {
			sep = 1
		}
		if curLen+sep+paraLen > budget {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteString("\n")
			curLen++
		}
		cur.WriteString(para)
		curLen += paraLen
	}
	flush()

	return segs
}

// buildParents 将连续子片段聚合为 3×chunkSize 的父块，子块通过 ParentID 单向引用。
func (c *Chunker) buildParents(docID string, segments []string, children []Chunk) []Chunk {
	limit := c.chunkSize * 3
	var parents []Chunk

	start := 0
	curLen := 0
	pidx := 0

	flush := func(end int) {
		if end <= start {
			return
		}
		var sb strings.Builder
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString("\n\n")
			}
			sb.WriteString(segments[i])
		}
		id := fmt.Sprintf("%s_parent_%d", docID, pidx)
		parents = append(parents, Chunk{
			ID:       id,
			DocID:    docID,
			Ordinal:  pidx,
			Text:     sb.String(),
			Length:   utf8.RuneCountInString(sb.String()),
			IsParent: true,
		})
		for i := start; i < end; i++ {
			children[i].ParentID = id
		}
		pidx++
		start = end
		curLen = 0
	}

	for i, seg := range segments {
		segLen := utf8.RuneCountInString(seg)
		if curLen > 0 && curLen+2+segLen > limit {
			flush(i)
		}
		curLen += segLen + 2
	}
	flush(len(segments))

	return parents
}

// splitParagraphs 按空行分段
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitOversized 超长段落先按句子聚合，单句仍超限时按 rune 硬切。
func splitOversized(para string, budget int) []string {
	var segs []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, sent := range splitSentences(para) {
		sentLen := utf8.RuneCountInString(sent)

		if sentLen > budget {
			flush()
			segs = append(segs, hardCut(sent, budget)...)
			continue
		}

		sep := 0
		if curLen > 0 {
			sep = 1
		}
		if curLen+sep+sentLen > budget {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteString(" ")
			curLen++
		}
		cur.WriteString(sent)
		curLen += sentLen
	}
	flush()

	return segs
}

// splitSentences 按句末标点切句
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '.', '。', '!', '！', '?', '？', '\n':
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// hardCut 按 rune 窗口硬切分（最后手段）
func hardCut(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// tailRunes 取字符串末尾 n 个 rune
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
