package rag

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// sparseIndex 进程内 BM25 倒排索引，每租户一份。
// 非并发安全，由 collection 的锁保护。
type sparseIndex struct {
	k1 float64
	b  float64

	docs     map[string]*sparseDoc
	df       map[string]int
	totalLen int
}

type sparseDoc struct {
	tf     map[string]int
	length int
}

type sparseHit struct {
	ChunkID string
	Score   float64
}

func newSparseIndex(k1, b float64) *sparseIndex {
	if k1 <= 0 {
		k1 = 1.5
	}
	if b < 0 || b > 1 {
		b = 0.75
	}
	return &sparseIndex{
		k1:   k1,
		b:    b,
		docs: make(map[string]*sparseDoc),
		df:   make(map[string]int),
	}
}

// Add 索引一个块。重复 ID 先移除旧内容再写入。
func (s *sparseIndex) Add(chunkID, text string) {
	if _, ok := s.docs[chunkID]; ok {
		s.Remove(chunkID)
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	doc := &sparseDoc{tf: make(map[string]int), length: len(tokens)}
	for _, tok := range tokens {
		doc.tf[tok]++
	}
	for term := range doc.tf {
		s.df[term]++
	}
	s.docs[chunkID] = doc
	s.totalLen += doc.length
}

// Remove 从索引中移除块，同步回收词项统计。
func (s *sparseIndex) Remove(chunkID string) {
	doc, ok := s.docs[chunkID]
	if !ok {
		return
	}
	for term := range doc.tf {
		s.df[term]--
		if s.df[term] <= 0 {
			delete(s.df, term)
		}
	}
	s.totalLen -= doc.length
	delete(s.docs, chunkID)
}

func (s *sparseIndex) Len() int { return len(s.docs) }

// Search 返回按 BM25 降序排列的前 k 个块，同分按 ID 升序保证确定性。
func (s *sparseIndex) Search(query string, k int) []sparseHit {
	if k <= 0 || len(s.docs) == 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	n := float64(len(s.docs))
	avgLen := float64(s.totalLen) / n

	scores := make(map[string]float64)
	for _, term := range terms {
		df, ok := s.df[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for chunkID, doc := range s.docs {
			tf := doc.tf[term]
			if tf == 0 {
				continue
			}
			norm := s.k1 * (1 - s.b + s.b*float64(doc.length)/avgLen)
			scores[chunkID] += idf * float64(tf) * (s.k1 + 1) / (float64(tf) + norm)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	hits := make([]sparseHit, 0, len(scores))
	for chunkID, score := range scores {
		hits = append(hits, sparseHit{ChunkID: chunkID, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// tokenize 小写化后按字母数字连续段切词，CJK 字符单字成词。
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
