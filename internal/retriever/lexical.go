package retriever

import (
	"sort"
	"strings"
	"unicode"
)

// tokenize lowercases and splits on non-alphanumeric runes. Short tokens are
// dropped; they carry no lexical signal for this corpus.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// lexicalIndex is an in-memory inverted term-frequency index over committed
// chunks. It is rebuilt whenever the set of processed documents changes and
// never touches disk.
type lexicalIndex struct {
	postings map[string]map[string]int // token -> chunk_id -> term frequency
	lengths  map[string]int            // chunk_id -> token count
}

func newLexicalIndex() *lexicalIndex {
	return &lexicalIndex{
		postings: make(map[string]map[string]int),
		lengths:  make(map[string]int),
	}
}

func (x *lexicalIndex) add(chunkID, text string) {
	tokens := tokenize(text)
	x.lengths[chunkID] = len(tokens)
	for _, tok := range tokens {
		m, ok := x.postings[tok]
		if !ok {
			m = make(map[string]int)
			x.postings[tok] = m
		}
		m[chunkID]++
	}
}

// scored is one lexical candidate.
type scored struct {
	chunkID string
	score   float64
}

// search scores chunks by length-normalized term frequency of the query
// tokens and returns up to k candidates, best first. Ties break on chunk ID
// so results are deterministic.
func (x *lexicalIndex) search(query string, k int) []scored {
	tokens := tokenize(query)
	if len(tokens) == 0 || k <= 0 {
		return nil
	}

	raw := make(map[string]float64)
	for _, tok := range tokens {
		for chunkID, tf := range x.postings[tok] {
			raw[chunkID] += float64(tf) / float64(x.lengths[chunkID])
		}
	}

	out := make([]scored, 0, len(raw))
	for chunkID, score := range raw {
		out = append(out, scored{chunkID: chunkID, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].chunkID < out[j].chunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
