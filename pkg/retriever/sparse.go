package retriever

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters, standard Okapi values.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type sparseDoc struct {
	id     string
	length int
	freq   map[string]int
}

// BM25Index scores documents with Okapi BM25 over a tokenized corpus.
// Safe for concurrent reads; rebuilds swap the whole corpus.
type BM25Index struct {
	mu     sync.RWMutex
	docs   map[string]*sparseDoc
	df     map[string]int
	tokens int
}

func NewBM25Index() *BM25Index {
	return &BM25Index{
		docs: make(map[string]*sparseDoc),
		df:   make(map[string]int),
	}
}

// Tokenize splits text into lowercase runs of CJK ideographs, letters, and
// digits. Everything else is a separator.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func (x *BM25Index) Add(id, text string) {
	tokens := Tokenize(text)
	doc := &sparseDoc{
		id:     id,
		length: len(tokens),
		freq:   make(map[string]int),
	}
	for _, token := range tokens {
		doc.freq[token]++
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if old, exists := x.docs[id]; exists {
		x.removeLocked(old)
	}
	x.docs[id] = doc
	x.tokens += doc.length
	for token := range doc.freq {
		x.df[token]++
	}
}

func (x *BM25Index) removeLocked(doc *sparseDoc) {
	x.tokens -= doc.length
	for token := range doc.freq {
		if x.df[token] <= 1 {
			delete(x.df, token)
		} else {
			x.df[token]--
		}
	}
	delete(x.docs, doc.id)
}

// Replace swaps the whole corpus atomically.
func (x *BM25Index) Replace(docs []Document) {
	fresh := NewBM25Index()
	for _, doc := range docs {
		fresh.Add(doc.ID, doc.Text)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = fresh.docs
	x.df = fresh.df
	x.tokens = fresh.tokens
}

func (x *BM25Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Score computes the BM25 score of one document for a query. Unknown
// documents score zero.
func (x *BM25Index) Score(query string, id string) float64 {
	queryTokens := Tokenize(query)

	x.mu.RLock()
	defer x.mu.RUnlock()

	doc, ok := x.docs[id]
	if !ok || len(x.docs) == 0 {
		return 0
	}

	n := float64(len(x.docs))
	avgLen := float64(x.tokens) / n

	var score float64
	for _, token := range queryTokens {
		tf := float64(doc.freq[token])
		if tf == 0 {
			continue
		}
		df := float64(x.df[token])
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLen))
		score += idf * norm
	}
	return score
}
