package retrieval

import (
	"container/heap"
	"fmt"
	"math"
)

// Result is a passage scored against a query.
type Result struct {
	PassageID int     `json:"passage_id"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

// Rank scores every passage against query by cosine similarity and returns
// the best min(topK, n) in descending score order. Equal scores are ordered
// by ascending passage id.
func Rank(query []float32, c *Corpus, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	if c.Len() == 0 {
		return []Result{}, nil
	}
	if len(query) != c.Dimension() {
		return nil, fmt.Errorf("%w: query has %d, corpus has %d", ErrDimensionMismatch, len(query), c.Dimension())
	}

	queryNorm := norm(query)
	h := &resultHeap{}
	heap.Init(h)

	for _, p := range c.passages {
		if len(p.Vector) != len(query) {
			return nil, fmt.Errorf("%w: passage %d has %d, query has %d", ErrDimensionMismatch, p.ID, len(p.Vector), len(query))
		}
		r := Result{PassageID: p.ID, Text: p.Text, Score: cosine(query, p.Vector, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, r)
		} else if worse((*h)[0], r) {
			(*h)[0] = r
			heap.Fix(h, 0)
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, computed
// in float64. Vectors of different length or with zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, b, norm(a))
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed so a query
// is normed once per scan.
func cosine(a, b []float32, aNorm float64) float64 {
	if aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	s := dot / (aNorm * math.Sqrt(bNormSq))
	return max(-1, min(1, s))
}

// worse reports whether a ranks below b.
func worse(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.PassageID > b.PassageID
}

// resultHeap is a min-heap with the worst kept result at the root.
type resultHeap []Result

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
