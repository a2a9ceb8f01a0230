package compression

import "math"

// Okapi BM25 constants, unchanged from the standard parameterization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Scores ranks sentences against the query using the sentence set of
// one chunk as the document collection. Per-chunk statistics keep a long
// chunk from skewing scores in its neighbors.
func bm25Scores(query []string, sentences [][]string) []float64 {
	n := len(sentences)
	scores := make([]float64, n)
	if n == 0 || len(query) == 0 {
		return scores
	}

	docFreq := make(map[string]int)
	termFreqs := make([]map[string]int, n)
	totalLen := 0
	for i, tokens := range sentences {
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		termFreqs[i] = tf
		for tok := range tf {
			docFreq[tok]++
		}
		totalLen += len(tokens)
	}
	avgLen := float64(totalLen) / float64(n)

	for _, term := range query {
		df := docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))

		for i := range sentences {
			tf := float64(termFreqs[i][term])
			if tf == 0 {
				continue
			}
			docLen := float64(len(sentences[i]))
			norm := 1 - bm25B + bm25B*docLen/avgLen
			scores[i] += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*norm)
		}
	}
	return scores
}
