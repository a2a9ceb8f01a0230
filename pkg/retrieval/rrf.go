package retrieval

import (
	"sort"

	"github.com/canopy-rag/canopy/pkg/models"
)

// DefaultRRFK dampens the influence of high-ranked items; 60 is the value
// from the original RRF paper and works well untouched.
const DefaultRRFK = 60

// FuseRanks merges ranked per-query chunk lists with Reciprocal Rank
// Fusion: fused(d) = sum over lists of 1/(k + rank) with 1-based ranks.
// Output is sorted by fused score descending; ties break on the highest
// original retrieval score, then on vector ID for determinism. Each chunk's
// payload comes from its first occurrence, keeping its original score.
func FuseRanks(lists [][]models.Chunk, k int) []models.Chunk {
	if len(lists) == 0 {
		return nil
	}

	fusedScores := make(map[string]float64)
	bestScores := make(map[string]float64)
	payloads := make(map[string]models.Chunk)
	var order []string

	for _, list := range lists {
		for rank0, chunk := range list {
			id := chunk.VectorID
			fusedScores[id] += 1.0 / float64(k+rank0+1)
			if _, ok := payloads[id]; !ok {
				payloads[id] = chunk
				bestScores[id] = chunk.Score
				order = append(order, id)
			} else if chunk.Score > bestScores[id] {
				bestScores[id] = chunk.Score
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if fusedScores[a] != fusedScores[b] {
			return fusedScores[a] > fusedScores[b]
		}
		if bestScores[a] != bestScores[b] {
			return bestScores[a] > bestScores[b]
		}
		return a < b
	})

	out := make([]models.Chunk, 0, len(order))
	for _, id := range order {
		out = append(out, payloads[id])
	}
	return out
}
