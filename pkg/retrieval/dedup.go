package retrieval

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/canopy-rag/canopy/pkg/embeddings"
	"github.com/canopy-rag/canopy/pkg/models"
)

// Deduper removes near-duplicate chunks. Greedy by descending score: each
// chunk is kept unless it is threshold-similar to an already-kept chunk.
// When both chunks carry embeddings their cosine similarity is
// authoritative; otherwise a character-trigram Jaccard proxy is used.
type Deduper struct {
	threshold float64
	logger    *slog.Logger
}

// NewDeduper creates a Deduper with the given similarity threshold.
func NewDeduper(threshold float64, logger *slog.Logger) *Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{threshold: threshold, logger: logger}
}

// Dedup returns the surviving chunks in descending score order. O(n²) over
// the kept set, acceptable because n is bounded by topK times the variant
// count.
func (d *Deduper) Dedup(chunks []models.Chunk) []models.Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	ordered := make([]models.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return ordered[i].ChunkID < ordered[j].ChunkID
	})

	var kept []models.Chunk
	seenTexts := make(map[string]bool, len(ordered))
	for _, chunk := range ordered {
		textKey := strings.ToLower(strings.TrimSpace(chunk.Text))
		if seenTexts[textKey] {
			continue
		}

		duplicate := false
		for _, accepted := range kept {
			if d.similar(chunk, accepted) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		seenTexts[textKey] = true
		kept = append(kept, chunk)
	}

	if removed := len(chunks) - len(kept); removed > 0 {
		d.logger.Info("Deduplication removed chunks",
			"input", len(chunks),
			"kept", len(kept),
			"removed", removed)
	}
	return kept
}

func (d *Deduper) similar(a, b models.Chunk) bool {
	if len(a.Embedding) > 0 && len(b.Embedding) > 0 {
		return embeddings.Cosine(a.Embedding, b.Embedding) >= d.threshold
	}
	return trigramJaccard(a.Text, b.Text) >= d.threshold
}

// trigramJaccard is a fast lexical proxy for semantic similarity: the
// Jaccard index over character trigram sets.
func trigramJaccard(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	setA := trigrams(a)
	setB := trigrams(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for g := range setA {
		if setB[g] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]bool {
	const n = 3
	runes := []rune(s)
	if len(runes) < n {
		return nil
	}
	out := make(map[string]bool, len(runes))
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = true
	}
	return out
}
