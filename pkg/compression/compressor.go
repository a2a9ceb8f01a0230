package compression

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/models"
)

// sentence is one scored sentence inside the working set.
type sentence struct {
	chunkIdx int
	order    int
	text     string
	score    float64
	tokens   int
	dropped  bool
}

// Compressor reduces chunks to their most query-relevant sentences, then
// enforces the context token budget. Output is deterministic for a given
// input and config.
type Compressor struct {
	sentencesPerChunk int
	budget            int
	counter           TokenCounter
	logger            *slog.Logger
}

// NewCompressor builds a Compressor from the compression config section.
func NewCompressor(cfg *config.CompressionConfig, counter TokenCounter, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		sentencesPerChunk: cfg.SentencesPerChunk,
		budget:            cfg.ContextBudget(),
		counter:           counter,
		logger:            logger,
	}
}

// Compress runs both phases: per-chunk top-N sentence selection by BM25
// relevance to the query, then greedy budget enforcement dropping the
// lowest-scored sentences across all chunks. Sentence order within every
// surviving chunk is preserved, and the chunk order itself is unchanged.
func (c *Compressor) Compress(query string, chunks []models.Chunk) *models.CompressedContext {
	queryTokens := tokenize(query)

	perChunk := make([][]sentence, len(chunks))
	dropped := 0
	for i, chunk := range chunks {
		kept, removed := c.selectSentences(queryTokens, chunk.Text)
		perChunk[i] = kept
		dropped += removed
	}

	dropped += c.enforceBudget(perChunk)

	out := &models.CompressedContext{DroppedSentenceCount: dropped}
	for i, sentences := range perChunk {
		var parts []string
		tokens := 0
		for _, s := range sentences {
			if s.dropped {
				continue
			}
			parts = append(parts, s.text)
			tokens += s.tokens
		}
		if len(parts) == 0 {
			continue
		}
		chunk := chunks[i]
		chunk.Text = strings.Join(parts, " ")
		out.OrderedChunks = append(out.OrderedChunks, chunk)
		out.TotalTokens += tokens
	}

	c.logger.Info("Compression complete",
		"input_chunks", len(chunks),
		"output_chunks", len(out.OrderedChunks),
		"total_tokens", out.TotalTokens,
		"dropped_sentences", dropped,
		"budget", c.budget)
	return out
}

// selectSentences keeps the top-N sentences of one chunk in original order.
func (c *Compressor) selectSentences(queryTokens []string, text string) ([]sentence, int) {
	raw := SplitSentences(text)
	if len(raw) == 0 {
		return nil, 0
	}

	tokenized := make([][]string, len(raw))
	for i, s := range raw {
		tokenized[i] = tokenize(s)
	}
	scores := bm25Scores(queryTokens, tokenized)

	keep := make([]bool, len(raw))
	if len(raw) <= c.sentencesPerChunk {
		for i := range keep {
			keep[i] = true
		}
	} else {
		// Rank by score descending; equal scores prefer the earlier
		// sentence.
		order := make([]int, len(raw))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scores[order[a]] > scores[order[b]]
		})
		for _, idx := range order[:c.sentencesPerChunk] {
			keep[idx] = true
		}
	}

	var kept []sentence
	removed := 0
	for i, s := range raw {
		if !keep[i] {
			removed++
			continue
		}
		kept = append(kept, sentence{
			order:  i,
			text:   s,
			score:  scores[i],
			tokens: c.counter.Count(s),
		})
	}
	return kept, removed
}

// enforceBudget drops the globally lowest-scored sentences until the total
// fits. Ties drop from the later chunk, then the later sentence, so the
// head of the context is the most stable.
func (c *Compressor) enforceBudget(perChunk [][]sentence) int {
	type ref struct{ chunk, idx int }

	total := 0
	var refs []ref
	for ci, sentences := range perChunk {
		for si := range sentences {
			sentences[si].chunkIdx = ci
			total += sentences[si].tokens
			refs = append(refs, ref{ci, si})
		}
	}
	if total <= c.budget {
		return 0
	}

	sort.Slice(refs, func(a, b int) bool {
		sa := perChunk[refs[a].chunk][refs[a].idx]
		sb := perChunk[refs[b].chunk][refs[b].idx]
		if sa.score != sb.score {
			return sa.score < sb.score
		}
		if sa.chunkIdx != sb.chunkIdx {
			return sa.chunkIdx > sb.chunkIdx
		}
		return sa.order > sb.order
	})

	dropped := 0
	for _, r := range refs {
		if total <= c.budget {
			break
		}
		s := &perChunk[r.chunk][r.idx]
		s.dropped = true
		total -= s.tokens
		dropped++
	}
	return dropped
}
