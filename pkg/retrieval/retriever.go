package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/embeddings"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/vectorstore"
)

// ErrAllQueriesFailed means no per-query search succeeded. A subset
// failing is not an error; the retriever continues with the successes.
var ErrAllQueriesFailed = errors.New("all retrieval queries failed")

// Retriever runs one vector search per query variant with bounded
// parallelism and fuses the ranked lists.
type Retriever struct {
	embedder embeddings.Service
	store    vectorstore.Store
	topK     int
	parallel int
	logger   *slog.Logger
}

// NewRetriever creates a Retriever from the retrieval config section.
func NewRetriever(cfg *config.RetrievalConfig, embedder embeddings.Service, store vectorstore.Store, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		topK:     cfg.TopK,
		parallel: cfg.MaxParallel,
		logger:   logger,
	}
}

// Retrieve embeds all queries in one batch, searches per query, fuses with
// RRF, and reports per-query raw counts. Per-query failures degrade to an
// empty list for that query; only a total failure returns an error.
func (r *Retriever) Retrieve(ctx context.Context, queries []string, tenantID string) (*models.RetrievalResult, error) {
	vectors, err := r.embedder.EmbedTexts(ctx, queries)
	if err != nil {
		return nil, err
	}

	lists := make([][]models.Chunk, len(queries))
	var mu sync.Mutex
	failed := make(map[string]string)

	// The group limit bounds concurrent store queries. Goroutines never
	// return an error: one failed variant must not cancel its siblings.
	g := &errgroup.Group{}
	g.SetLimit(r.parallel)
	for i := range queries {
		i := i
		g.Go(func() error {
			chunks, searchErr := r.store.Search(ctx, vectors[i], tenantID, r.topK)
			mu.Lock()
			defer mu.Unlock()
			if searchErr != nil {
				r.logger.Warn("Per-query search failed, continuing without it",
					"query_index", i,
					"error", searchErr)
				failed[queries[i]] = searchErr.Error()
				return nil
			}
			lists[i] = chunks
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == len(queries) {
		return nil, ErrAllQueriesFailed
	}

	rawCounts := make(map[string]int, len(lists))
	for i, list := range lists {
		if _, bad := failed[queries[i]]; bad {
			continue
		}
		rawCounts[queries[i]] = len(list)
	}

	fused := FuseRanks(lists, DefaultRRFK)
	result := &models.RetrievalResult{
		Chunks:    fused,
		Empty:     len(fused) == 0,
		RawCounts: rawCounts,
		Failed:    failed,
	}

	r.logger.Info("Retrieval complete",
		"queries", len(queries),
		"failed_queries", len(failed),
		"fused_chunks", len(fused))
	return result, nil
}
