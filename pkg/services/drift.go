package services

import (
	"context"
	"math"
	"sync"

	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/vectorstore"
)

// driftWindow is the number of recent searches the monitor aggregates over.
const driftWindow = 512

// DriftMonitor tracks retrieval health over a sliding window of searches:
// the empty-result rate, and how far the mean query embedding has moved
// from the baseline captured when the window first filled. Both land in
// gauges so alerting catches corpus or traffic drift without trace replay.
type DriftMonitor struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	vectors  [][]float32
	empties  []bool
	next     int
	filled   int
	sum      []float64
	baseline []float64
	emptyCnt int
}

// NewDriftMonitor creates a monitor publishing to the drift gauges.
func NewDriftMonitor(m *metrics.Metrics) *DriftMonitor {
	return &DriftMonitor{
		metrics: m,
		vectors: make([][]float32, driftWindow),
		empties: make([]bool, driftWindow),
	}
}

// Observe records one completed search. The baseline centroid is frozen the
// first time the window fills; before that the shift gauge stays at zero.
func (d *DriftMonitor) Observe(embedding []float32, resultCount int) {
	if len(embedding) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sum == nil {
		d.sum = make([]float64, len(embedding))
	}
	if len(embedding) != len(d.sum) {
		return
	}

	// Evict the slot being overwritten from the running aggregates.
	if old := d.vectors[d.next]; old != nil {
		for i, v := range old {
			d.sum[i] -= float64(v)
		}
		if d.empties[d.next] {
			d.emptyCnt--
		}
	} else {
		d.filled++
	}

	d.vectors[d.next] = embedding
	empty := resultCount == 0
	d.empties[d.next] = empty
	if empty {
		d.emptyCnt++
	}
	for i, v := range embedding {
		d.sum[i] += float64(v)
	}
	d.next = (d.next + 1) % driftWindow

	d.metrics.EmptyResultRate.Set(float64(d.emptyCnt) / float64(d.filled))

	if d.baseline == nil {
		if d.filled == driftWindow {
			d.baseline = make([]float64, len(d.sum))
			copy(d.baseline, d.sum)
		}
		return
	}
	d.metrics.CentroidShift.Set(1 - cosine(d.baseline, d.sum))
}

// cosine works on unnormalized sums; scale cancels out.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ObservedStore decorates a vector store so every successful search feeds
// the drift monitor. Upsert and DeleteByUser pass through untouched.
type ObservedStore struct {
	vectorstore.Store
	monitor *DriftMonitor
}

// NewObservedStore wraps store with drift observation.
func NewObservedStore(store vectorstore.Store, monitor *DriftMonitor) *ObservedStore {
	return &ObservedStore{Store: store, monitor: monitor}
}

func (s *ObservedStore) Search(ctx context.Context, embedding []float32, tenantID string, topK int) ([]models.Chunk, error) {
	chunks, err := s.Store.Search(ctx, embedding, tenantID, topK)
	if err == nil {
		s.monitor.Observe(embedding, len(chunks))
	}
	return chunks, err
}
