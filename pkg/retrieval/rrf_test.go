package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopy-rag/canopy/pkg/models"
)

func chunk(id string, score float64) models.Chunk {
	return models.Chunk{
		VectorID: id,
		DocID:    "doc-" + id,
		ChunkID:  "chunk-" + id,
		TenantID: "t1",
		UserID:   "u1",
		Text:     "text for " + id,
		Score:    score,
	}
}

func ids(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.VectorID
	}
	return out
}

func TestFuseRanks_TopEverywhereWins(t *testing.T) {
	// "a" ranks first in every list; it must have the strictly highest
	// fused score.
	lists := [][]models.Chunk{
		{chunk("a", 0.9), chunk("b", 0.8), chunk("c", 0.7)},
		{chunk("a", 0.85), chunk("c", 0.6)},
		{chunk("a", 0.95), chunk("d", 0.5)},
	}

	fused := FuseRanks(lists, DefaultRRFK)
	require.NotEmpty(t, fused)
	assert.Equal(t, "a", fused[0].VectorID)
}

func TestFuseRanks_ScoresAccumulateAcrossLists(t *testing.T) {
	// "b" appears second in two lists (2/62); "c" appears first in one
	// (1/61). 2/62 > 1/61, so b outranks c.
	lists := [][]models.Chunk{
		{chunk("a", 0.9), chunk("b", 0.8)},
		{chunk("a", 0.9), chunk("b", 0.8)},
		{chunk("c", 0.99)},
	}

	fused := FuseRanks(lists, DefaultRRFK)
	assert.Equal(t, []string{"a", "b", "c"}, ids(fused))
}

func TestFuseRanks_TieBreaksOnOriginalScore(t *testing.T) {
	// "x" and "y" each appear once at rank 1 in different lists; the one
	// with the higher retrieval score wins.
	lists := [][]models.Chunk{
		{chunk("x", 0.70)},
		{chunk("y", 0.90)},
	}

	fused := FuseRanks(lists, DefaultRRFK)
	assert.Equal(t, []string{"y", "x"}, ids(fused))
}

func TestFuseRanks_KeepsFirstPayload(t *testing.T) {
	first := chunk("a", 0.9)
	first.Text = "first payload"
	second := chunk("a", 0.4)
	second.Text = "second payload"

	fused := FuseRanks([][]models.Chunk{{first}, {second}}, DefaultRRFK)
	require.Len(t, fused, 1)
	assert.Equal(t, "first payload", fused[0].Text)
}

func TestFuseRanks_EmptyInputs(t *testing.T) {
	assert.Nil(t, FuseRanks(nil, DefaultRRFK))
	assert.Empty(t, FuseRanks([][]models.Chunk{{}, {}}, DefaultRRFK))
}

func TestFuseRanks_Deterministic(t *testing.T) {
	lists := [][]models.Chunk{
		{chunk("a", 0.5), chunk("b", 0.5), chunk("c", 0.5)},
		{chunk("c", 0.5), chunk("b", 0.5), chunk("a", 0.5)},
	}

	first := ids(FuseRanks(lists, DefaultRRFK))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ids(FuseRanks(lists, DefaultRRFK)))
	}
}
