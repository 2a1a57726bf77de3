package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Embed_ReturnsConfiguredDimensions(t *testing.T) {
	tests := []struct {
		dims int
		want int
	}{
		{0, DefaultDimensions},
		{-1, DefaultDimensions},
		{64, 64},
		{768, 768},
	}
	for _, tt := range tests {
		embedder := NewStaticEmbedder(tt.dims)
		embedding, err := embedder.Embed(context.Background(), "func main() {}")
		require.NoError(t, err)
		assert.Len(t, embedding, tt.want)
		assert.Equal(t, tt.want, embedder.Dimensions())
	}
}

func TestStaticEmbedder_Embed_VectorIsNormalized(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder(0)
	defer func() { _ = embedder.Close() }()

	// When: I embed text
	embedding, err := embedder.Embed(context.Background(), "func main() {}")
	require.NoError(t, err)

	// Then: vector magnitude is ~1.0 (normalized)
	assert.InDelta(t, 1.0, vectorMagnitude(embedding), 0.001, "vector should be normalized to unit length")
}

func TestStaticEmbedder_Embed_DeterministicAcrossInstances(t *testing.T) {
	text := "func add(a, b int) int { return a + b }"

	emb1, err := NewStaticEmbedder(128).Embed(context.Background(), text)
	require.NoError(t, err)
	emb2, err := NewStaticEmbedder(128).Embed(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, emb1, emb2)
}

func TestStaticEmbedder_Embed_DifferentTextsProduceDifferentVectors(t *testing.T) {
	embedder := NewStaticEmbedder(0)

	emb1, _ := embedder.Embed(context.Background(), "func add()")
	emb2, _ := embedder.Embed(context.Background(), "class Database")

	assert.NotEqual(t, emb1, emb2, "different texts should produce different vectors")
}

func TestStaticEmbedder_Embed_BlankInput_ReturnsZeroVector(t *testing.T) {
	embedder := NewStaticEmbedder(0)

	for _, text := range []string{"", "   \n\t  "} {
		embedding, err := embedder.Embed(context.Background(), text)
		require.NoError(t, err)
		require.Len(t, embedding, DefaultDimensions)
		for i, v := range embedding {
			assert.Equal(t, float32(0), v, "element %d should be zero", i)
		}
	}
}

func TestStaticEmbedder_SimilarCode_HasHigherSimilarity(t *testing.T) {
	// Given: static embedder and code samples
	embedder := NewStaticEmbedder(0)

	add := "func add(a, b int) int { return a + b }"
	sum := "func sum(x, y int) int { return x + y }"
	repository := "class UserRepository { findById() }"

	// When: I compute embeddings
	addEmb, _ := embedder.Embed(context.Background(), add)
	sumEmb, _ := embedder.Embed(context.Background(), sum)
	repoEmb, _ := embedder.Embed(context.Background(), repository)

	// Then: add/sum similarity > add/repository similarity
	assert.Greater(t, cosineSimilarity(addEmb, sumEmb), cosineSimilarity(addEmb, repoEmb))
}

func TestStaticEmbedder_IdentifierStyles_Match(t *testing.T) {
	embedder := NewStaticEmbedder(0)
	spaceEmb, _ := embedder.Embed(context.Background(), "get user by id")

	for _, ident := range []string{"getUserById", "get_user_by_id"} {
		t.Run(ident, func(t *testing.T) {
			emb, _ := embedder.Embed(context.Background(), ident)
			assert.Greater(t, cosineSimilarity(emb, spaceEmb), 0.3)
		})
	}
}

func TestStaticEmbedder_Embed_UnicodeText(t *testing.T) {
	embedder := NewStaticEmbedder(0)
	embedding, err := embedder.Embed(context.Background(), "überprüfung der größe 日本語テキスト")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorMagnitude(embedding), 0.001)
}

func TestStaticEmbedder_EmbedBatch(t *testing.T) {
	embedder := NewStaticEmbedder(0)

	empty, err := embedder.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	texts := []string{"alpha", "", "beta gamma"}
	batch, err := embedder.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, err := embedder.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedder_Close(t *testing.T) {
	embedder := NewStaticEmbedder(0)
	require.NoError(t, embedder.Close())
	require.NoError(t, embedder.Close(), "close is idempotent")

	_, err := embedder.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestStaticEmbedder_Embed_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStaticEmbedder(0).Embed(ctx, "text")
	assert.ErrorIs(t, err, context.Canceled)
}
