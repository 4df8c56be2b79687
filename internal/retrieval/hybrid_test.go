package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepscholar/internal/store"
)

// fixedEmbedder maps known strings to fixed vectors.
type fixedEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	terms := Tokenize("How does the tidal force affect ocean currents?")
	assert.Equal(t, []string{"tidal", "force", "affect", "ocean", "currents"}, terms)

	assert.Empty(t, Tokenize("the and for"))
	assert.Empty(t, Tokenize(""))
}

func TestLexicalScoreOrdering(t *testing.T) {
	t.Parallel()

	terms := Tokenize("tidal forces ocean")

	full := LexicalScore(terms, "Tidal forces drive ocean movement. Tidal ranges vary by coast.")
	partial := LexicalScore(terms, "The ocean is large and deep.")
	none := LexicalScore(terms, "Quantum chromodynamics binds quarks.")

	assert.Greater(t, full, partial)
	assert.Greater(t, partial, none)
	assert.Zero(t, none)
	assert.LessOrEqual(t, full, 1.0)
}

func chunk(id, text string, vec []float32) store.ChunkRecord {
	return store.ChunkRecord{ID: id, Text: text, Embedding: vec}
}

func TestRetrieveLexicalOnly(t *testing.T) {
	t.Parallel()

	r := NewRetriever(nil)
	chunks := []store.ChunkRecord{
		chunk("c1", "Nothing relevant here at all.", nil),
		chunk("c2", "Tidal forces from the moon drive ocean tides.", nil),
		chunk("c3", "The ocean has tides.", nil),
	}

	hits := r.Retrieve(context.Background(), "what causes ocean tides", chunks, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "c2", hits[0].Chunk.ID)
	assert.Zero(t, hits[0].Vector)
}

func TestRetrieveBlendsVectors(t *testing.T) {
	t.Parallel()

	emb := &fixedEmbedder{vectors: map[string][]float32{
		"query text": {1, 0, 0},
	}}
	r := NewRetriever(emb)

	chunks := []store.ChunkRecord{
		// Lexically silent but vector-identical to the query.
		chunk("vec-match", "unrelated words entirely", []float32{1, 0, 0}),
		// Weak lexical match, orthogonal vector.
		chunk("lex-match", "query text appears verbatim", []float32{0, 1, 0}),
	}

	hits := r.Retrieve(context.Background(), "query text", chunks, 10)
	require.Len(t, hits, 2)

	byID := map[string]Hit{}
	for _, h := range hits {
		byID[h.Chunk.ID] = h
	}
	assert.Equal(t, 1.0, byID["vec-match"].Vector)
	assert.Greater(t, byID["lex-match"].Lexical, 0.0)
	assert.Greater(t, byID["vec-match"].Score, 0.0, "vector-only relevance must surface")
}

func TestRetrieveDegradesOnEmbedError(t *testing.T) {
	t.Parallel()

	r := NewRetriever(&fixedEmbedder{err: fmt.Errorf("backend down")})
	chunks := []store.ChunkRecord{
		chunk("c1", "ocean tides explained", []float32{1, 0, 0}),
	}

	hits := r.Retrieve(context.Background(), "ocean tides", chunks, 5)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].Vector)
	assert.Greater(t, hits[0].Lexical, 0.0)
}

func TestRetrieveDeterministicTieBreak(t *testing.T) {
	t.Parallel()

	r := NewRetriever(nil)
	chunks := []store.ChunkRecord{
		chunk("b", "identical text about tides", nil),
		chunk("a", "identical text about tides", nil),
		chunk("c", "identical text about tides", nil),
	}

	hits := r.Retrieve(context.Background(), "tides", chunks, 3)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].Chunk.ID)
	assert.Equal(t, "b", hits[1].Chunk.ID)
	assert.Equal(t, "c", hits[2].Chunk.ID)
}

func TestRetrieveEmpty(t *testing.T) {
	t.Parallel()

	r := NewRetriever(nil)
	assert.Nil(t, r.Retrieve(context.Background(), "q", nil, 5))
	assert.Nil(t, r.Retrieve(context.Background(), "q", []store.ChunkRecord{chunk("a", "t", nil)}, 0))
}

func TestRetrieveSkipsDimensionMismatch(t *testing.T) {
	t.Parallel()

	emb := &fixedEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	r := NewRetriever(emb)
	chunks := []store.ChunkRecord{
		chunk("short-vec", "q words", []float32{1, 0}),
	}

	hits := r.Retrieve(context.Background(), "q", chunks, 5)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].Vector, "mismatched dimensions contribute no vector score")
}
