package index

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns constant vectors, or fails.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestChunkTextShortInput(t *testing.T) {
	t.Parallel()

	chunks := ChunkText("short text", 100, 10)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0])

	assert.Nil(t, ChunkText("   ", 100, 10))
}

func TestChunkTextBoundsAndOverlap(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "Sentence number %d has some words in it. ", i)
	}

	chunks := ChunkText(sb.String(), 300, 50)
	require.Greater(t, len(chunks), 5)

	for i, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 300, "chunk %d exceeds size", i)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}

	// Overlap: the head of each chunk should appear near the tail of the
	// previous one's coverage of the original text.
	for i := 1; i < len(chunks); i++ {
		head := strings.Fields(chunks[i])[0]
		assert.Contains(t, sb.String(), head)
	}
}

func TestChunkTextPrefersParagraphBreaks(t *testing.T) {
	t.Parallel()

	para1 := strings.Repeat("alpha beta gamma. ", 10)
	para2 := strings.Repeat("delta epsilon zeta. ", 10)
	text := para1 + "\n\n" + para2

	chunks := ChunkText(text, 250, 20)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasPrefix(chunks[0], "alpha"))
}

func TestIndexWithEmbeddings(t *testing.T) {
	t.Parallel()

	p := NewPipeline(Config{ChunkSize: 100, ChunkOverlap: 10}, &fakeEmbedder{})
	text := strings.Repeat("Useful research content with facts. ", 20)

	chunks, embedded := p.Index(context.Background(), "job-1", "src-1", text)
	require.NotEmpty(t, chunks)
	assert.True(t, embedded)

	for i, c := range chunks {
		assert.Equal(t, "job-1", c.JobID)
		assert.Equal(t, "src-1", c.SourceID)
		assert.Equal(t, i, c.Seq)
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, []float32{1, 0, 0}, c.Embedding)
	}
}

func TestIndexDegradesOnEmbeddingFailure(t *testing.T) {
	t.Parallel()

	p := NewPipeline(Config{ChunkSize: 100, ChunkOverlap: 10}, &fakeEmbedder{fail: true})
	text := strings.Repeat("Useful research content with facts. ", 20)

	chunks, embedded := p.Index(context.Background(), "job-1", "src-1", text)
	require.NotEmpty(t, chunks, "chunks survive embedding failure")
	assert.False(t, embedded)
	for _, c := range chunks {
		assert.Nil(t, c.Embedding)
	}
}

func TestIndexNilEngine(t *testing.T) {
	t.Parallel()

	p := NewPipeline(DefaultConfig(), nil)
	chunks, embedded := p.Index(context.Background(), "j", "s", "some text")
	require.Len(t, chunks, 1)
	assert.False(t, embedded)
}

func TestIndexEmptyContent(t *testing.T) {
	t.Parallel()

	p := NewPipeline(DefaultConfig(), &fakeEmbedder{})
	chunks, embedded := p.Index(context.Background(), "j", "s", "   ")
	assert.Nil(t, chunks)
	assert.False(t, embedded)
}
