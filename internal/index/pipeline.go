// Package index turns acquired markdown into retrievable chunks: bounded
// overlapping spans, each embedded when an embedding engine is available.
// Embedding failure degrades the job to lexical-only retrieval instead of
// failing it.
package index

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"deepscholar/internal/embedding"
	"deepscholar/internal/logging"
	"deepscholar/internal/store"
)

// Config tunes chunking.
type Config struct {
	// ChunkSize is the target chunk length in runes.
	ChunkSize int

	// ChunkOverlap is how many trailing runes of one chunk lead the next.
	ChunkOverlap int
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{ChunkSize: 1200, ChunkOverlap: 150}
}

// Pipeline chunks and embeds source content.
type Pipeline struct {
	cfg    Config
	engine embedding.Engine // nil means lexical-only
}

// NewPipeline creates an indexing pipeline. engine may be nil.
func NewPipeline(cfg Config, engine embedding.Engine) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1200
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 8
	}
	return &Pipeline{cfg: cfg, engine: engine}
}

// Index chunks one source's markdown and embeds the chunks. Returns the
// chunk records and whether vectors were produced. An embedding failure is
// logged and degrades the result to lexical-only; it is not an error.
func (p *Pipeline) Index(ctx context.Context, jobID, sourceID, markdown string) ([]store.ChunkRecord, bool) {
	spans := ChunkText(markdown, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(spans) == 0 {
		return nil, false
	}

	chunks := make([]store.ChunkRecord, len(spans))
	for i, span := range spans {
		chunks[i] = store.ChunkRecord{
			ID:       uuid.NewString(),
			JobID:    jobID,
			SourceID: sourceID,
			Seq:      i,
			Text:     span,
		}
	}

	if p.engine == nil {
		return chunks, false
	}

	vectors, err := p.engine.EmbedBatch(ctx, spans)
	if err != nil {
		logging.Index("Embedding failed for source %s, degrading to lexical-only: %v", sourceID, err)
		return chunks, false
	}
	if len(vectors) != len(chunks) {
		logging.Index("Embedding count mismatch for source %s (%d != %d), degrading to lexical-only",
			sourceID, len(vectors), len(chunks))
		return chunks, false
	}

	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	logging.Index("Indexed source %s: %d chunks with vectors", sourceID, len(chunks))
	return chunks, true
}

// ChunkText splits text into spans of roughly size runes with the given
// overlap. Splits prefer paragraph then sentence boundaries near the target
// size; a chunk never exceeds size runes.
func ChunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = splitPoint(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// splitPoint scans backwards from the hard limit for a paragraph break, then
// a sentence end, then a space. Falls back to the hard limit.
func splitPoint(runes []rune, start, limit int) int {
	// Do not search back past the midpoint; a tiny chunk is worse than a
	// mid-sentence split.
	floor := start + (limit-start)/2

	for i := limit - 1; i > floor; i-- {
		if runes[i] == '\n' && i > 0 && runes[i-1] == '\n' {
			return i
		}
	}
	for i := limit - 1; i > floor; i-- {
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			return i + 1
		}
	}
	for i := limit - 1; i > floor; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			return i
		}
	}
	return limit
}
