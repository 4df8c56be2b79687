// Package retrieval ranks indexed chunks against a query by blending lexical
// keyword scoring with vector similarity. When no vectors exist the lexical
// score stands alone, so a degraded index still retrieves.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"deepscholar/internal/embedding"
	"deepscholar/internal/logging"
	"deepscholar/internal/store"
)

// Hit is one ranked chunk with its component scores.
type Hit struct {
	Chunk   store.ChunkRecord
	Score   float64
	Lexical float64
	Vector  float64
}

// Retriever scores chunks for queries. engine may be nil for lexical-only.
type Retriever struct {
	engine embedding.Engine
}

// NewRetriever creates a retriever.
func NewRetriever(engine embedding.Engine) *Retriever {
	return &Retriever{engine: engine}
}

// Retrieve ranks the chunks against the query and returns the top k.
// Ordering is deterministic: score descending, chunk ID ascending on ties.
func (r *Retriever) Retrieve(ctx context.Context, query string, chunks []store.ChunkRecord, topK int) []Hit {
	if len(chunks) == 0 || topK <= 0 {
		return nil
	}

	terms := Tokenize(query)

	var queryVec []float32
	if r.engine != nil {
		vec, err := r.engine.Embed(ctx, query)
		if err != nil {
			logging.Retrieval("Query embedding failed, lexical-only for %q: %v", query, err)
		} else {
			queryVec = vec
		}
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		h := Hit{Chunk: c, Lexical: LexicalScore(terms, c.Text)}

		if queryVec != nil && len(c.Embedding) == len(queryVec) && len(c.Embedding) > 0 {
			if sim, err := embedding.CosineSimilarity(queryVec, c.Embedding); err == nil {
				// Map [-1,1] to [0,1] so the blend stays comparable.
				h.Vector = (sim + 1) / 2
			}
		}

		if h.Vector > 0 {
			h.Score = 0.5*h.Lexical + 0.5*h.Vector
		} else {
			h.Score = h.Lexical
		}
		hits = append(hits, h)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Tokenize lowercases and splits text into terms, dropping stop words and
// single characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// LexicalScore rates how well the document covers the query terms: the
// fraction of distinct terms present, boosted by within-document frequency.
// Result is in [0,1].
func LexicalScore(terms []string, doc string) float64 {
	if len(terms) == 0 || doc == "" {
		return 0
	}

	docTerms := Tokenize(doc)
	if len(docTerms) == 0 {
		return 0
	}
	freq := make(map[string]int, len(docTerms))
	for _, t := range docTerms {
		freq[t]++
	}

	distinct := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		distinct[t] = struct{}{}
	}

	var covered int
	var tfBoost float64
	for t := range distinct {
		if n := freq[t]; n > 0 {
			covered++
			// Diminishing returns on repeats.
			tfBoost += float64(n) / float64(n+3)
		}
	}
	if covered == 0 {
		return 0
	}

	coverage := float64(covered) / float64(len(distinct))
	boost := tfBoost / float64(len(distinct))
	return 0.7*coverage + 0.3*boost
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "not": {},
	"with": {}, "that": {}, "this": {}, "from": {}, "have": {}, "has": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "how": {}, "why": {},
	"does": {}, "can": {}, "its": {}, "into": {}, "about": {}, "than": {},
	"them": {}, "then": {}, "they": {}, "their": {}, "there": {}, "been": {},
	"being": {}, "will": {}, "would": {}, "should": {}, "could": {},
	"also": {}, "some": {}, "such": {}, "these": {}, "those": {}, "each": {},
	"other": {}, "more": {}, "most": {}, "many": {}, "much": {}, "very": {},
}
