// Package report drafts the final answer from retrieved evidence, scores how
// well its claims are grounded in cited sources and assembles the report
// document.
package report

import (
	"context"
	"fmt"
	"strings"

	"deepscholar/internal/coverage"
	"deepscholar/internal/llm"
	"deepscholar/internal/logging"
	"deepscholar/internal/search"
	"deepscholar/internal/store"
)

// CitedSource is one successfully acquired source with its citation number.
type CitedSource struct {
	Number int
	Title  string
	URL    string
}

// NumberSources assigns stable citation numbers to the successful sources in
// acquisition order.
func NumberSources(sources []store.SourceRecord) []CitedSource {
	var out []CitedSource
	for _, s := range sources {
		if s.Outcome != "success" {
			continue
		}
		title := s.Title
		if title == "" {
			title = s.URL
		}
		out = append(out, CitedSource{Number: len(out) + 1, Title: title, URL: s.URL})
	}
	return out
}

// Draft is the generated report body.
type Draft struct {
	Body       string
	Extractive bool // true when the model was unavailable
}

// Drafter produces the report body with [n] citation markers.
type Drafter struct {
	client llm.Client
}

// NewDrafter creates a drafter.
func NewDrafter(client llm.Client) *Drafter {
	return &Drafter{client: client}
}

const draftSystem = `You write research reports from provided evidence only.
Cite every factual claim with the bracketed source number it came from, e.g.
"Tides follow the lunar cycle [2]." Use only the numbered sources given; never
invent citations or facts. Structure the report with markdown headings per
sub-question. Do not add a title line; the caller supplies the header.`

// Compose drafts the report. On model failure it falls back to an extractive
// draft stitched from the top evidence per sub-question.
func (d *Drafter) Compose(ctx context.Context, plan *search.Plan, ev coverage.Evidence, cited []CitedSource, citationBySourceID map[string]int) Draft {
	prompt := buildDraftPrompt(plan, ev, cited, citationBySourceID)

	resp, err := d.client.Generate(ctx, llm.Request{
		Prompt:    prompt,
		System:    draftSystem,
		MaxTokens: 4000,
		Tier:      llm.TierDeep,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		logging.Report("Drafting model unavailable, producing extractive draft: %v", err)
		return extractiveDraft(plan, ev, citationBySourceID)
	}
	if resp.Truncated {
		logging.Report("Draft was truncated at the token limit")
	}

	return Draft{Body: strings.TrimSpace(resp.Text)}
}

func buildDraftPrompt(plan *search.Plan, ev coverage.Evidence, cited []CitedSource, citationBySourceID map[string]int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research prompt: %s\n\nSources:\n", plan.Prompt)
	for _, c := range cited {
		fmt.Fprintf(&sb, "[%d] %s — %s\n", c.Number, c.Title, c.URL)
	}

	sb.WriteString("\nEvidence by sub-question:\n")
	for _, sq := range plan.SubQuestions {
		fmt.Fprintf(&sb, "\n## %s\n", sq.Text)
		for i, h := range ev.HitsPerQuestion[sq.ID] {
			if i >= 4 {
				break
			}
			n := citationBySourceID[h.Chunk.SourceID]
			excerpt := h.Chunk.Text
			// Truncate on rune boundaries; chunks may hold multibyte text.
			if r := []rune(excerpt); len(r) > 800 {
				excerpt = string(r[:800])
			}
			fmt.Fprintf(&sb, "[source %d] %s\n", n, excerpt)
		}
	}
	return sb.String()
}

// extractiveDraft builds a citation-bearing draft directly from the top
// retrieved chunk per sub-question. Crude but grounded.
func extractiveDraft(plan *search.Plan, ev coverage.Evidence, citationBySourceID map[string]int) Draft {
	var sb strings.Builder
	for _, sq := range plan.SubQuestions {
		fmt.Fprintf(&sb, "## %s\n\n", sq.Text)

		hits := ev.HitsPerQuestion[sq.ID]
		if len(hits) == 0 {
			sb.WriteString("No supporting evidence was acquired for this question.\n\n")
			continue
		}
		for i, h := range hits {
			if i >= 2 {
				break
			}
			excerpt := firstSentences(h.Chunk.Text, 3)
			n := citationBySourceID[h.Chunk.SourceID]
			if n > 0 {
				fmt.Fprintf(&sb, "%s [%d]\n\n", excerpt, n)
			} else {
				fmt.Fprintf(&sb, "%s\n\n", excerpt)
			}
		}
	}
	return Draft{Body: strings.TrimSpace(sb.String()), Extractive: true}
}

// firstSentences returns up to n sentences from the text.
func firstSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	count := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= n {
				return strings.TrimSpace(text[:i+1])
			}
		}
	}
	return text
}
