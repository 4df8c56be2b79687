package report

import (
	"fmt"
	"strings"

	"deepscholar/internal/acquire"
	"deepscholar/internal/coverage"
	"deepscholar/internal/engine"
)

// Input carries everything the final document needs.
type Input struct {
	Prompt      string
	Draft       Draft
	Grounding   GroundingResult
	Assessment  *coverage.Assessment
	Sufficiency coverage.SufficiencyVerdict
	Remediated  bool
	Sources     []CitedSource
	Health      acquire.HealthSummary
	Lanes       []engine.LaneReport
	Iterations  int
}

// Assemble renders the final report markdown: header with the grounding and
// coverage summary, any caveats, the drafted body and the source list.
func Assemble(in Input) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Research Report\n\n**Prompt:** %s\n\n", in.Prompt)

	// ====== HEADER ======

	if in.Grounding.TotalClaims == 0 {
		sb.WriteString("**Grounding:** no claims detected\n")
	} else {
		fmt.Fprintf(&sb, "**Grounding:** %d of %d claims cited (%.0f%%)\n",
			in.Grounding.CitedClaims, in.Grounding.TotalClaims, in.Grounding.Score*100)
	}
	if in.Assessment != nil {
		fmt.Fprintf(&sb, "**Coverage:** %.0f%% after %d iteration(s), %d of %d sub-questions answered\n",
			in.Assessment.Score*100, in.Iterations, in.Assessment.Answered(), len(in.Assessment.Verdicts))
	}
	fmt.Fprintf(&sb, "**Sources:** %d acquired, %d failed\n\n", in.Health.Succeeded, in.Health.Failed())

	var caveats []string
	if in.Grounding.NeedsCaveat() {
		caveats = append(caveats, fmt.Sprintf(
			"Fewer than half of the claims in this report carry citations (%.0f%%). Treat uncited statements with care.",
			in.Grounding.Score*100))
	}
	if !in.Sufficiency.Sufficient {
		msg := "The automated sufficiency check judged this report incomplete"
		if in.Sufficiency.Reason != "" {
			msg += ": " + in.Sufficiency.Reason
		}
		if len(in.Sufficiency.MissingTopics) > 0 {
			msg += fmt.Sprintf(". Topics still uncovered: %s", strings.Join(in.Sufficiency.MissingTopics, "; "))
		}
		if in.Remediated {
			msg += " (one remediation cycle was already spent)"
		}
		caveats = append(caveats, msg+".")
	}
	if in.Draft.Extractive {
		caveats = append(caveats, "The drafting model was unavailable; this report is stitched from source excerpts.")
	}
	if len(caveats) > 0 {
		sb.WriteString("> **Caveats**\n")
		for _, c := range caveats {
			fmt.Fprintf(&sb, "> - %s\n", c)
		}
		sb.WriteString("\n")
	}

	// ====== COVERAGE TABLE ======

	if in.Assessment != nil && len(in.Assessment.Verdicts) > 0 {
		sb.WriteString("| Sub-question | Status |\n|---|---|\n")
		for _, v := range in.Assessment.Verdicts {
			fmt.Fprintf(&sb, "| %s | %s |\n", strings.ReplaceAll(v.Question, "|", "\\|"), v.Status)
		}
		sb.WriteString("\n")
	}

	// ====== BODY ======

	sb.WriteString(in.Draft.Body)
	sb.WriteString("\n\n")

	// ====== SOURCES ======

	if len(in.Sources) > 0 {
		sb.WriteString("## Sources\n\n")
		for _, s := range in.Sources {
			fmt.Fprintf(&sb, "%d. [%s](%s)\n", s.Number, s.Title, s.URL)
		}
		sb.WriteString("\n")
	}

	if degraded := degradedLanes(in.Lanes); len(degraded) > 0 {
		fmt.Fprintf(&sb, "*Search engines with degraded results this run: %s.*\n",
			strings.Join(degraded, ", "))
	}

	return strings.TrimSpace(sb.String()) + "\n"
}

func degradedLanes(lanes []engine.LaneReport) []string {
	var out []string
	for _, l := range lanes {
		if l.Status == engine.StatusDegraded || l.Status == engine.StatusFailed {
			out = append(out, fmt.Sprintf("%s (%s)", l.Engine, l.Status))
		}
	}
	return out
}
