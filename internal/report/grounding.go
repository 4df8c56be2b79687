package report

import (
	"regexp"
	"strconv"
	"strings"

	"deepscholar/internal/logging"
)

// groundingCaveatThreshold: below this the report opens with an explicit
// warning that many claims lack citations.
const groundingCaveatThreshold = 0.5

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// GroundingResult is the citation audit of a draft.
type GroundingResult struct {
	TotalClaims   int     `json:"total_claims"`
	CitedClaims   int     `json:"cited_claims"`
	Score         float64 `json:"score"`
	BadMarkers    []int   `json:"bad_markers,omitempty"` // markers with no matching source
}

// NeedsCaveat reports whether the grounding warning belongs in the header.
func (g GroundingResult) NeedsCaveat() bool {
	return g.Score < groundingCaveatThreshold
}

// ScoreGrounding audits the draft body: every claim sentence either carries a
// resolvable [n] marker or counts against the score. A body with no claims
// scores 1.0 — nothing asserted, nothing to ground.
func ScoreGrounding(body string, numSources int) GroundingResult {
	claims := SplitClaims(body)
	result := GroundingResult{TotalClaims: len(claims)}

	badSeen := make(map[int]bool)
	for _, claim := range claims {
		cited := false
		for _, m := range markerPattern.FindAllStringSubmatch(claim, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if n >= 1 && n <= numSources {
				cited = true
			} else if !badSeen[n] {
				badSeen[n] = true
				result.BadMarkers = append(result.BadMarkers, n)
			}
		}
		if cited {
			result.CitedClaims++
		}
	}

	if result.TotalClaims == 0 {
		result.Score = 1.0
	} else {
		result.Score = float64(result.CitedClaims) / float64(result.TotalClaims)
	}

	logging.Report("Grounding: %d/%d claims cited (score %.2f)",
		result.CitedClaims, result.TotalClaims, result.Score)
	return result
}

// SplitClaims extracts claim sentences from a markdown body. Headings, list
// markers and empty lines are not claims; sentences are.
func SplitClaims(body string) []string {
	var claims []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")

		for _, sentence := range splitSentences(line) {
			if isClaim(sentence) {
				claims = append(claims, sentence)
			}
		}
	}
	return claims
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' {
			// Keep a trailing citation like "claim. [2]" with its sentence.
			end := i + 1
			rest := string(runes[end:])
			if m := markerPattern.FindStringIndex(rest); m != nil && strings.TrimSpace(rest[:m[0]]) == "" {
				end += m[1]
				// Absorb any further adjacent markers.
				for {
					rest = string(runes[end:])
					m = markerPattern.FindStringIndex(rest)
					if m == nil || strings.TrimSpace(rest[:m[0]]) != "" {
						break
					}
					end += m[1]
				}
			}
			s := strings.TrimSpace(string(runes[start:end]))
			if s != "" {
				out = append(out, s)
			}
			start = end
			// Skip to the next sentence even if we consumed markers.
			if end > i+1 {
				continue
			}
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

// isClaim filters out fragments too short to assert anything.
func isClaim(sentence string) bool {
	words := strings.Fields(markerPattern.ReplaceAllString(sentence, ""))
	return len(words) >= 4
}
