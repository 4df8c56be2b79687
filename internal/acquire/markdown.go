package acquire

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// HTMLToMarkdown converts fetched HTML into simplified markdown suitable for
// chunking and retrieval. Navigation, scripts and boilerplate elements are
// dropped; headings, lists, emphasis and code survive.
func HTMLToMarkdown(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var b mdBuilder
	extractText(doc, &b, 0)

	return cleanMarkdown(b.String()), nil
}

// ExtractTitle returns the document title, or "" when absent.
func ExtractTitle(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			title = strings.TrimSpace(sb.String())
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// mdBuilder assembles markdown from text nodes, deferring inter-word spaces
// so inline close markers attach to the word they wrap (`**bold**`, never
// `**bold **`) and punctuation glues to the preceding word.
type mdBuilder struct {
	sb        strings.Builder
	needSpace bool
}

func (b *mdBuilder) text(s string) {
	if s == "" {
		return
	}
	if b.needSpace && !strings.ContainsRune(".,;:!?)]}", rune(s[0])) {
		b.sb.WriteByte(' ')
	}
	b.sb.WriteString(s)
	b.needSpace = true
}

// open emits an inline marker gluing to the text that follows it.
func (b *mdBuilder) open(marker string) {
	if b.needSpace {
		b.sb.WriteByte(' ')
	}
	b.sb.WriteString(marker)
	b.needSpace = false
}

// close emits an inline marker gluing to the text before it.
func (b *mdBuilder) close(marker string) {
	b.sb.WriteString(marker)
	b.needSpace = true
}

// block emits structural markup verbatim, outside space bookkeeping.
func (b *mdBuilder) block(s string) {
	b.sb.WriteString(s)
	b.needSpace = false
}

func (b *mdBuilder) String() string { return b.sb.String() }

func extractText(n *html.Node, b *mdBuilder, depth int) {
	if depth > 50 {
		return // Prevent excessive recursion
	}

	switch n.Type {
	case html.TextNode:
		b.text(strings.TrimSpace(n.Data))
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "aside", "form":
			return
		case "title":
			return // Title is surfaced separately via ExtractTitle
		case "h1":
			b.block("\n\n# ")
		case "h2":
			b.block("\n\n## ")
		case "h3":
			b.block("\n\n### ")
		case "h4":
			b.block("\n\n#### ")
		case "h5":
			b.block("\n\n##### ")
		case "h6":
			b.block("\n\n###### ")
		case "p", "div", "section", "article":
			b.block("\n\n")
		case "br":
			b.block("\n")
		case "li":
			b.block("\n- ")
		case "code":
			b.open("`")
		case "pre":
			b.block("\n\n```\n")
		case "strong", "b":
			b.open("**")
		case "em", "i":
			b.open("*")
		case "img":
			if alt := getAttr(n, "alt"); alt != "" {
				b.text(fmt.Sprintf("[Image: %s]", alt))
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			b.block("\n\n")
		case "code":
			b.close("`")
		case "pre":
			b.block("\n```\n\n")
		case "strong", "b":
			b.close("**")
		case "em", "i":
			b.close("*")
		}
	}
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// cleanMarkdown collapses excess whitespace left over from tag removal.
func cleanMarkdown(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")

	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
