package pipeline

import "strings"

// CausalLink is one cause/effect pair surfaced in a stage's synthesis
// markdown, e.g. a decision and the requirement that forced it.
type CausalLink struct {
	Cause  string
	Effect string
}

const causalLinkPrefix = "- "
const causalLinkArrow = " => "

// FormatCausalLinks renders links as a markdown bullet list, one
// "- cause => effect" line per link.
func FormatCausalLinks(links []CausalLink) string {
	var b strings.Builder
	for _, l := range links {
		b.WriteString(causalLinkPrefix)
		b.WriteString(l.Cause)
		b.WriteString(causalLinkArrow)
		b.WriteString(l.Effect)
		b.WriteString("\n")
	}
	return b.String()
}

// ParseCausalLinksFromMarkdown inverts FormatCausalLinks. Lines that are
// not causal-link bullets are skipped, so the parser can run over a whole
// synthesis document.
func ParseCausalLinksFromMarkdown(md string) []CausalLink {
	var links []CausalLink
	for _, line := range strings.Split(md, "\n") {
		rest, ok := strings.CutPrefix(line, causalLinkPrefix)
		if !ok {
			continue
		}
		cause, effect, ok := strings.Cut(rest, causalLinkArrow)
		if !ok {
			continue
		}
		links = append(links, CausalLink{Cause: cause, Effect: effect})
	}
	return links
}
