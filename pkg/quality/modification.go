package quality

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/speckit/automation-core/pkg/model"
)

// ModificationKind tags which variant a SpecModification holds.
type ModificationKind string

const (
	ModAddRequirement      ModificationKind = "add_requirement"
	ModUpdateRequirement   ModificationKind = "update_requirement"
	ModReplaceTerminology  ModificationKind = "replace_terminology"
	ModAppendToSection     ModificationKind = "append_to_section"
)

// SpecModification is a single on-disk edit derived from an auto-resolved
// quality issue's answer text.
type SpecModification struct {
	Kind ModificationKind

	// AddRequirement / UpdateRequirement / AppendToSection.
	Section string
	Text    string

	// ReplaceTerminology.
	Old           string
	New           string
	CaseSensitive bool
}

var arrowPattern = regexp.MustCompile(`(?i)^\s*replace\s+"?([^"]+?)"?\s+with\s+"?([^"]+?)"?\s*$`)
var unicodeArrowPattern = regexp.MustCompile(`^\s*"?([^"→]+?)"?\s*→\s*"?([^"]+?)"?\s*$`)

// ParseTerminologySuggestion extracts an old/new term pair from a suggested
// fix string of the form `replace X with Y` or `X → Y`.
func ParseTerminologySuggestion(suggestion string) (oldTerm, newTerm string, ok bool) {
	if m := arrowPattern.FindStringSubmatch(suggestion); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
	}
	if m := unicodeArrowPattern.FindStringSubmatch(suggestion); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
	}
	return "", "", false
}

// ApplyModification applies a SpecModification to the spec file at path,
// rewriting its contents in place.
func ApplyModification(path string, mod SpecModification) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read spec file %s: %w", path, err)
	}
	content := string(raw)

	switch mod.Kind {
	case ModAddRequirement:
		content = appendToSection(content, mod.Section, "- "+mod.Text)
	case ModUpdateRequirement:
		content = replaceLineContaining(content, mod.Section, mod.Text)
	case ModReplaceTerminology:
		content = replaceTerminology(content, mod.Old, mod.New, mod.CaseSensitive)
	case ModAppendToSection:
		content = appendToSection(content, mod.Section, mod.Text)
	default:
		return fmt.Errorf("unknown modification kind %q", mod.Kind)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write spec file %s: %w", path, err)
	}
	return nil
}

// appendToSection appends a line to the end of the named markdown section
// (the block starting at "## <section>" up to the next "## " heading or
// EOF). If the section does not exist, it is created at the end of the
// document.
func appendToSection(content, section, line string) string {
	heading := "## " + section
	idx := strings.Index(content, heading)
	if idx < 0 {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content + "\n" + heading + "\n\n" + line + "\n"
	}

	rest := content[idx+len(heading):]
	next := nextHeadingOffset(rest)
	insertAt := idx + len(heading) + next
	before := content[:insertAt]
	after := content[insertAt:]
	before = strings.TrimRight(before, "\n") + "\n"
	return before + line + "\n" + after
}

func nextHeadingOffset(rest string) int {
	lines := strings.SplitAfter(rest, "\n")
	offset := 0
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimLeft(l, "\n"), "## ") && offset > 0 {
			return offset
		}
		offset += len(l)
	}
	return len(rest)
}

func replaceLineContaining(content, marker, newText string) string {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if strings.Contains(l, marker) {
			lines[i] = newText
			return strings.Join(lines, "\n")
		}
	}
	return content + "\n" + newText + "\n"
}

func replaceTerminology(content, oldTerm, newTerm string, caseSensitive bool) string {
	if caseSensitive {
		return strings.ReplaceAll(content, oldTerm, newTerm)
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(oldTerm))
	return re.ReplaceAllString(content, newTerm)
}

// ApplyResolution materializes an accepted answer into the spec document
// at path. A suggested fix of the form "replace X with Y" or "X → Y"
// becomes a terminology replacement; anything else is appended to the
// Clarifications section as an answered question.
func ApplyResolution(path string, issue model.QualityIssue, res model.Resolution) error {
	if oldTerm, newTerm, ok := ParseTerminologySuggestion(issue.SuggestedFix); ok {
		return ApplyModification(path, SpecModification{
			Kind: ModReplaceTerminology,
			Old:  oldTerm,
			New:  newTerm,
		})
	}
	text := fmt.Sprintf("%s: %s (%s)", issue.Description, res.Answer, res.Reason)
	return ApplyModification(path, SpecModification{
		Kind:    ModAppendToSection,
		Section: "Clarifications",
		Text:    "- " + text,
	})
}
