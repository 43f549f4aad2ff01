package quality

import (
	"encoding/json"
	"regexp"
	"strings"
)

// metadataPrefixPattern matches lines that precede an agent's real JSON
// response: a bracketed ISO timestamp alone on its line, "===" or "---"
// separators, and short "key: value" config lines (e.g. "workdir: /tmp",
// "model: claude-haiku").
var metadataPrefixPattern = regexp.MustCompile(
	`^(\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\]|={3,}|-{3,}|[a-zA-Z_]+:\s*\S+)\s*$`,
)

// stripMetadataPrefix drops leading metadata lines until it finds a line
// that looks like the start of real content.
func stripMetadataPrefix(raw string) string {
	lines := strings.Split(raw, "\n")
	i := 0
	for i < len(lines) && metadataPrefixPattern.MatchString(strings.TrimSpace(lines[i])) {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// extractFencedJSON returns the content of the first ```json fenced block.
func extractFencedJSON(raw string) (string, bool) {
	m := fencedJSONPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// isTemplateJSON reports whether a candidate looks like an example/template
// block rather than a real agent response: placeholder model IDs or
// TypeScript-style type annotations instead of values.
func isTemplateJSON(candidate string) bool {
	if strings.Contains(candidate, "${MODEL_ID}") {
		return true
	}
	if typeAnnotationPattern.MatchString(candidate) {
		return true
	}
	return false
}

var typeAnnotationPattern = regexp.MustCompile(`"[a-zA-Z_]+"\s*:\s*(string|number|boolean|object|array)\s*[,}]`)

// braceBalancedCandidates scans raw for top-level {...} substrings using a
// byte-wise brace counter (safe for UTF-8 since braces are single-byte
// ASCII and cannot appear inside a multi-byte rune).
func braceBalancedCandidates(raw string) []string {
	var candidates []string
	depth := 0
	start := -1
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, raw[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}

const qualityGateStagePrefix = "quality-gate-"

// hasQualityGateStage reports whether doc's top-level "stage" field starts
// with "quality-gate-".
func hasQualityGateStage(doc map[string]any) bool {
	stage, ok := doc["stage"].(string)
	return ok && strings.HasPrefix(stage, qualityGateStagePrefix)
}

// ExtractQualityJSON pulls the real quality-gate response out of noisy
// agent output:
// strip metadata, prefer a fenced json block, otherwise scan brace-balanced
// candidates (skipping template/example JSON) from last to first, taking the
// last one whose "stage" field starts with "quality-gate-", falling back to a backward/forward
// brace scan anchored on the literal stage string. Returns the parsed
// document and true on success.
func ExtractQualityJSON(raw string) (map[string]any, bool) {
	cleaned := stripMetadataPrefix(raw)

	if fenced, ok := extractFencedJSON(cleaned); ok {
		if doc, ok := parseJSONObject(fenced); ok {
			return doc, true
		}
	}

	candidates := braceBalancedCandidates(cleaned)
	for i := len(candidates) - 1; i >= 0; i-- {
		candidate := candidates[i]
		if isTemplateJSON(candidate) {
			continue
		}
		doc, ok := parseJSONObject(candidate)
		if !ok {
			continue
		}
		if hasQualityGateStage(doc) {
			return doc, true
		}
	}

	if doc, ok := lastResortScan(raw); ok {
		return doc, true
	}

	return nil, false
}

// lastResortScan is the final fallback: locate the literal
// `"stage": "quality-gate-<type>"` substring, scan backward up to 5000
// bytes for the nearest '{', then forward via brace-balanced scan for the
// matching '}'. If that candidate fails validation, retry at the next
// earlier occurrence of the literal.
func lastResortScan(raw string) (map[string]any, bool) {
	marker := regexp.MustCompile(`"stage"\s*:\s*"quality-gate-[a-zA-Z0-9_-]+"`)
	locs := marker.FindAllStringIndex(raw, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		markerStart := locs[i][0]
		searchFrom := markerStart - 5000
		if searchFrom < 0 {
			searchFrom = 0
		}
		braceIdx := strings.LastIndexByte(raw[searchFrom:markerStart+1], '{')
		if braceIdx < 0 {
			continue
		}
		openAt := searchFrom + braceIdx

		closeAt := matchingBrace(raw, openAt)
		if closeAt < 0 {
			continue
		}
		doc, ok := parseJSONObject(raw[openAt : closeAt+1])
		if !ok || !hasQualityGateStage(doc) {
			continue
		}
		return doc, true
	}
	return nil, false
}

// matchingBrace returns the byte index of the '}' matching the '{' at
// openAt, or -1 if unbalanced.
func matchingBrace(s string, openAt int) int {
	depth := 0
	for i := openAt; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseJSONObject(s string) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, false
	}
	return doc, true
}
