package quality

import (
	"sort"

	"github.com/speckit/automation-core/pkg/model"
)

// MergeIssues unions per-agent QualityIssue lists keyed by ID, combining
// agent_answers/agent_reasoning, escalating magnitude, and adopting the
// most conservative resolvability across agents that reported the same
// issue ID.
func MergeIssues(perAgent [][]model.QualityIssue) []model.QualityIssue {
	merged := make(map[string]*model.QualityIssue)
	var order []string

	for _, issues := range perAgent {
		for _, issue := range issues {
			existing, ok := merged[issue.ID]
			if !ok {
				cp := issue
				cp.AgentAnswers = cloneMap(issue.AgentAnswers)
				cp.AgentReasoning = cloneMap(issue.AgentReasoning)
				merged[issue.ID] = &cp
				order = append(order, issue.ID)
				continue
			}
			for agent, answer := range issue.AgentAnswers {
				existing.AgentAnswers[agent] = answer
			}
			for agent, reasoning := range issue.AgentReasoning {
				existing.AgentReasoning[agent] = reasoning
			}
			existing.Magnitude = model.MaxMagnitude(existing.Magnitude, issue.Magnitude)
			existing.Resolvability = model.MaxResolvability(existing.Resolvability, issue.Resolvability)
		}
	}

	out := make([]model.QualityIssue, 0, len(order))
	for _, id := range order {
		issue := merged[id]
		issue.Confidence = classifyAgreement(issue.AgentAnswers)
		out = append(out, *issue)
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// classifyAgreement maps 3-agent agreement to confidence: 3/3
// identical answers is High confidence, 2/3 is Medium, anything else Low.
// Fewer than 3 answers (degraded mode) is treated the same way by simple
// majority count.
func classifyAgreement(answers map[string]string) model.Confidence {
	counts := make(map[string]int)
	for _, a := range answers {
		counts[a]++
	}
	total := len(answers)
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	switch {
	case total >= 3 && best == total:
		return model.ConfidenceHigh
	case total >= 2 && best >= 2:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// majorityAnswer returns the most-agreed-upon answer and whether a
// majority (more than one agent, or the sole agent) exists.
func majorityAnswer(answers map[string]string) (string, bool) {
	counts := make(map[string]int)
	agents := make([]string, 0, len(answers))
	for agent := range answers {
		agents = append(agents, agent)
	}
	sort.Strings(agents) // deterministic tie-break
	for _, a := range agents {
		counts[answers[a]]++
	}
	best, bestCount := "", 0
	for _, a := range agents {
		ans := answers[a]
		if counts[ans] > bestCount {
			best, bestCount = ans, counts[ans]
		}
	}
	return best, bestCount > 1 || len(agents) == 1
}

// ShouldAutoResolve is the auto-resolution decision matrix. It is a
// separate gate applied by the caller on top of ResolveQualityIssue's
// confidence-driven verdict: an AutoApply that fails this matrix must not
// be materialized.
func ShouldAutoResolve(confidence model.Confidence, magnitude model.Magnitude, resolvability model.Resolvability) bool {
	if magnitude == model.MagnitudeCritical {
		return false
	}
	switch confidence {
	case model.ConfidenceHigh:
		if magnitude == model.MagnitudeMinor {
			return resolvability == model.ResolvabilityAutoFix || resolvability == model.ResolvabilitySuggestFix
		}
		if magnitude == model.MagnitudeImportant {
			return resolvability == model.ResolvabilityAutoFix
		}
		return false
	case model.ConfidenceMedium:
		return magnitude == model.MagnitudeMinor && resolvability == model.ResolvabilityAutoFix
	default:
		return false
	}
}

// LearnedPattern is one "ACE bullet" learned pattern entry that can lift a
// Medium+SuggestFix issue to auto-resolved.
type LearnedPattern struct {
	IssueTopic string
	Keywords   []string
}

// matchesLearnedPattern reports whether any learned pattern's topic overlaps
// the issue description via keyword overlap or Jaccard similarity > 0.3.
// Additive only: never used to block an otherwise-auto-resolvable issue.
func matchesLearnedPattern(issue model.QualityIssue, patterns []LearnedPattern) bool {
	issueWords := tokenize(issue.Description)
	for _, p := range patterns {
		patternWords := tokenize(p.IssueTopic)
		if len(p.Keywords) > 0 && keywordOverlap(issueWords, p.Keywords) {
			return true
		}
		if jaccard(issueWords, patternWords) > 0.3 {
			return true
		}
	}
	return false
}

// ResolveQualityIssue decides AutoApply vs Escalate for a merged issue,
// driven purely by agreement confidence: unanimous answers auto-apply,
// a 2/3 majority escalates with a recommendation, and anything weaker
// escalates with no recommendation. The one exception is the learned
// pattern lift, which promotes a Medium+Minor+SuggestFix issue whose
// topic matches a known pattern. Whether an AutoApply may actually be
// materialized is the caller's decision via ShouldAutoResolve.
func ResolveQualityIssue(issue model.QualityIssue, patterns []LearnedPattern) model.Resolution {
	majority, _ := majorityAnswer(issue.AgentAnswers)

	switch issue.Confidence {
	case model.ConfidenceHigh:
		return model.Resolution{
			Kind:       model.ResolutionAutoApply,
			Answer:     majority,
			Confidence: model.ConfidenceHigh,
			Reason:     "Unanimous (3/3)",
			AllAnswers: cloneMap(issue.AgentAnswers),
		}
	case model.ConfidenceMedium:
		if issue.Magnitude == model.MagnitudeMinor &&
			issue.Resolvability == model.ResolvabilitySuggestFix &&
			matchesLearnedPattern(issue, patterns) {
			return model.Resolution{
				Kind:       model.ResolutionAutoApply,
				Answer:     majority,
				Confidence: model.ConfidenceMedium,
				Reason:     "Learned pattern match (Medium, lifted)",
				AllAnswers: cloneMap(issue.AgentAnswers),
			}
		}
		rec := majority
		return model.Resolution{
			Kind:        model.ResolutionEscalate,
			Confidence:  model.ConfidenceMedium,
			Reason:      "Majority (2/3) - GPT-5.1 validation needed",
			Recommended: &rec,
			AllAnswers:  cloneMap(issue.AgentAnswers),
		}
	default:
		return model.Resolution{
			Kind:       model.ResolutionEscalate,
			Confidence: issue.Confidence,
			Reason:     "No agent consensus",
			AllAnswers: cloneMap(issue.AgentAnswers),
		}
	}
}

func tokenize(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = nil
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cur = append(cur, toLower(r))
		} else {
			flush()
		}
	}
	flush()
	return words
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func keywordOverlap(words []string, keywords []string) bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	for _, k := range keywords {
		if set[k] {
			return true
		}
	}
	return false
}

func jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
