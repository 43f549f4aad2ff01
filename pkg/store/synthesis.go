package store

import "encoding/json"

// synthesisDoc is the opaque JSON blob stored in consensus_runs.synthesis_json.
type synthesisDoc struct {
	OutputMarkdown string   `json:"output_markdown"`
	Path           string   `json:"path,omitempty"`
	Status         string   `json:"status"`
	ArtifactsCount int      `json:"artifacts_count"`
	Agreements     []string `json:"agreements,omitempty"`
	Conflicts      []string `json:"conflicts,omitempty"`
	Degraded       bool     `json:"degraded"`
}

func buildSynthesisJSON(in SynthesisInput) (string, error) {
	doc := synthesisDoc{
		OutputMarkdown: in.OutputMarkdown,
		Path:           in.Path,
		Status:         in.Status,
		ArtifactsCount: in.ArtifactsCount,
		Agreements:     in.Agreements,
		Conflicts:      in.Conflicts,
		Degraded:       in.Degraded,
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}
