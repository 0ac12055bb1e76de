package agent

import (
	"encoding/json"
	"strings"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// parsedResponse is the contract every role's provider response must satisfy.
type parsedResponse struct {
	Confidence float64              `json:"confidence"`
	Summary    string               `json:"summary"`
	Proposal   json.RawMessage      `json:"proposal"`
	Evidence   []models.EvidenceRef `json:"evidence"`
}

// parseResponse extracts the structured result from a raw provider response.
// Models routinely wrap JSON in markdown fences or preamble text, so the
// parser locates the outermost object before decoding. A response that does
// not decode, or whose confidence is out of range, is a Validation failure.
func parseResponse(text string) (parsedResponse, error) {
	var parsed parsedResponse

	body := extractJSON(text)
	if body == "" {
		return parsed, errs.Validationf("response", "no JSON object in provider response")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&parsed); err != nil {
		return parsed, errs.Validationf("response", "malformed provider response: %v", err)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return parsed, errs.Validationf("confidence", "confidence %v outside [0,1]", parsed.Confidence)
	}
	for i, ev := range parsed.Evidence {
		if ev.Similarity < 0 || ev.Similarity > 1 {
			return parsed, errs.Validationf("evidence", "evidence[%d] similarity %v outside [0,1]", i, ev.Similarity)
		}
	}
	return parsed, nil
}

// extractJSON returns the outermost {...} object in text, tolerating fenced
// code blocks and surrounding prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
