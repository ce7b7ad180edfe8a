package llm

import (
	"encoding/json"
	"strings"

	"github.com/Jackela/impetus/internal/intervention"
)

// rawAction is the wire shape models are prompted to produce. Kept
// separate from intervention.Response so parsing stays tolerant of
// missing server-side fields (action_id, issued_at).
type rawAction struct {
	Action  string              `json:"action"`
	Content string              `json:"content"`
	LockID  string              `json:"lock_id"`
	Anchor  intervention.Anchor `json:"anchor"`
}

// ParseAction extracts the structured action from raw model output.
// Models wrap JSON in prose or markdown fences often enough that we
// scan for the outermost object rather than unmarshal the whole text.
// Failures return a parse_error ProviderError; the raw payload is not
// included in the error message (it is logged at trace level by the
// caller instead).
func ParseAction(provider, raw string, mode intervention.Mode) (*intervention.Response, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "model output contains no JSON object",
			Status:   502,
			Provider: provider,
		}
	}

	var ra rawAction
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ra); err != nil {
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "model output is not valid JSON",
			Status:   502,
			Provider: provider,
		}
	}

	resp := &intervention.Response{
		Action:  intervention.Action(ra.Action),
		Content: ra.Content,
		LockID:  ra.LockID,
		Anchor:  ra.Anchor,
		Source:  mode,
	}

	switch resp.Action {
	case intervention.ActionProvoke, intervention.ActionRewrite, intervention.ActionDelete:
	default:
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "model output has unknown action",
			Status:   502,
			Provider: provider,
		}
	}
	if err := resp.Anchor.Validate(); err != nil {
		return nil, &ProviderError{
			Code:     intervention.CodeParseError,
			Message:  "model output has invalid anchor: " + err.Error(),
			Status:   502,
			Provider: provider,
		}
	}

	return resp, nil
}
