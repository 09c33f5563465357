// Package repair holds the repair session's domain types: the structured
// session result and the persisted fingerprint seen-set.
package repair

import (
	"encoding/json"
	"regexp"
)

// Result is the structured outcome of a repair session. The model is
// instructed to end its final message with a JSON object of this shape;
// sessions that fail to produce one end as needs-review.
type Result struct {
	Fixed        bool     `json:"fixed"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Description  string   `json:"description,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Suggestion   string   `json:"suggestion,omitempty"`
	RawResponse  string   `json:"raw_response,omitempty"`
}

// resultPattern matches a flat JSON object containing a "fixed" boolean.
var resultPattern = regexp.MustCompile(`(?s)\{[^{}]*"fixed"\s*:\s*(?:true|false)[^{}]*\}`)

const rawResponseCap = 1000

// ExtractResult scans free-form model text for a trailing structured result.
// When no parseable object is found it returns a needs-review Result that
// preserves the raw text (capped) for human inspection.
func ExtractResult(text string) Result {
	matches := resultPattern.FindAllString(text, -1)
	// take the last match: the model may quote the expected format earlier
	for i := len(matches) - 1; i >= 0; i-- {
		var r Result
		if err := json.Unmarshal([]byte(matches[i]), &r); err == nil {
			return r
		}
	}

	raw := text
	if len(raw) > rawResponseCap {
		raw = raw[:rawResponseCap]
	}
	return Result{
		Fixed:       false,
		Reason:      "could not parse structured result",
		RawResponse: raw,
	}
}
