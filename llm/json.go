package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON parses a JSON object or array out of a model response,
// tolerating the usual decoration: markdown code fences and prose around
// the JSON body.
func ExtractJSON(response string, v any) error {
	cleaned := strings.TrimSpace(response)

	// Strip ```json ... ``` fences.
	if idx := strings.Index(cleaned, "```"); idx >= 0 {
		rest := cleaned[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			cleaned = rest[:end]
		} else {
			cleaned = rest
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	// Narrow to the outermost JSON value.
	start := strings.IndexAny(cleaned, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON value in response")
	}
	var end int
	if cleaned[start] == '{' {
		end = strings.LastIndex(cleaned, "}")
	} else {
		end = strings.LastIndex(cleaned, "]")
	}
	if end <= start {
		return fmt.Errorf("unterminated JSON value in response")
	}

	if err := json.Unmarshal([]byte(cleaned[start:end+1]), v); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}
