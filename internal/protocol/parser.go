// Package protocol decodes the agent's captured stdout into a structured
// result. The agent may wrap its result record between a pair of fixed
// sentinel markers anywhere in the stream, or emit it unwrapped as the last
// non-blank line; anything else is free-form text.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/webclinic017/nuclaw/internal/model"
)

// Sentinel markers bracketing structured output within otherwise free-form
// agent text. These are part of the agent contract and must not change.
const (
	OutputStartMarker = "--NUCLAW_OUTPUT_START--"
	OutputEndMarker   = "--NUCLAW_OUTPUT_END--"
)

const genericFailure = "agent execution failed"

// Parse decodes the full captured stdout of an agent run. The two parse
// attempts (sentinel-wrapped, then last non-blank line) are ordered,
// short-circuiting alternatives; when both fail the result is synthesized
// from the raw output and the process exit signal. Parse is a pure function
// of its inputs.
func Parse(output string, success bool) *model.AgentResult {
	if content, ok := extractMarked(output); ok {
		if res := decodeResult(content); res != nil {
			return res
		}
	}

	if res := decodeResult(lastNonBlankLine(output)); res != nil {
		return res
	}

	if success {
		out := output
		return &model.AgentResult{Status: "success", Result: &out}
	}
	errText := genericFailure
	return &model.AgentResult{Status: "error", Error: &errText}
}

// extractMarked returns the substring strictly between the start and end
// markers. An end marker that precedes the start marker is not a pair.
// Empty marked content is valid.
func extractMarked(output string) (string, bool) {
	start := strings.Index(output, OutputStartMarker)
	if start < 0 {
		return "", false
	}
	end := strings.Index(output, OutputEndMarker)
	if end < 0 || end <= start {
		return "", false
	}
	return output[start+len(OutputStartMarker) : end], true
}

func lastNonBlankLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// decodeResult parses a candidate result record. A record without a status
// field is not a result, no matter how valid its JSON.
func decodeResult(content string) *model.AgentResult {
	var res model.AgentResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &res); err != nil {
		return nil
	}
	if res.Status == "" {
		return nil
	}
	return &res
}
