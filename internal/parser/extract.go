// Package parser turns untrusted worker output and card markdown into
// validated orchestration data. Worker output is treated as free text
// that merely contains JSON somewhere: code fences are stripped and the
// first balanced bracket group is extracted before parsing.
package parser

import (
	"fmt"
	"strings"
)

// StripCodeFences removes markdown code fence lines from raw text. The
// fence language tag, if any, goes with the fence.
func StripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	var kept []string
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// ExtractArray returns the first balanced [...] substring of raw.
func ExtractArray(raw string) (string, error) {
	return extractBalanced(raw, '[', ']')
}

// ExtractObject returns the first balanced {...} substring of raw.
func ExtractObject(raw string) (string, error) {
	return extractBalanced(raw, '{', '}')
}

// extractBalanced scans for the first open delimiter and returns the
// substring through its matching close, honoring JSON string literals
// and escape sequences so brackets inside strings do not count.
func extractBalanced(raw string, open, close byte) (string, error) {
	start := strings.IndexByte(raw, open)
	if start < 0 {
		return "", fmt.Errorf("no %q found in output", string(open))
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == open:
			depth++
		case !inString && ch == close:
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced %q in output", string(open))
}
