package llm

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse means the model returned nothing usable.
	ErrEmptyResponse = errors.New("empty response")

	// ErrNoJSON means no complete JSON object was found in the response.
	ErrNoJSON = errors.New("no JSON object in response")
)

// ExtractJSON pulls the first complete top-level JSON object out of a
// model response. Markdown fences and surrounding prose are tolerated;
// braces inside string literals do not end the scan early.
func ExtractJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyResponse
	}

	candidate := trimmed
	if strings.HasPrefix(trimmed, "```") {
		inner := trimmed[3:]
		if end := strings.Index(inner, "```"); end != -1 {
			content := inner[:end]
			// Drop the info string on the opening fence line.
			if nl := strings.Index(content, "\n"); nl != -1 {
				content = content[nl+1:]
			}
			candidate = strings.TrimSpace(content)
		}
	}

	if obj, ok := scanObject(candidate); ok {
		return obj, nil
	}
	if obj, ok := scanObject(trimmed); ok {
		return obj, nil
	}
	return "", ErrNoJSON
}

// scanObject walks the input byte by byte and returns the first
// balanced top-level {...} span outside of string literals. Byte
// iteration is safe for the ASCII delimiters because UTF-8 never
// embeds them in multi-byte sequences.
func scanObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
