package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSONObject pulls the first balanced {...} block out of free text.
// Braces inside string literals are skipped. Oracle replies often wrap JSON
// in prose or code fences, so plain json.Unmarshal on the whole text fails.
func extractJSONObject(text string) (json.RawMessage, error) {
	return extractBalanced(text, '{', '}')
}

// extractJSONArray pulls the first balanced [...] block out of free text.
func extractJSONArray(text string) (json.RawMessage, error) {
	return extractBalanced(text, '[', ']')
}

func extractBalanced(text string, open, closing rune) (json.RawMessage, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case closing:
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("balanced block is not valid JSON")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("no balanced %c...%c block found", open, closing)
}

// scrapeStructured tries to recover a structured payload from free text:
// first an object, then an array. Used when the structured oracle call
// failed or returned garbage.
func scrapeStructured(text string) (json.RawMessage, bool) {
	text = strings.TrimSpace(text)
	if raw, err := extractJSONObject(text); err == nil {
		return raw, true
	}
	if raw, err := extractJSONArray(text); err == nil {
		return raw, true
	}
	return nil, false
}
