package inference

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// NegativeVerdict is the verdict synthesized for unparseable responses.
const NegativeVerdict = "reject"

const maxExcerpt = 200

// SanitizeResponse turns raw model output into a JSON object string. Code fences
// are stripped; if the remainder (or the outermost {...} span inside it) parses
// as a JSON object it is returned compacted. Anything else yields
// {"verdict": "reject", "reason": <excerpt>}.
func SanitizeResponse(raw string) string {
	s := stripFences(raw)
	if out, ok := compactObject(s); ok {
		return out
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		if out, ok := compactObject(s[i : j+1]); ok {
			return out
		}
	}
	return fallback(s)
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		// drop the language tag line, e.g. ```json
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[\"") {
				s = s[nl+1:]
			}
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func compactObject(s string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return "", false
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func fallback(s string) string {
	b, _ := json.Marshal(map[string]string{
		"verdict": NegativeVerdict,
		"reason":  excerpt(s, maxExcerpt),
	})
	return string(b)
}

func excerpt(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
