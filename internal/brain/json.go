package brain

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned by ExtractJSON when the text holds no JSON value.
var ErrNoJSON = errors.New("no JSON found in model reply")

// ExtractJSON pulls the first JSON object or array out of a model reply,
// tolerating markdown fences and surrounding prose, and decodes it into v.
func ExtractJSON(text string, v any) error {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	if json.Unmarshal([]byte(s), v) == nil {
		return nil
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ErrNoJSON
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return ErrNoJSON
	}
	return json.Unmarshal(raw, v)
}

// AsJSON keeps a JSON reply as-is and wraps anything else as a JSON string.
func AsJSON(content string) json.RawMessage {
	var v json.RawMessage
	if err := ExtractJSON(content, &v); err == nil && json.Valid(v) {
		return v
	}
	data, _ := json.Marshal(strings.TrimSpace(content))
	return data
}
