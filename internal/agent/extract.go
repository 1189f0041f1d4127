package agent

import (
	"encoding/json"
	"strings"
)

// answerRule pulls an answer out of a decoded JSON response body.
type answerRule struct {
	name    string
	extract func(body any) (string, bool)
}

// answerRules run in order; the first match wins.
var answerRules = []answerRule{
	{"choices[0].message.content", func(body any) (string, bool) {
		msg, ok := path(body, "choices", 0, "message").(map[string]any)
		if !ok {
			return "", false
		}
		return valueText(msg["content"])
	}},
	{"choices[0].text", func(body any) (string, bool) {
		return valueText(path(body, "choices", 0, "text"))
	}},
	topLevel("answer"),
	topLevel("output"),
	topLevel("result"),
	topLevel("content"),
	topLevel("generated_text"),
	topLevel("text"),
}

func topLevel(key string) answerRule {
	return answerRule{key, func(body any) (string, bool) {
		return valueText(path(body, key))
	}}
}

// ExtractAnswer returns the answer found in a REST response body and the name
// of the rule that matched. When nothing matches, the raw body is returned
// verbatim and rule is empty.
func ExtractAnswer(body []byte) (answer, rule string) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		if arr, ok := decoded.([]any); ok && len(arr) > 0 {
			decoded = arr[0]
		}
		for _, r := range answerRules {
			if text, ok := r.extract(decoded); ok {
				return text, r.name
			}
		}
	}
	return string(body), ""
}

// path walks nested maps (string keys) and slices (int keys).
func path(v any, keys ...any) any {
	for _, k := range keys {
		switch k := k.(type) {
		case string:
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[k]
		case int:
			s, ok := v.([]any)
			if !ok || k >= len(s) {
				return nil
			}
			v = s[k]
		}
	}
	return v
}

// valueText renders a matched value. Objects prefer their output, then text
// field; anything else non-string is JSON-encoded.
func valueText(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case map[string]any:
		for _, k := range []string{"output", "text"} {
			if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
