package llms

import (
	"encoding/json"
	"strings"

	"github.com/sagekb/sage/pkg/logger"
)

// RefusalAnswer is substituted when no answer can be extracted at all.
const RefusalAnswer = "I cannot answer this question based on the information in the current knowledge base"

// ParseAnswer extracts a canonical answer string from backend output that
// was instructed to return {"answer": "..."}. Tier waterfall:
//
//  1. whole payload parses as an object with a string "answer"
//  2. whole payload parses as an object without "answer": stringify it
//  3. first '{' .. last '}' substring parses with a string "answer"
//  4. the raw payload, trimmed
//  5. the fixed refusal string when everything above came up empty
//
// The result is always non-empty and ParseAnswer never fails.
func ParseAnswer(raw string) string {
	log := logger.Component("parser")
	trimmed := strings.TrimSpace(raw)

	var mapping map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &mapping); err == nil {
		if answer, ok := answerField(mapping); ok {
			log.Debug("answer extracted", "tier", 1)
			return answer
		}
		if _, hasKey := mapping["answer"]; !hasKey {
			if stringified := stringifyMapping(mapping); stringified != "" {
				log.Debug("answer extracted", "tier", 2)
				return stringified
			}
		}
	}

	if inner := braceSubstring(trimmed); inner != "" {
		var innerMapping map[string]interface{}
		if err := json.Unmarshal([]byte(inner), &innerMapping); err == nil {
			if answer, ok := answerField(innerMapping); ok {
				log.Debug("answer extracted", "tier", 3)
				return answer
			}
		}
	}

	if trimmed != "" {
		log.Debug("answer extracted", "tier", 4)
		return trimmed
	}

	log.Debug("answer extracted", "tier", 5)
	return RefusalAnswer
}

func answerField(mapping map[string]interface{}) (string, bool) {
	value, ok := mapping["answer"]
	if !ok {
		return "", false
	}
	answer, ok := value.(string)
	if !ok || strings.TrimSpace(answer) == "" {
		return "", false
	}
	return answer, true
}

func stringifyMapping(mapping map[string]interface{}) string {
	if len(mapping) == 0 {
		return ""
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return ""
	}
	return string(data)
}

// braceSubstring returns the first-'{' to last-'}' slice, or "" when the
// payload holds no such pair.
func braceSubstring(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
