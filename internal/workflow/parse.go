package workflow

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fencedJSONPattern extracts the body of a ```json ... ``` block.
var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseSubQuestions parses a completion into a sub-question list. The model
// output is untrusted: a direct JSON object is tried first, then a bare JSON
// array, then a fenced JSON block. When nothing parses, the result degrades
// to the original query as the single sub-question; decomposition never
// fails outright. The second return value reports whether the fallback was
// taken.
func parseSubQuestions(raw, originalQuery string) ([]string, bool) {
	if questions, ok := tryParse(strings.TrimSpace(raw)); ok {
		return questions, false
	}

	if m := fencedJSONPattern.FindStringSubmatch(raw); m != nil {
		if questions, ok := tryParse(m[1]); ok {
			return questions, false
		}
	}

	return []string{originalQuery}, true
}

// tryParse attempts both accepted JSON shapes: an object with a
// "sub_questions" list, or a bare array of strings. A parse that yields no
// usable questions is treated as a failure.
func tryParse(s string) ([]string, bool) {
	var obj struct {
		SubQuestions []string `json:"sub_questions"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil && hasContent(obj.SubQuestions) {
		return obj.SubQuestions, true
	}

	var arr []string
	if err := json.Unmarshal([]byte(s), &arr); err == nil && hasContent(arr) {
		return arr, true
	}

	return nil, false
}

// hasContent reports whether the list holds at least one non-blank question.
func hasContent(questions []string) bool {
	for _, q := range questions {
		if strings.TrimSpace(q) != "" {
			return true
		}
	}
	return false
}

// splitQuestions parses a critique response as newline-separated follow-up
// questions, trimming whitespace and dropping blank lines. The result is
// capped at max questions.
func splitQuestions(s string, max int) []string {
	var questions []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		questions = append(questions, line)
		if len(questions) == max {
			break
		}
	}
	return questions
}
