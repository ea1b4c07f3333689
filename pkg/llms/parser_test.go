package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAnswer_Tiers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "tier 1: clean JSON object with answer",
			input: `{"answer":"hello"}`,
			want:  "hello",
		},
		{
			name:  "tier 1: surrounding whitespace",
			input: "  \n {\"answer\": \"hi there\"} \n",
			want:  "hi there",
		},
		{
			name:  "tier 2: object without answer key is stringified",
			input: `{"result":"ok"}`,
			want:  `{"result":"ok"}`,
		},
		{
			name:  "tier 3: JSON embedded in garbage",
			input: `garbage {"answer":"ok"} trailing`,
			want:  "ok",
		},
		{
			name:  "tier 4: plain text passes through trimmed",
			input: "  just a plain answer  ",
			want:  "just a plain answer",
		},
		{
			name:  "tier 4: broken JSON falls back to raw",
			input: `{"answer": "unterminated`,
			want:  `{"answer": "unterminated`,
		},
		{
			name:  "tier 5: empty input yields refusal",
			input: "",
			want:  RefusalAnswer,
		},
		{
			name:  "tier 5: whitespace-only input yields refusal",
			input: "   \n\t ",
			want:  RefusalAnswer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAnswer(tt.input))
		})
	}
}

func TestParseAnswer_NonStringAnswerValue(t *testing.T) {
	// A non-string answer value is not usable at tier 1 or 3; the raw
	// payload comes through at tier 4.
	got := ParseAnswer(`{"answer": 42}`)
	assert.NotEmpty(t, got)
	assert.Contains(t, got, "42")
}

func TestParseAnswer_NeverEmpty(t *testing.T) {
	inputs := []string{
		"", "{}", "null", "[]", `{"answer":""}`, "}{", "data: [DONE]",
		`{"answer":"x"}`, "\x00\x01", "中文内容",
	}
	for _, input := range inputs {
		assert.NotEmpty(t, ParseAnswer(input), "input %q", input)
	}
}
